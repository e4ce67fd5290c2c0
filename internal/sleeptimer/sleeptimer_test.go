package sleeptimer

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towersched/internal/clock"
)

func TestFileWritesRequest(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	timer := File{FS: fs, Path: "/run/tower/sleep.json", Clock: clock.NewFake(now)}

	require.NoError(t, timer.Sleep(context.Background(), 1234))

	req, err := ReadRequest(fs, "/run/tower/sleep.json")
	require.NoError(t, err)
	assert.Equal(t, 1234, req.Seconds)
	assert.True(t, now.Equal(req.RequestedAt))
}

func TestFileFailsOnReadOnlyFs(t *testing.T) {
	timer := File{FS: afero.NewReadOnlyFs(afero.NewMemMapFs()), Path: "/run/sleep.json"}
	assert.Error(t, timer.Sleep(context.Background(), 5))
}

func TestSoftwareAdvancesClock(t *testing.T) {
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.Local)
	fake := clock.NewFake(start)
	require.NoError(t, Software{Clock: fake}.Sleep(context.Background(), 42))
	assert.Equal(t, start.Add(42*time.Second), fake.Now())
}

func TestCommandFailure(t *testing.T) {
	assert.Error(t, Command{}.Sleep(context.Background(), 1))
	assert.Error(t, Command{Name: "/nonexistent/rtcwake"}.Sleep(context.Background(), 1))
}

func TestNew(t *testing.T) {
	s, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Software{}, s)

	s, err = New(Config{Kind: KindFile, File: "/tmp/x.json"}, nil)
	require.NoError(t, err)
	assert.IsType(t, File{}, s)

	s, err = New(Config{Kind: KindCommand, Command: []string{"rtcwake", "-m", "mem", "-s"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, Command{Name: "rtcwake", Args: []string{"-m", "mem", "-s"}}, s)

	_, err = New(Config{Kind: KindFile}, nil)
	assert.Error(t, err)
	_, err = New(Config{Kind: KindCommand}, nil)
	assert.Error(t, err)
	_, err = New(Config{Kind: "hardware"}, nil)
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	var advanced int
	r := &Recorder{Advance: func(s int) { advanced += s }}
	require.NoError(t, r.Sleep(context.Background(), 10))
	require.NoError(t, r.Sleep(context.Background(), 20))
	assert.Equal(t, []int{10, 20}, r.Requests)
	assert.Equal(t, 30, advanced)
}
