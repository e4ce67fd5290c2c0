package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towersched/internal/domain"
)

const testPath = "/var/lib/tower/active_ensembles.json"

func sampleSchedule() domain.ActiveSchedule {
	return domain.ActiveSchedule{
		Events: []domain.FiringEvent{
			{Title: "A-0", Template: "A", Function: "shell:echo", Time: 0, Inputs: []json.RawMessage{json.RawMessage(`"hi"`)}},
			{Title: "A-1", Template: "A", Function: "shell:echo", Time: 60},
			domain.TeardownEvent(),
		},
		Cursor: 1,
		Day:    "2026-04-02",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewFileStore(afero.NewMemMapFs(), testPath)

	want := sampleSchedule()
	require.NoError(t, st.Save(ctx, want))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	exists, err := afero.Exists(st.fs, testPath+".tmp")
	require.NoError(t, err)
	assert.False(t, exists, "temporary file must be renamed away")
}

func TestSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	st := NewFileStore(afero.NewMemMapFs(), testPath)
	require.NoError(t, st.Save(ctx, sampleSchedule()))

	next := domain.ActiveSchedule{Events: []domain.FiringEvent{domain.TeardownEvent()}, Cursor: 0}
	require.NoError(t, st.Save(ctx, next))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestLoadNotFound(t *testing.T) {
	tests := []struct {
		name    string
		content *string
	}{
		{name: "missing file"},
		{name: "empty file", content: ptr("")},
		{name: "garbage", content: ptr("{not json")},
		{name: "wrong types", content: ptr(`{"ensemble_list": "x", "next_ensemble": 0}`)},
		{name: "missing cursor", content: ptr(`{"ensemble_list": []}`)},
		{name: "missing events", content: ptr(`{"next_ensemble": 3}`)},
		{name: "trailing data", content: ptr(`{"ensemble_list": [], "next_ensemble": 0} {}`)},
		{name: "event without function or time", content: ptr(`{"next_ensemble": 0, "ensemble_list": [{"title": "x"}]}`)},
		{name: "event without time", content: ptr(`{"next_ensemble": 0, "ensemble_list": [{"title": "x", "function": "shell:echo"}]}`)},
		{name: "event with empty function", content: ptr(`{"next_ensemble": 0, "ensemble_list": [{"title": "x", "function": "", "time": 5}]}`)},
		{name: "negative event time", content: ptr(`{"next_ensemble": 0, "ensemble_list": [{"title": "x", "function": "shell:echo", "time": -1}]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.content != nil {
				require.NoError(t, afero.WriteFile(fs, testPath, []byte(*tt.content), 0o644))
			}
			_, err := NewFileStore(fs, testPath).Load(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrStateNotFound))
		})
	}
}

func TestLoadLegacyFileWithoutDay(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw := `{"next_ensemble": -1, "ensemble_list": [{"title": "teardown", "function": "teardown", "time": 86399}]}`
	require.NoError(t, afero.WriteFile(fs, testPath, []byte(raw), 0o644))

	s, err := NewFileStore(fs, testPath).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.NeedsSetup, s.Cursor)
	assert.True(t, s.NeedsSetup())
	assert.Empty(t, s.Day)
}

func TestSaveFailureIsPersistError(t *testing.T) {
	st := NewFileStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), testPath)
	err := st.Save(context.Background(), sampleSchedule())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPersist))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	st := NewFileStore(afero.NewMemMapFs(), testPath)
	require.NoError(t, st.Save(ctx, sampleSchedule()))

	require.NoError(t, Reset(ctx, st, "2026-04-03"))
	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.NeedsSetup, got.Cursor)
	assert.Equal(t, "2026-04-03", got.Day)
	assert.Len(t, got.Events, 3)
}

func TestResetWithoutFile(t *testing.T) {
	ctx := context.Background()
	st := NewFileStore(afero.NewMemMapFs(), testPath)
	require.NoError(t, Reset(ctx, st, "2026-04-03"))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.NeedsSetup())
	assert.Empty(t, got.Events)
}

func ptr(s string) *string { return &s }

func TestLoadKeepsMidnightEvent(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw := `{"next_ensemble": 0, "day": "2026-04-02", "ensemble_list": [{"title": "A-0", "function": "log:info", "time": 0}]}`
	require.NoError(t, afero.WriteFile(fs, testPath, []byte(raw), 0o644))

	s, err := NewFileStore(fs, testPath).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Events, 1)
	assert.Equal(t, domain.FiringEvent{Title: "A-0", Function: "log:info", Time: 0}, s.Events[0])
}
