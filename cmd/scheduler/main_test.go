package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towersched/internal/domain"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"template read", errors.Mark(errors.New("bad"), domain.ErrTemplateRead), 1},
		{"persist", errors.Wrap(errors.Mark(errors.New("disk full"), domain.ErrPersist), "save"), 1},
		{"interrupted", context.Canceled, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRunRejectsExtraArguments(t *testing.T) {
	assert.Equal(t, 2, run([]string{"a.json", "b.json"}))
}

func TestRunCreatesStateDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, os.WriteFile("ensembles.json", []byte(`{"ensemble_list": []}`), 0o644))
	require.NoError(t, os.WriteFile("tower.toml", []byte(`
[sleep]
timer = "file"
timer_file = "sleep_request.json"

[history]
path = "history.db"

[log]
level = "error"
`), 0o644))

	active := filepath.Join(dir, "state", "active.json")
	assert.Equal(t, 0, run([]string{active}))
	assert.FileExists(t, active)
	assert.FileExists(t, filepath.Join(dir, "sleep_request.json"))
}
