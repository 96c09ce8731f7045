package scheduler_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stywzn/recon-orchestrator/internal/executor"
	"github.com/stywzn/recon-orchestrator/internal/model"
	"github.com/stywzn/recon-orchestrator/internal/scheduler"
)

func writeArtifacts(t *testing.T, root, id string, size int) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := []byte(strings.Repeat("x", size/2))
	require.NoError(t, os.WriteFile(filepath.Join(dir, executor.StdoutFile), body, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, executor.StderrFile), body, 0o644))
}

func finishedJob(id string, st model.Status, finished time.Time) model.Job {
	return model.Job{ID: id, ProjectID: "p", Module: model.ModuleActiveScan, Status: st, Aggressiveness: 5,
		CreatedAt: finished.Add(-time.Hour), UpdatedAt: finished, FinishedAt: &finished}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPruneHonoursRetentionWindows(t *testing.T) {
	h := newHarness(t, scheduler.Config{RawRetentionDays: 7, LogRetentionDays: 14})
	paused := model.Job{ID: "paused", ProjectID: "p", Module: model.ModuleActiveScan, Status: model.StatusPaused, Aggressiveness: 5,
		CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), UpdatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	h.s.Restore(context.Background(), []model.Job{
		finishedJob("old", model.StatusSucceeded, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)),
		finishedJob("mid", model.StatusSucceeded, time.Date(2024, 4, 21, 0, 0, 0, 0, time.UTC)),
		finishedJob("fresh", model.StatusFailed, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)),
		paused,
	})
	for _, id := range []string{"old", "mid", "fresh", "paused"} {
		writeArtifacts(t, h.root, id, 100)
	}

	rep, err := h.s.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.FilesRemoved)
	assert.Equal(t, 1, rep.DirsRemoved)
	assert.Equal(t, int64(150), rep.BytesFreed)

	assert.False(t, exists(filepath.Join(h.root, "old")))
	assert.False(t, exists(filepath.Join(h.root, "mid", executor.StdoutFile)))
	assert.True(t, exists(filepath.Join(h.root, "mid", executor.StderrFile)))
	assert.True(t, exists(filepath.Join(h.root, "fresh", executor.StdoutFile)))
	assert.True(t, exists(filepath.Join(h.root, "paused", executor.StdoutFile)))
	assert.True(t, exists(filepath.Join(h.root, "paused", executor.StderrFile)))
}

func TestPruneEvictsOldestFinishedJobsOverBudget(t *testing.T) {
	h := newHarness(t, scheduler.Config{MaxArtifactBytes: 250})
	paused := model.Job{ID: "paused", ProjectID: "p", Module: model.ModuleActiveScan, Status: model.StatusPaused, Aggressiveness: 5,
		CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), UpdatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	h.s.Restore(context.Background(), []model.Job{
		finishedJob("c", model.StatusSucceeded, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)),
		finishedJob("a", model.StatusCanceled, time.Date(2024, 4, 28, 0, 0, 0, 0, time.UTC)),
		finishedJob("b", model.StatusFailed, time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)),
		paused,
	})
	for _, id := range []string{"a", "b", "c", "paused"} {
		writeArtifacts(t, h.root, id, 100)
	}

	rep, err := h.s.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.DirsRemoved)
	assert.Equal(t, int64(200), rep.BytesFreed)
	assert.False(t, exists(filepath.Join(h.root, "a")))
	assert.False(t, exists(filepath.Join(h.root, "b")))
	assert.True(t, exists(filepath.Join(h.root, "c")))
	assert.True(t, exists(filepath.Join(h.root, "paused")))
}

func TestPruneKeepsEverythingWhenUnlimited(t *testing.T) {
	h := newHarness(t, scheduler.Config{})
	h.s.Restore(context.Background(), []model.Job{
		finishedJob("ancient", model.StatusSucceeded, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	writeArtifacts(t, h.root, "ancient", 100)

	rep, err := h.s.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.FilesRemoved)
	assert.True(t, exists(filepath.Join(h.root, "ancient", executor.StdoutFile)))
}
