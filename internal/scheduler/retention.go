package scheduler

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/stywzn/recon-orchestrator/internal/executor"
	"github.com/stywzn/recon-orchestrator/internal/metrics"
	"github.com/stywzn/recon-orchestrator/internal/model"
)

// PruneReport summarizes one retention pass.
type PruneReport struct {
	FilesRemoved int
	DirsRemoved  int
	BytesFreed   int64
}

// Prune drops raw output and logs of finished jobs once they outlive their retention
// window, then removes whole job directories, oldest first, while the artifact root
// is over the byte budget. Queued, running and paused jobs are never touched.
func (s *Scheduler) Prune(ctx context.Context) (PruneReport, error) {
	set := s.Settings()
	now := s.now()
	var rep PruneReport

	var done []model.Job
	for _, j := range s.reg.List(Filter{}) {
		if j.Status.Terminal() {
			done = append(done, j)
		}
	}
	sort.Slice(done, func(a, b int) bool {
		fa, fb := finishedAt(done[a]), finishedAt(done[b])
		if !fa.Equal(fb) {
			return fa.Before(fb)
		}
		return done[a].ID < done[b].ID
	})

	for _, j := range done {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		dir := s.exec.OutputDir(j.ID)
		age := now.Sub(finishedAt(j))
		if expired(age, set.RawRetentionDays) {
			rep.removeFile(filepath.Join(dir, executor.StdoutFile), "raw_retention")
		}
		if expired(age, set.LogRetentionDays) {
			rep.removeFile(filepath.Join(dir, executor.StderrFile), "log_retention")
		}
		// only succeeds once the directory is empty
		if os.Remove(dir) == nil {
			rep.DirsRemoved++
		}
	}

	if set.MaxArtifactBytes > 0 {
		total, err := dirSize(s.exec.ArtifactRoot())
		if err != nil {
			return rep, err
		}
		for _, j := range done {
			if total <= set.MaxArtifactBytes {
				break
			}
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			dir := s.exec.OutputDir(j.ID)
			n, err := dirSize(dir)
			if err != nil || n == 0 {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				s.log.Warnw("artifact eviction failed", "job_id", j.ID, "error", err)
				continue
			}
			total -= n
			rep.DirsRemoved++
			rep.BytesFreed += n
			metrics.ArtifactsPruned.WithLabelValues("budget").Add(float64(n))
		}
	}

	if rep.FilesRemoved > 0 || rep.DirsRemoved > 0 {
		s.log.Infow("artifacts pruned", "files", rep.FilesRemoved, "dirs", rep.DirsRemoved, "bytes", rep.BytesFreed)
	}
	return rep, nil
}

// RunRetention prunes every interval until ctx is done.
func (s *Scheduler) RunRetention(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warnw("retention pass failed", "error", err)
			}
		}
	}
}

func (rep *PruneReport) removeFile(path, reason string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		return
	}
	rep.FilesRemoved++
	rep.BytesFreed += info.Size()
	metrics.ArtifactsPruned.WithLabelValues(reason).Add(float64(info.Size()))
}

// expired treats days <= 0 as keep forever.
func expired(age time.Duration, days int) bool {
	return days > 0 && age >= time.Duration(days)*24*time.Hour
}

func finishedAt(j model.Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.UpdatedAt
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
