package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/executor"
	"github.com/stywzn/recon-orchestrator/internal/metrics"
	"github.com/stywzn/recon-orchestrator/internal/model"
	"github.com/stywzn/recon-orchestrator/internal/parser"
	"github.com/stywzn/recon-orchestrator/internal/progress"
	"github.com/stywzn/recon-orchestrator/internal/telemetry"
)

// run is the binding between a job and its one live execution. It holds a
// concurrency slot from dispatch until done is closed.
type run struct {
	jobID   string
	attempt int
	done    chan struct{}

	mu          sync.Mutex
	exec        *executor.Execution
	stopping    bool
	interrupted bool
}

func newRun(jobID string) *run {
	return &run{jobID: jobID, done: make(chan struct{})}
}

// attach binds the started execution and reports whether a stop arrived first.
func (r *run) attach(x *executor.Execution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec = x
	return r.stopping
}

// requestStop marks the run as stopping and returns the execution if one is attached.
func (r *run) requestStop() *executor.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopping = true
	return r.exec
}

func (r *run) interrupt() {
	r.mu.Lock()
	r.interrupted = true
	r.mu.Unlock()
}

func (r *run) wasInterrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted
}

func containerName(jobID string, attempt int) string {
	return fmt.Sprintf("recon-%s-%d", jobID, attempt)
}

type started struct {
	job model.Job
	rn  *run
	ev  model.JobEvent
}

// dispatch moves queued jobs into running while slots are free.
func (s *Scheduler) dispatch(ctx context.Context) {
	limit := s.Settings().Concurrency
	var batch []started
	_ = s.reg.Do(func(tx *Tx) error {
		if s.closed {
			return nil
		}
		for tx.Slots() < limit {
			job, ok := tx.Next()
			if !ok {
				break
			}
			if job.Status != model.StatusQueued {
				continue
			}
			if job.IsExternal && job.AdminApprovedAt == nil {
				s.log.Errorw("unapproved external job found in queue, holding it", "job_id", job.ID)
				job.Status = model.StatusAwaitingApproval
				continue
			}
			now := s.now()
			job.Status = model.StatusRunning
			job.StartedAt = &now
			job.FinishedAt = nil
			job.ExitCode = nil
			job.ErrorMessage = nil
			job.ProgressPct = nil
			job.ETASeconds = nil
			job.UpdatedAt = now

			rn := newRun(job.ID)
			rn.attempt = tx.Bind(job.ID, rn)
			ev := s.record(tx, job, model.EventStarted, map[string]any{"attempt": rn.attempt})
			s.wg.Add(1)
			batch = append(batch, started{job: job.Clone(), rn: rn, ev: ev})
		}
		return nil
	})
	for _, st := range batch {
		metrics.JobsTotal.WithLabelValues(string(model.StatusRunning)).Inc()
		s.persist(ctx, st.job.ID, st.ev)
		go s.execute(st.job, st.rn)
	}
}

// execute owns one run from launch to slot release.
func (s *Scheduler) execute(job model.Job, rn *run) {
	defer s.wg.Done()
	ctx, span := telemetry.Tracer().Start(context.Background(), "scheduler.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.module", string(job.Module)),
		attribute.String("job.tool", job.Tool),
	))
	defer span.End()
	log := s.log.With("job_id", job.ID, "module", job.Module, "tool", job.Tool, "attempt", rn.attempt)
	log.Infow("job started")

	res, tool := s.runTool(ctx, job, rn, log)
	final := s.finish(ctx, job.ID, rn, res, log)
	close(rn.done)

	span.SetAttributes(attribute.String("job.status", string(final.Status)))
	if final.Status == model.StatusFailed {
		span.SetStatus(codes.Error, res.ErrorMessage())
	}
	if res.Duration > 0 {
		metrics.ExecutorDuration.WithLabelValues(string(job.Module)).Observe(res.Duration.Seconds())
	}

	s.dispatch(ctx)
	if final.Status == model.StatusSucceeded && tool != nil {
		s.ingest(ctx, final, tool, res.StdoutPath, log)
	}
}

// runTool launches the container and feeds its output into the progress estimator
// until the exit event arrives.
func (s *Scheduler) runTool(ctx context.Context, job model.Job, rn *run, log *zap.SugaredLogger) (executor.Result, *executor.Tool) {
	tool, err := s.catalog.Lookup(job.Module, job.Tool)
	if err != nil {
		return executor.Result{Err: err}, nil
	}
	hosts := make([]string, 0, len(job.Parameters.Targets))
	for _, t := range job.Parameters.Targets {
		hosts = append(hosts, t.Value)
	}
	args, err := tool.RenderArgs(executor.ArgData{
		JobID:          job.ID,
		Aggressiveness: job.Aggressiveness,
		Targets:        job.Parameters.Targets,
		Hosts:          hosts,
		Options:        job.Parameters.Options,
		OutputDir:      executor.ContainerMount,
	})
	if err != nil {
		return executor.Result{Err: err}, tool
	}

	set := s.Settings()
	x, err := s.exec.Start(ctx, executor.Request{
		JobID: job.ID,
		Spec: executor.Spec{
			Name:     containerName(job.ID, rn.attempt),
			Image:    tool.Image,
			Args:     args,
			CPU:      set.ContainerCPU,
			MemoryGB: set.ContainerMemoryGB,
		},
		Timeout: tool.Timeout,
	})
	if err != nil {
		log.Errorw("container launch failed", "image", tool.Image, "error", err)
		return executor.Result{Err: err}, tool
	}
	if rn.attach(x) {
		go x.Stop(ctx)
	}

	est := progress.New(tool.Profile(job.Parameters), job.Aggressiveness, s.now())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-x.Events():
			if !ok {
				return x.Result(), tool
			}
			switch ev.Kind {
			case executor.EventOutput:
				est.AddLines(ev.Lines)
			case executor.EventExit:
				return *ev.Result, tool
			}
		case <-ticker.C:
			s.updateProgress(job.ID, rn, est.Estimate(s.now()))
		}
	}
}

// updateProgress publishes an estimate onto the job if this run still owns it.
func (s *Scheduler) updateProgress(id string, rn *run, e progress.Estimate) {
	_ = s.reg.Do(func(tx *Tx) error {
		job, err := tx.Job(id)
		if err != nil || job.Status != model.StatusRunning || tx.Run(id) != rn {
			return nil
		}
		job.ProgressPct = e.Percent()
		job.ETASeconds = e.Seconds()
		return nil
	})
}

// finish applies the run's outcome and frees its slot in one step. A job paused or
// canceled while live keeps that status.
func (s *Scheduler) finish(ctx context.Context, id string, rn *run, res executor.Result, log *zap.SugaredLogger) model.Job {
	var (
		evs  []model.JobEvent
		snap model.Job
	)
	_ = s.reg.Do(func(tx *Tx) error {
		defer tx.Release(id, rn)
		job, err := tx.Job(id)
		if err != nil {
			return nil
		}
		now := s.now()
		job.UpdatedAt = now
		if res.StdoutPath != "" {
			job.RawOutputPath = res.StdoutPath
		}
		if job.Status != model.StatusRunning || tx.Run(id) != rn {
			snap = job.Clone()
			return nil
		}

		job.FinishedAt = &now
		if res.Err == nil {
			job.ExitCode = model.Ptr(res.ExitCode)
		}
		msg := res.ErrorMessage()
		failed := res.Reason == executor.ReasonTimeout || res.Err != nil || res.ExitCode != 0
		if rn.wasInterrupted() {
			failed = true
			msg = string(apperr.ContainerLaunchFailure) + ": interrupted by shutdown"
		}
		if failed {
			job.Status = model.StatusFailed
			job.ETASeconds = nil
			evs = append(evs, s.record(tx, job, model.EventFailed, map[string]any{"error": msg}))
		} else {
			job.Status = model.StatusSucceeded
			job.ProgressPct = model.Ptr(100.0)
			job.ETASeconds = model.Ptr(0)
			evs = append(evs, s.record(tx, job, model.EventSucceeded, map[string]any{"exit_code": res.ExitCode}))
		}
		if msg != "" {
			job.ErrorMessage = &msg
		} else {
			job.ErrorMessage = nil
		}
		snap = job.Clone()
		return nil
	})

	if len(evs) > 0 {
		metrics.JobsTotal.WithLabelValues(string(snap.Status)).Inc()
		if snap.Status == model.StatusFailed {
			log.Warnw("job failed", "error", *snap.ErrorMessage)
		} else {
			log.Infow("job succeeded", "duration", res.Duration)
		}
	} else {
		log.Infow("run ended after stop", "status", snap.Status)
	}
	s.persist(ctx, id, evs...)
	return snap
}

// stopRun stops the live container of rn and waits until its slot is released.
func (s *Scheduler) stopRun(ctx context.Context, rn *run) {
	if x := rn.requestStop(); x != nil {
		x.Stop(ctx)
	}
	select {
	case <-rn.done:
	case <-ctx.Done():
		s.log.Warnw("gave up waiting for run to release its slot", "job_id", rn.jobID, "error", ctx.Err())
	}
}

// ingest parses the captured stdout of a succeeded job and hands the records to the
// correlation engine. Parse problems are logged; the job stays succeeded.
func (s *Scheduler) ingest(ctx context.Context, job model.Job, tool *executor.Tool, path string, log *zap.SugaredLogger) {
	if s.ingester == nil || tool.Parser == "" || path == "" {
		return
	}
	ctx, span := telemetry.Tracer().Start(ctx, "scheduler.ingest")
	defer span.End()

	p, err := parser.Lookup(tool.Parser)
	if err != nil {
		log.Errorw("no parser for tool output", "parser", tool.Parser, "error", err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		log.Errorw("failed to open tool output", "path", path, "error", err)
		return
	}
	defer f.Close()

	recs, perr := p.Parse(f)
	if perr != nil {
		log.Warnw("skipped unparseable tool output", "parser", tool.Parser, "error", perr)
	}
	span.SetAttributes(attribute.Int("records", len(recs)))
	if len(recs) == 0 {
		return
	}
	findings, err := s.ingester.Ingest(ctx, job, recs)
	if err != nil {
		span.RecordError(err)
		log.Errorw("ingestion failed", "error", err)
		return
	}
	log.Infow("tool output ingested", "records", len(recs), "findings", len(findings))
}
