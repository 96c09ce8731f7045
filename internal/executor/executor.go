// Package executor runs one containerized tool per job and captures its output.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
)

const (
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"

	stderrTailBytes = 2048
	eventBuffer     = 64
)

// Config holds the limits applied to every run.
type Config struct {
	ArtifactRoot  string
	LaunchTimeout time.Duration
	StopGrace     time.Duration
	OutputCeiling int64
}

// Request describes one run of a job.
type Request struct {
	JobID   string
	Spec    Spec
	Timeout time.Duration
}

// Reason says why a run ended early.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonStopped Reason = "stopped"
	ReasonTimeout Reason = "timeout"
)

// Result is the final state of a run.
type Result struct {
	ExitCode   int
	Reason     Reason
	Truncated  bool
	StderrTail string
	OutputDir  string
	StdoutPath string
	StderrPath string
	Duration   time.Duration
	Err        error
}

// ErrorMessage renders the failure recorded on the job, or "" on success.
func (r Result) ErrorMessage() string {
	var msg string
	switch {
	case r.Reason == ReasonTimeout:
		msg = fmt.Sprintf("%s: exceeded module timeout after %s", apperr.ContainerTimeout, r.Duration.Round(time.Second))
	case r.Err != nil:
		msg = fmt.Sprintf("%s: %v", apperr.ContainerLaunchFailure, r.Err)
	case r.ExitCode != 0:
		msg = fmt.Sprintf("%s: exit code %d", apperr.NonZeroExit, r.ExitCode)
		if r.StderrTail != "" {
			msg += ": " + r.StderrTail
		}
	}
	if r.Truncated {
		if msg != "" {
			msg += "; "
		}
		msg += "output truncated at ceiling"
	}
	return msg
}

// EventKind distinguishes output progress from the final exit.
type EventKind int

const (
	EventOutput EventKind = iota
	EventExit
)

// Event is produced on an Execution's bounded channel.
type Event struct {
	Kind   EventKind
	Lines  int
	Result *Result
}

type Executor struct {
	rt  Runtime
	cfg Config
	log *zap.SugaredLogger
}

func New(rt Runtime, cfg Config, log *zap.SugaredLogger) *Executor {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Executor{rt: rt, cfg: cfg, log: log}
}

func (e *Executor) ArtifactRoot() string { return e.cfg.ArtifactRoot }

// OutputDir is the per-job artifact directory.
func (e *Executor) OutputDir(jobID string) string {
	return filepath.Join(e.cfg.ArtifactRoot, jobID)
}

// Execution is one live container run bound to a job.
type Execution struct {
	handle Handle
	grace  time.Duration
	log    *zap.SugaredLogger

	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	reason  Reason
	pending int
	result  Result
}

// Start launches the container. A returned error means nothing is running.
func (e *Executor) Start(ctx context.Context, req Request) (*Execution, error) {
	const op = "executor.Start"
	dir := e.OutputDir(req.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.E(op, apperr.ContainerLaunchFailure, "create output dir", err)
	}
	stdoutF, err := os.Create(filepath.Join(dir, StdoutFile))
	if err != nil {
		return nil, apperr.E(op, apperr.ContainerLaunchFailure, "create stdout log", err)
	}
	stderrF, err := os.Create(filepath.Join(dir, StderrFile))
	if err != nil {
		stdoutF.Close()
		return nil, apperr.E(op, apperr.ContainerLaunchFailure, "create stderr log", err)
	}

	spec := req.Spec
	if abs, err := filepath.Abs(dir); err == nil {
		spec.OutputMount = abs
	}
	launchCtx, cancel := context.WithTimeout(ctx, e.cfg.LaunchTimeout)
	h, err := e.rt.Launch(launchCtx, spec)
	cancel()
	if err != nil {
		stdoutF.Close()
		stderrF.Close()
		return nil, apperr.E(op, apperr.ContainerLaunchFailure, spec.Image, err)
	}

	x := &Execution{
		handle: h,
		grace:  e.cfg.StopGrace,
		log:    e.log.With("job_id", req.JobID),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	x.result.OutputDir = dir
	x.result.StdoutPath = stdoutF.Name()
	x.result.StderrPath = stderrF.Name()
	go x.run(stdoutF, stderrF, e.cfg.OutputCeiling, req.Timeout)
	return x, nil
}

// Events yields output progress and exactly one EventExit, then closes.
func (x *Execution) Events() <-chan Event { return x.events }

// Done is closed once the container has exited and output is flushed.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Result is valid after Done.
func (x *Execution) Result() Result {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.result
}

func (x *Execution) markReason(r Reason) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.reason != ReasonNone {
		return false
	}
	x.reason = r
	return true
}

// Stop signals the container, waits up to the grace period, then kills it.
// It returns once the container has exited.
func (x *Execution) Stop(ctx context.Context) {
	x.markReason(ReasonStopped)
	sigCtx, cancel := context.WithTimeout(ctx, x.grace)
	if err := x.handle.Stop(sigCtx); err != nil {
		x.log.Warnw("graceful stop failed", "error", err)
	}
	cancel()

	t := time.NewTimer(x.grace)
	defer t.Stop()
	select {
	case <-x.done:
		return
	case <-t.C:
	case <-ctx.Done():
	}
	x.log.Warnw("container ignored stop signal, killing")
	if err := x.handle.Kill(); err != nil {
		x.log.Errorw("kill failed", "error", err)
	}
	<-x.done
}

func (x *Execution) emitLines(n int) {
	x.mu.Lock()
	x.pending += n
	lines := x.pending
	x.mu.Unlock()
	select {
	case x.events <- Event{Kind: EventOutput, Lines: lines}:
		x.mu.Lock()
		x.pending -= lines
		x.mu.Unlock()
	default:
		// consumer is behind; the count rides along with the next event
	}
}

func (x *Execution) run(stdoutF, stderrF *os.File, ceiling int64, timeout time.Duration) {
	start := time.Now()
	defer close(x.done)
	defer close(x.events)

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			if x.markReason(ReasonTimeout) {
				x.log.Warnw("module timeout reached, killing container", "timeout", timeout)
				if err := x.handle.Kill(); err != nil {
					x.log.Errorw("kill failed", "error", err)
				}
			}
		})
	}

	outW := &cappedWriter{w: stdoutF, limit: ceiling}
	errW := &cappedWriter{w: stderrF, limit: ceiling}
	tail := newTailBuffer(stderrTailBytes)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := pump(x.handle.Stdout(), outW, x.emitLines); err != nil {
			x.log.Warnw("stdout drain failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := pump(x.handle.Stderr(), io.MultiWriter(errW, tail), nil); err != nil {
			x.log.Warnw("stderr drain failed", "error", err)
		}
	}()
	wg.Wait()

	code, werr := x.handle.Wait()
	if timer != nil {
		timer.Stop()
	}
	stdoutF.Close()
	stderrF.Close()
	if err := x.handle.Remove(); err != nil {
		x.log.Debugw("container remove failed", "error", err)
	}

	x.mu.Lock()
	x.result.ExitCode = code
	x.result.Reason = x.reason
	x.result.Truncated = outW.truncated.Load() || errW.truncated.Load()
	x.result.StderrTail = tail.String()
	x.result.Duration = time.Since(start)
	if werr != nil && !errors.Is(werr, context.Canceled) {
		x.result.Err = werr
	}
	pending := x.pending
	res := x.result
	x.mu.Unlock()

	if pending > 0 {
		x.events <- Event{Kind: EventOutput, Lines: pending}
	}
	x.events <- Event{Kind: EventExit, Result: &res}
}
