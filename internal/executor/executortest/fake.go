// Package executortest provides an in-memory container runtime for tests.
package executortest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/stywzn/recon-orchestrator/internal/executor"
)

// Handle is a container whose output and exit are driven by the test.
type Handle struct {
	Spec executor.Spec

	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	mu         sync.Mutex
	stopped    bool
	killed     bool
	removed    bool
	ignoreStop bool
	exit       chan int
	once       sync.Once
}

func newHandle(spec executor.Spec) *Handle {
	h := &Handle{Spec: spec, exit: make(chan int, 1)}
	h.outR, h.outW = io.Pipe()
	h.errR, h.errW = io.Pipe()
	return h
}

func (h *Handle) Stdout() io.Reader { return h.outR }
func (h *Handle) Stderr() io.Reader { return h.errR }

// WriteStdout feeds the container's stdout; it blocks until drained.
func (h *Handle) WriteStdout(s string) { _, _ = io.WriteString(h.outW, s) }

// WriteStderr feeds the container's stderr.
func (h *Handle) WriteStderr(s string) { _, _ = io.WriteString(h.errW, s) }

// Exit makes the container exit with code.
func (h *Handle) Exit(code int) {
	h.once.Do(func() {
		h.outW.Close()
		h.errW.Close()
		h.exit <- code
	})
}

// IgnoreStop makes the container ignore graceful termination.
func (h *Handle) IgnoreStop() {
	h.mu.Lock()
	h.ignoreStop = true
	h.mu.Unlock()
}

func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	ignore := h.ignoreStop
	h.mu.Unlock()
	if !ignore {
		h.Exit(143)
	}
	return nil
}

func (h *Handle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.Exit(137)
	return nil
}

func (h *Handle) Wait() (int, error) { return <-h.exit, nil }

func (h *Handle) Remove() error {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
	return nil
}

// State reports which control calls the handle received.
func (h *Handle) State() (stopped, killed, removed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped, h.killed, h.removed
}

// Runtime records every launch.
type Runtime struct {
	mu       sync.Mutex
	handles  []*Handle
	fail     error
	launched chan *Handle
}

func NewRuntime() *Runtime {
	return &Runtime{launched: make(chan *Handle, 64)}
}

func (r *Runtime) Launch(ctx context.Context, spec executor.Spec) (executor.Handle, error) {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	h := newHandle(spec)
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	r.launched <- h
	return h, nil
}

// SetFail makes subsequent launches return err.
func (r *Runtime) SetFail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Launched delivers handles in launch order.
func (r *Runtime) Launched() <-chan *Handle { return r.launched }

// Handles returns every handle launched so far.
func (r *Runtime) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

// Named returns the latest handle launched with the given container name.
func (r *Runtime) Named(name string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.handles) - 1; i >= 0; i-- {
		if r.handles[i].Spec.Name == name {
			return r.handles[i], nil
		}
	}
	return nil, fmt.Errorf("no container named %s", name)
}
