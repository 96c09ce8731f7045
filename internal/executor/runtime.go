package executor

import (
	"context"
	"io"
)

// ContainerMount is where the per-job output directory appears inside the container.
const ContainerMount = "/output"

// Spec is one container invocation.
type Spec struct {
	Name        string
	Image       string
	Args        []string
	CPU         string
	MemoryGB    int
	OutputMount string
}

// Handle controls a launched container.
type Handle interface {
	// Stdout and Stderr must be drained by the caller.
	Stdout() io.Reader
	Stderr() io.Reader
	// Stop asks the container to terminate gracefully.
	Stop(ctx context.Context) error
	// Kill terminates the container immediately.
	Kill() error
	// Wait blocks until the container exits and returns its exit code.
	Wait() (int, error)
	// Remove releases the container once it has exited.
	Remove() error
}

// Runtime launches containers.
type Runtime interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}
