package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/executor"
	"github.com/stywzn/recon-orchestrator/internal/executor/executortest"
)

func newExecutor(t *testing.T, rt executor.Runtime, ceiling int64) *executor.Executor {
	t.Helper()
	return executor.New(rt, executor.Config{
		ArtifactRoot:  t.TempDir(),
		LaunchTimeout: time.Second,
		StopGrace:     50 * time.Millisecond,
		OutputCeiling: ceiling,
	}, zap.NewNop().Sugar())
}

func drain(t *testing.T, x *executor.Execution) (lines int, res executor.Result) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-x.Events():
			if !ok {
				return lines, res
			}
			switch ev.Kind {
			case executor.EventOutput:
				lines += ev.Lines
			case executor.EventExit:
				res = *ev.Result
			}
		case <-timeout:
			t.Fatal("execution did not finish")
		}
	}
}

func TestExecutionCapturesOutput(t *testing.T) {
	rt := executortest.NewRuntime()
	e := newExecutor(t, rt, 0)

	x, err := e.Start(context.Background(), executor.Request{JobID: "job-1", Spec: executor.Spec{Name: "recon-job-1", Image: "nmap"}})
	require.NoError(t, err)
	h := <-rt.Launched()

	go func() {
		h.WriteStdout("a\nb\n")
		h.WriteStdout("c\n")
		h.WriteStderr("warning: slow\n")
		h.Exit(0)
	}()
	lines, res := drain(t, x)

	assert.Equal(t, 3, lines)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, executor.ReasonNone, res.Reason)
	assert.Empty(t, res.ErrorMessage())

	out, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(out))
	assert.Equal(t, filepath.Join(e.OutputDir("job-1"), executor.StdoutFile), res.StdoutPath)
	_, _, removed := h.State()
	assert.True(t, removed)
}

func TestNonZeroExitUsesStderrTail(t *testing.T) {
	rt := executortest.NewRuntime()
	e := newExecutor(t, rt, 0)
	x, err := e.Start(context.Background(), executor.Request{JobID: "job-2", Spec: executor.Spec{Image: "nmap"}})
	require.NoError(t, err)
	h := <-rt.Launched()

	go func() {
		h.WriteStderr("Failed to resolve \"nope.invalid\"\n")
		h.Exit(1)
	}()
	_, res := drain(t, x)

	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.ErrorMessage(), string(apperr.NonZeroExit))
	assert.Contains(t, res.ErrorMessage(), "nope.invalid")
}

func TestOutputCeilingTruncates(t *testing.T) {
	rt := executortest.NewRuntime()
	e := newExecutor(t, rt, 8)
	x, err := e.Start(context.Background(), executor.Request{JobID: "job-3", Spec: executor.Spec{Image: "nmap"}})
	require.NoError(t, err)
	h := <-rt.Launched()

	go func() {
		h.WriteStdout("0123456789\nabcdef\n")
		h.Exit(0)
	}()
	_, res := drain(t, x)

	assert.True(t, res.Truncated)
	assert.Contains(t, res.ErrorMessage(), "truncated")
	out, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(out))
}

func TestTimeoutKillsContainer(t *testing.T) {
	rt := executortest.NewRuntime()
	e := newExecutor(t, rt, 0)
	x, err := e.Start(context.Background(), executor.Request{JobID: "job-4", Spec: executor.Spec{Image: "nmap"}, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	h := <-rt.Launched()

	_, res := drain(t, x)
	assert.Equal(t, executor.ReasonTimeout, res.Reason)
	assert.Contains(t, res.ErrorMessage(), string(apperr.ContainerTimeout))
	_, killed, _ := h.State()
	assert.True(t, killed)
}

func TestStopEscalatesToKill(t *testing.T) {
	rt := executortest.NewRuntime()
	e := newExecutor(t, rt, 0)
	x, err := e.Start(context.Background(), executor.Request{JobID: "job-5", Spec: executor.Spec{Image: "nmap"}})
	require.NoError(t, err)
	h := <-rt.Launched()
	h.IgnoreStop()

	go func() {
		for range x.Events() {
		}
	}()
	x.Stop(context.Background())

	<-x.Done()
	stopped, killed, _ := h.State()
	assert.True(t, stopped)
	assert.True(t, killed)
	assert.Equal(t, executor.ReasonStopped, x.Result().Reason)
}

func TestLaunchFailure(t *testing.T) {
	rt := executortest.NewRuntime()
	rt.SetFail(errors.New("image not found"))
	e := newExecutor(t, rt, 0)

	_, err := e.Start(context.Background(), executor.Request{JobID: "job-6", Spec: executor.Spec{Image: "missing"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ContainerLaunchFailure))
}
