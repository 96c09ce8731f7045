package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DockerRuntime drives the docker (or podman) CLI.
type DockerRuntime struct {
	Bin string
}

func NewDockerRuntime(bin string) *DockerRuntime {
	if bin == "" {
		bin = os.Getenv("RECON_CONTAINER_RUNTIME")
	}
	if bin == "" {
		bin = "docker"
	}
	return &DockerRuntime{Bin: bin}
}

func (d *DockerRuntime) Launch(ctx context.Context, spec Spec) (Handle, error) {
	args := []string{"create", "--init"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.CPU != "" {
		args = append(args, "--cpus", spec.CPU)
	}
	if spec.MemoryGB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dg", spec.MemoryGB))
	}
	if spec.OutputMount != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s", spec.OutputMount, ContainerMount))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Args...)

	var out, errOut bytes.Buffer
	create := exec.CommandContext(ctx, d.Bin, args...)
	create.Stdout = &out
	create.Stderr = &errOut
	if err := create.Run(); err != nil {
		return nil, fmt.Errorf("docker create %s: %w: %s", spec.Image, err, strings.TrimSpace(errOut.String()))
	}
	cid := strings.TrimSpace(out.String())
	if cid == "" {
		return nil, errors.New("docker create returned no container id")
	}

	// start -a attaches and exits with the container's exit code
	start := exec.Command(d.Bin, "start", "-a", cid)
	stdout, err := start.StdoutPipe()
	if err != nil {
		d.remove(cid)
		return nil, err
	}
	stderr, err := start.StderrPipe()
	if err != nil {
		d.remove(cid)
		return nil, err
	}
	if err := start.Start(); err != nil {
		d.remove(cid)
		return nil, fmt.Errorf("docker start %s: %w", cid, err)
	}
	return &dockerHandle{rt: d, cid: cid, cmd: start, stdout: stdout, stderr: stderr}, nil
}

func (d *DockerRuntime) remove(cid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, d.Bin, "rm", "-f", cid).Run()
}

type dockerHandle struct {
	rt     *DockerRuntime
	cid    string
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (h *dockerHandle) Stdout() io.Reader { return h.stdout }
func (h *dockerHandle) Stderr() io.Reader { return h.stderr }

func (h *dockerHandle) Stop(ctx context.Context) error {
	return exec.CommandContext(ctx, h.rt.Bin, "kill", "--signal=SIGTERM", h.cid).Run()
}

func (h *dockerHandle) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, h.rt.Bin, "kill", h.cid).Run()
}

func (h *dockerHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (h *dockerHandle) Remove() error { return h.rt.remove(h.cid) }
