package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/dubforge/dubforge/internal/xerrors"
)

// DockerRunner executes a worker inside an already-running container
// instead of spawning a local binary, for tools shipped as images. The
// container must see the task directory at the same absolute paths as
// the orchestrator (a bind mount the operator sets up).
type DockerRunner struct{}

// NewDockerRunner constructs a DockerRunner; the Docker client itself
// is created per invocation from the environment.
func NewDockerRunner() *DockerRunner {
	return &DockerRunner{}
}

// RunInContainer writes cfg to a temp config file shared with the
// container, execs the worker entrypoint with it, streams combined
// output for progress lines, and extracts the trailing JSON result.
// With a TTY exec, stdout and stderr arrive merged, so the result is
// recovered as the last well-formed JSON object in the whole stream.
func (d *DockerRunner) RunInContainer(ctx context.Context, containerName string, cfg Config, opts Options) (*Result, error) {
	logger := log.With().Str("component", "worker").Str("container", containerName).Str("kind", string(cfg.WorkerKind)).Logger()

	configPath, err := writeConfigFile(cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.WorkerSpawnFailed, err, "writing worker config file")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.WorkerSpawnFailed, err, "creating Docker client")
	}
	defer cli.Close()

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.HardTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.HardTimeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"worker", configPath},
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	}
	execID, err := cli.ContainerExecCreate(runCtx, containerName, execCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.WorkerSpawnFailed, err, "creating container exec")
	}

	resp, err := cli.ContainerExecAttach(runCtx, execID.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.WorkerSpawnFailed, err, "attaching to container exec")
	}
	defer resp.Close()

	start := time.Now()
	pattern := progressPattern(cfg.ProgressTag)
	tailLines := opts.StderrTailLines
	if tailLines == 0 {
		tailLines = defaultStderrTailLines
	}

	var combined []byte
	var tail []string
	scanner := bufio.NewScanner(resp.Reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		combined = append(combined, []byte(line+"\n")...)
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[len(tail)-tailLines:]
		}
		if m := pattern.FindStringSubmatch(line); m != nil {
			if opts.OnProgress != nil {
				opts.OnProgress(atoiSafe(m[1]), atoiSafe(m[2]), line)
			}
		}
		logger.Debug().Str("line", line).Msg("container worker output")
	}

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return nil, xerrors.New(xerrors.Cancelled, "container worker cancelled").WithTail(tail)
		}
		return nil, xerrors.New(xerrors.WorkerTimeout, "container worker exceeded its hard timeout").WithTail(tail)
	}

	inspect, err := cli.ContainerExecInspect(runCtx, execID.ID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.WorkerExitNonzero, err, "inspecting container exec").WithTail(tail)
	}
	if inspect.ExitCode != 0 {
		return nil, xerrors.New(xerrors.WorkerExitNonzero,
			fmt.Sprintf("container worker exited with code %d", inspect.ExitCode)).WithTail(tail)
	}

	raw, ok := extractLastJSON(combined)
	if !ok {
		return nil, xerrors.New(xerrors.WorkerOutputMalformed, "no well-formed JSON result found in container output").WithTail(tail)
	}

	if !opts.KeepConfigFile {
		_ = os.Remove(configPath)
	}
	return &Result{JSON: raw, ExitCode: 0, Duration: time.Since(start)}, nil
}
