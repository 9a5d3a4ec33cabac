package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/openhj/judger/internal/judge"
)

const (
	boxMountPoint = "/temp"
	maxProcesses  = 128
	stackLimit    = 8277716992
)

// DockerRunner creates one container per judging task. The container is a
// paused shell; each run is a docker exec inside it, so repeated test runs
// amortize the container creation cost.
type DockerRunner struct {
	cli *client.Client
	log *slog.Logger
}

func NewDockerRunner(log *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &judge.SandboxError{Op: "connect", Err: err}
	}
	return &DockerRunner{cli: cli, log: log}, nil
}

// Ping verifies the docker daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

func (r *DockerRunner) Acquire(ctx context.Context, spec Spec) (Box, error) {
	workDir, err := os.MkdirTemp("", "judger-box-*")
	if err != nil {
		return nil, &judge.SandboxError{Op: "workdir", Err: err}
	}
	// the container user must be able to write into the mount
	if err := os.Chmod(workDir, 0777); err != nil {
		os.RemoveAll(workDir)
		return nil, &judge.SandboxError{Op: "workdir", Err: err}
	}

	pidsLimit := int64(maxProcesses)
	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           spec.Image,
			Cmd:             []string{"sh", "-c", "sleep 2147483647"},
			WorkingDir:      boxMountPoint,
			NetworkDisabled: true,
			Env:             []string{"HOME=" + boxMountPoint},
		},
		&container.HostConfig{
			CgroupnsMode:   container.CgroupnsMode("private"),
			Privileged:     false,
			ReadonlyRootfs: true,
			NetworkMode:    "none",
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: workDir,
				Target: boxMountPoint,
			}},
			Resources: container.Resources{
				Memory:     DefaultMemoryBytes,
				MemorySwap: DefaultMemoryBytes,
				PidsLimit:  &pidsLimit,
				Ulimits: []*units.Ulimit{
					{Name: "stack", Soft: stackLimit, Hard: stackLimit},
				},
			},
		},
		nil, nil, "")
	if err != nil {
		os.RemoveAll(workDir)
		return nil, &judge.SandboxError{Op: "create container", Err: err}
	}

	box := &dockerBox{
		runner:      r,
		containerID: created.ID,
		workDir:     workDir,
		memLimit:    DefaultMemoryBytes,
		log:         r.log.With("container", created.ID[:12]),
	}
	if err := r.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		box.Release()
		return nil, &judge.SandboxError{Op: "start container", Err: err}
	}
	box.log.Debug("sandbox acquired", "workdir", workDir)
	return box, nil
}

type dockerBox struct {
	runner      *DockerRunner
	containerID string
	workDir     string
	memLimit    int64
	log         *slog.Logger
	releaseOnce sync.Once
}

func (b *dockerBox) Dir() string { return b.workDir }

func (b *dockerBox) AddFile(name string, content []byte) error {
	return os.WriteFile(filepath.Join(b.workDir, name), content, 0666)
}

func (b *dockerBox) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.workDir, name))
}

func (b *dockerBox) HasFile(name string) bool {
	_, err := os.Stat(filepath.Join(b.workDir, name))
	return err == nil
}

func (b *dockerBox) FileSize(name string) (int64, error) {
	st, err := os.Stat(filepath.Join(b.workDir, name))
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (b *dockerBox) Reset(keep ...string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	entries, err := os.ReadDir(b.workDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if keepSet[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(b.workDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (b *dockerBox) setMemoryLimit(ctx context.Context, bytes int64) error {
	if bytes <= 0 {
		bytes = DefaultMemoryBytes
	}
	if bytes == b.memLimit {
		return nil
	}
	_, err := b.runner.cli.ContainerUpdate(ctx, b.containerID, container.UpdateConfig{
		Resources: container.Resources{
			Memory:     bytes,
			MemorySwap: bytes,
		},
	})
	if err != nil {
		return err
	}
	b.memLimit = bytes
	return nil
}

func (b *dockerBox) Run(ctx context.Context, command string, lim Limits) (*judge.ExecutionResult, error) {
	lim = lim.withDefaults()
	if err := b.setMemoryLimit(ctx, lim.MemoryBytes); err != nil {
		return nil, &judge.SandboxError{Op: "set memory limit", Err: err}
	}

	execID, err := b.runner.cli.ContainerExecCreate(ctx, b.containerID, types.ExecConfig{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   boxMountPoint,
		AttachStdout: true,
		AttachStderr: true,
		Env:          []string{"HOME=" + boxMountPoint},
	})
	if err != nil {
		return nil, &judge.SandboxError{Op: "exec create", Err: err}
	}

	attach, err := b.runner.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, &judge.SandboxError{Op: "exec attach", Err: err}
	}
	defer attach.Close()

	pid, err := b.waitForPid(ctx, execID.ID)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	out := newBoundedBuffer(lim.MaxOutputBytes, func() { close(stop) })

	watchDone := make(chan usage, 1)
	go func() { watchDone <- watch(pid, lim, stop) }()

	// combined stream; the demuxer returns when the process closes its
	// output, i.e. on exit or kill
	if _, err := stdcopy.StdCopy(out, out, attach.Reader); err != nil && ctx.Err() == nil {
		b.log.Debug("output stream ended with error", "err", err)
	}

	stats := <-watchDone

	inspect, err := b.waitForExit(ctx, execID.ID)
	if err != nil {
		return nil, err
	}

	res := &judge.ExecutionResult{
		ExitCode:        inspect.ExitCode,
		CpuMillis:       stats.CpuMillis,
		WallMillis:      stats.WallMillis,
		MemoryBytes:     stats.PeakMemory,
		Output:          out.String(),
		OutputTruncated: out.Exceeded(),
	}
	res.Cause = classify(res, stats, out.Exceeded(), lim)
	b.log.Debug("run finished", "exit", res.ExitCode, "cause", res.Cause.String(),
		"cpu_ms", res.CpuMillis, "wall_ms", res.WallMillis, "mem", res.MemoryBytes)
	return res, nil
}

// classify orders termination causes by precedence: sandbox faults first,
// then limit violations, then the program's own exit status.
func classify(res *judge.ExecutionResult, stats usage, outputExceeded bool, lim Limits) judge.Cause {
	switch {
	case stats.WatchFailed:
		return judge.CauseSandboxError
	case outputExceeded:
		return judge.CauseOutputLimit
	case stats.HitMemory || (res.ExitCode == 137 && lim.MemoryBytes > 0 && stats.PeakMemory >= lim.MemoryBytes*9/10):
		return judge.CauseMemoryLimit
	case stats.HitTime || (lim.CpuMillis > 0 && stats.CpuMillis >= lim.CpuMillis) || stats.WallMillis >= lim.WallMillis:
		return judge.CauseTimeLimit
	case res.ExitCode != 0:
		return judge.CauseRuntimeError
	default:
		return judge.CauseExited
	}
}

func (b *dockerBox) waitForPid(ctx context.Context, execID string) (int, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		inspect, err := b.runner.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, &judge.SandboxError{Op: "exec inspect", Err: err}
		}
		if inspect.Pid > 0 {
			return inspect.Pid, nil
		}
		if !inspect.Running {
			// already exited; watcher will see a dead pid and return
			return inspect.Pid, nil
		}
		if time.Now().After(deadline) {
			return 0, &judge.SandboxError{Op: "exec inspect", Err: fmt.Errorf("no pid after start")}
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (b *dockerBox) waitForExit(ctx context.Context, execID string) (*types.ContainerExecInspect, error) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		inspect, err := b.runner.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return nil, &judge.SandboxError{Op: "exec inspect", Err: err}
		}
		if !inspect.Running {
			return &inspect, nil
		}
		if time.Now().After(deadline) {
			return nil, &judge.SandboxError{Op: "exec wait", Err: fmt.Errorf("process still running after output closed")}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Release destroys the container and working directory. Idempotent; safe
// on every exit path.
func (b *dockerBox) Release() error {
	var err error
	b.releaseOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rmErr := b.runner.cli.ContainerRemove(ctx, b.containerID, types.ContainerRemoveOptions{
			Force: true,
		})
		if rmErr != nil {
			b.log.Error("failed to remove container", "err", rmErr)
			err = rmErr
		}
		if dirErr := os.RemoveAll(b.workDir); dirErr != nil && err == nil {
			err = dirErr
		}
		b.log.Debug("sandbox released")
	})
	return err
}
