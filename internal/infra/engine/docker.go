package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// ─── Docker Runner ──────────────────────────────────────────────────────────
// Runs the tool inside a throwaway container. The work directory is bind
// mounted at /work and the container has no network.

const containerWorkDir = "/work"

// DockerRunner runs the tool in a container built from Image.
type DockerRunner struct {
	cli     *client.Client
	image   string
	command string // tool path inside the image
}

// NewDockerRunner connects to the Docker daemon from the environment.
func NewDockerRunner(imageRef, command string) (*DockerRunner, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("docker runtime needs [tool] docker_image")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRunner{cli: cli, image: imageRef, command: command}, nil
}

func (r *DockerRunner) Name() string { return "docker" }

// Ping checks that the daemon answers.
func (r *DockerRunner) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Close releases the client.
func (r *DockerRunner) Close() error { return r.cli.Close() }

func (r *DockerRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	ctx, cancel := withTimeout(ctx, inv.Timeout)
	defer cancel()

	env := make([]string, 0, len(inv.Env))
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:      r.image,
		Cmd:        []string{r.command, inv.Input},
		Env:        env,
		WorkingDir: containerWorkDir,
		Labels: map[string]string{
			"propserve.managed": "true",
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: inv.WorkDir,
			Target: containerWorkDir,
		}},
	}
	name := "propserve-run-" + uuid.NewString()

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
		if pullErr != nil {
			return Result{ExitCode: -1}, fmt.Errorf("failed to pull image %s: %w", r.image, pullErr)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = r.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start container: %w", err)
	}

	waitCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	res := Result{ExitCode: -1}
	select {
	case w := <-waitCh:
		res.ExitCode = int(w.StatusCode)
		if w.Error != nil {
			err = fmt.Errorf("container wait: %s", w.Error.Message)
		}
	case werr := <-errCh:
		err = fmt.Errorf("container wait: %w", werr)
	}
	res.Duration = time.Since(start)

	tail := &limitedBuffer{max: stderrTailBytes}
	logs, lerr := r.cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if lerr == nil {
		_, _ = stdcopy.StdCopy(writerOrDiscard(inv.Stdout), io.MultiWriter(writerOrDiscard(inv.Stderr), tail), logs)
		logs.Close()
	}
	res.StderrTail = tail.String()

	return res, err
}
