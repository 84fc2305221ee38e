// Package docker implements runtime.Runtime on top of the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"github.com/justinmoon/playground/internal/runtime"
)

// Client talks to a Docker daemon.
type Client struct {
	client *client.Client
}

// New connects to the daemon described by the DOCKER_* environment.
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Client{client: cli}, nil
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.Ping(ctx)
	return err
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) GetContainer(ctx context.Context, name string) (runtime.Container, error) {
	info, err := c.client.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return runtime.Container{}, fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
		}
		return runtime.Container{}, fmt.Errorf("inspect %s: %w", name, err)
	}

	ctr := runtime.Container{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		ctr.Image = info.Config.Image
		ctr.Labels = info.Config.Labels
	}
	if info.State != nil {
		ctr.State = runtime.ParseState(string(info.State.Status))
		ctr.Status = string(info.State.Status)
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		ctr.Created = created
	}
	return ctr, nil
}

func (c *Client) CreateExec(ctx context.Context, containerID string, cfg runtime.ExecConfig) (string, error) {
	resp, err := c.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cfg.Cmd,
		Env:          envList(cfg.Env),
		User:         cfg.User,
		Tty:          cfg.TTY,
		AttachStdin:  cfg.Stdin,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", runtime.ErrNotFound, containerID)
		}
		if cerrdefs.IsConflict(err) {
			return "", fmt.Errorf("%w: %v", runtime.ErrNotRunning, err)
		}
		return "", fmt.Errorf("%w: create: %v", runtime.ErrExecFailed, err)
	}
	return resp.ID, nil
}

func (c *Client) StartExec(ctx context.Context, execID string) (runtime.Stream, error) {
	resp, err := c.client.ContainerExecAttach(ctx, execID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("%w: attach: %v", runtime.ErrExecFailed, err)
	}
	return &execStream{resp: resp}, nil
}

func (c *Client) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	return c.client.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	})
}

func (c *Client) ListManaged(ctx context.Context) ([]runtime.Container, error) {
	list, err := c.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", runtime.LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]runtime.Container, 0, len(list))
	for _, s := range list {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, runtime.Container{
			ID:      s.ID,
			Name:    name,
			Image:   s.Image,
			State:   runtime.ParseState(string(s.State)),
			Status:  s.Status,
			Labels:  s.Labels,
			Created: time.Unix(s.Created, 0),
		})
	}
	return out, nil
}

func (c *Client) Run(ctx context.Context, spec runtime.RunSpec) (runtime.Container, error) {
	if err := c.ensureImage(ctx, spec.Image); err != nil {
		return runtime.Container{}, err
	}

	resp, err := c.client.ContainerCreate(ctx, &container.Config{
		Image:     spec.Image,
		Cmd:       spec.Cmd,
		Env:       envList(spec.Env),
		Labels:    spec.Labels,
		Tty:       true,
		OpenStdin: true,
	}, &container.HostConfig{}, nil, nil, spec.Name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return runtime.Container{}, fmt.Errorf("%w: %s", runtime.ErrAlreadyExists, spec.Name)
		}
		return runtime.Container{}, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := c.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Warn().Err(rmErr).Str("container", spec.Name).Msg("Failed to remove container after failed start")
		}
		return runtime.Container{}, fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	return c.GetContainer(ctx, resp.ID)
}

// ensureImage pulls the image when it is not present locally.
func (c *Client) ensureImage(ctx context.Context, ref string) error {
	if _, err := c.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	log.Info().Str("image", ref).Msg("pulling image")
	rc, err := c.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
		}
		return fmt.Errorf("stop %s: %w", id, err)
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, id string) error {
	err := c.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func (c *Client) Exec(ctx context.Context, id string, cmd []string) (runtime.ExecResult, error) {
	created, err := c.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return runtime.ExecResult{}, fmt.Errorf("%w: create: %v", runtime.ErrExecFailed, err)
	}

	resp, err := c.client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return runtime.ExecResult{}, fmt.Errorf("%w: attach: %v", runtime.ErrExecFailed, err)
	}
	defer resp.Close()

	// Non-TTY exec output is multiplexed; fold stderr into the same buffer.
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, resp.Reader); err != nil {
		return runtime.ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := c.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return runtime.ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}

	return runtime.ExecResult{ExitCode: inspect.ExitCode, Output: out.Bytes()}, nil
}

func (c *Client) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
	info, err := c.client.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
		}
		return nil, fmt.Errorf("inspect %s: %w", id, err)
	}

	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: false}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	rc, err := c.client.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", id, err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if info.Config != nil && info.Config.Tty {
		_, err = io.Copy(&out, rc)
	} else {
		_, err = stdcopy.StdCopy(&out, &out, rc)
	}
	if err != nil {
		return nil, fmt.Errorf("read logs %s: %w", id, err)
	}
	return out.Bytes(), nil
}

// execStream adapts a hijacked exec connection to runtime.Stream. Reads go
// through the hijack's buffered reader so bytes already buffered during the
// upgrade are not lost; deadlines and writes go to the raw connection.
type execStream struct {
	resp      types.HijackedResponse
	closeOnce sync.Once
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *execStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *execStream) SetReadDeadline(t time.Time) error {
	return s.resp.Conn.SetReadDeadline(t)
}

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.resp.Close()
	})
	return nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var _ runtime.Runtime = (*Client)(nil)
