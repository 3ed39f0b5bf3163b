// Package docker implements the driver.Driver interface against a local
// Docker daemon: one container per session, attached directly to its
// stdin/stdout (no exec — the worker command *is* the container's entrypoint).
package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/dockyard/dockyard/internal/driver"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const DriverName = "docker"

// defaultConcurrency bounds how many Start/Stop/ListByLabel Docker SDK calls
// may be in flight at once (Attach and Healthy are not gated), so a burst of
// session creates/deletes can't pile up
// unbounded goroutines blocked on daemon I/O.
const defaultConcurrency = 32

// Driver implements driver.Driver using the Docker engine API.
type Driver struct {
	cli  *client.Client
	gate *semaphore.Weighted
}

// New creates a new Driver. cfg["concurrency"] overrides the default gate
// width; cfg["host"] overrides the Docker daemon endpoint (otherwise taken
// from the environment, matching client.FromEnv).
func New(cfg map[string]any) (driver.Driver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host, ok := cfg["host"].(string); ok && host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	concurrency := int64(defaultConcurrency)
	if n, ok := cfg["concurrency"].(int); ok && n > 0 {
		concurrency = int64(n)
	}

	return &Driver{cli: cli, gate: semaphore.NewWeighted(concurrency)}, nil
}

func init() {
	driver.Register(DriverName, New)
}

// withGate runs fn with the concurrency gate held, bounding how many
// blocking Docker calls may run at once.
func (d *Driver) withGate(ctx context.Context, fn func() error) error {
	if err := d.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.gate.Release(1)
	return fn()
}

func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Driver) Close() error {
	return d.cli.Close()
}

func (d *Driver) Start(ctx context.Context, spec driver.StartSpec) (driver.ContainerHandle, error) {
	var id string
	err := d.withGate(ctx, func() error {
		mounts := make([]mount.Mount, 0, len(spec.Volumes))
		for _, v := range spec.Volumes {
			mounts = append(mounts, mount.Mount{
				Type:     mount.TypeBind,
				Source:   v.HostPath,
				Target:   v.ContainerPath,
				ReadOnly: v.Mode == "ro",
			})
		}

		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}

		labels := make(map[string]string, len(spec.Labels))
		for k, v := range spec.Labels {
			labels[k] = v
		}

		resp, err := d.cli.ContainerCreate(ctx,
			&container.Config{
				Image:       spec.Image,
				Cmd:         spec.Command,
				Env:         env,
				Labels:      labels,
				OpenStdin:   true,
				StdinOnce:   false,
				AttachStdin: true,
			},
			&container.HostConfig{
				Mounts:     mounts,
				AutoRemove: true,
			},
			nil, nil, "",
		)
		if err != nil {
			return fmt.Errorf("create container: %w", err)
		}

		if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
			return fmt.Errorf("start container: %w", err)
		}

		id = resp.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return driver.ContainerHandle(id), nil
}

func (d *Driver) Attach(ctx context.Context, handle driver.ContainerHandle) (io.ReadWriteCloser, error) {
	info, err := d.cli.ContainerInspect(ctx, string(handle))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, driver.ErrNotFound
		}
		return nil, err
	}
	if !info.State.Running {
		return nil, driver.ErrNotRunning
	}

	resp, err := d.cli.ContainerAttach(ctx, string(handle), types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	return &attachedStream{resp: resp}, nil
}

func (d *Driver) Stop(ctx context.Context, handle driver.ContainerHandle, timeoutSeconds int) error {
	return d.withGate(ctx, func() error {
		timeout := timeoutSeconds
		if err := d.cli.ContainerStop(ctx, string(handle), container.StopOptions{Timeout: &timeout}); err != nil {
			if !client.IsErrNotFound(err) {
				log.Warn().Str("container", string(handle)).Err(err).Msg("graceful stop failed, forcing removal")
			}
		}
		if err := d.cli.ContainerRemove(ctx, string(handle), types.ContainerRemoveOptions{Force: true}); err != nil {
			if client.IsErrNotFound(err) {
				return nil
			}
			return fmt.Errorf("remove container: %w", err)
		}
		return nil
	})
}

func (d *Driver) ListByLabel(ctx context.Context, label, value string) ([]driver.ContainerHandle, error) {
	labelFilter := label
	if value != "" {
		labelFilter = fmt.Sprintf("%s=%s", label, value)
	}

	var handles []driver.ContainerHandle
	err := d.withGate(ctx, func() error {
		list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", labelFilter)),
		})
		if err != nil {
			return fmt.Errorf("list containers: %w", err)
		}
		for _, c := range list {
			handles = append(handles, driver.ContainerHandle(c.ID))
		}
		return nil
	})
	return handles, err
}

// attachedStream adapts a Docker HijackedResponse into an io.ReadWriteCloser.
// Reads return the raw multiplexed bytes (stream.DecodeFrames demuxes them);
// writes go straight to the underlying connection, which Docker frames for
// us on the way into the container's stdin.
type attachedStream struct {
	resp types.HijackedResponse
}

func (a *attachedStream) Read(p []byte) (int, error) {
	return a.resp.Reader.Read(p)
}

func (a *attachedStream) Write(p []byte) (int, error) {
	return a.resp.Conn.Write(p)
}

func (a *attachedStream) Close() error {
	a.resp.Close()
	return nil
}
