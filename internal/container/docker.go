package container

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	mounttypes "github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/common/logger"
)

// DockerRuntime implements Runtime against the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
	log *logger.Logger
}

// NewDockerRuntime connects to the Docker daemon. host may be empty to use
// the environment defaults.
func NewDockerRuntime(host, apiVersion string, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{
		cli: cli,
		log: log.WithFields(zap.String("component", "docker")),
	}, nil
}

// Close releases the client connection.
func (d *DockerRuntime) Close() error { return d.cli.Close() }

// Ping verifies the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Start creates and starts a container. A missing image is pulled once.
func (d *DockerRuntime) Start(ctx context.Context, spec Spec) (Handle, error) {
	cfg := &containertypes.Config{
		Image:      spec.Image,
		Env:        flattenEnv(spec.Env),
		Labels:     withManagedLabel(spec.Labels),
		WorkingDir: spec.WorkDir,
		Cmd:        spec.Cmd,
	}
	hostCfg := &containertypes.HostConfig{
		ExtraHosts:  spec.ExtraHosts,
		NetworkMode: containertypes.NetworkMode(spec.NetworkMode),
		Resources: containertypes.Resources{
			Memory:   spec.MemoryBytes,
			CPUQuota: spec.CPUQuota,
		},
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mounttypes.Mount{
			Type:     mounttypes.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil && strings.Contains(err.Error(), "No such image") {
		if pullErr := d.pull(ctx, spec.Image); pullErr != nil {
			return Handle{}, fmt.Errorf("pull %s: %w", spec.Image, pullErr)
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, containertypes.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("start container: %w", err)
	}
	d.log.Info("container started",
		zap.String("container_id", created.ID[:12]),
		zap.String("name", spec.Name),
		zap.String("image", spec.Image))
	return Handle{ID: created.ID, Name: spec.Name, Labels: cfg.Labels}, nil
}

func (d *DockerRuntime) pull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Wait blocks until the container stops, then removes it and returns the
// exit code.
func (d *DockerRuntime) Wait(ctx context.Context, h Handle) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, h.ID, containertypes.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		_ = d.Remove(context.WithoutCancel(ctx), h)
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("container wait: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop sends SIGTERM and escalates to SIGKILL after grace.
func (d *DockerRuntime) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, h.ID, containertypes.StopOptions{Timeout: &secs})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Logs returns the demultiplexed stdout+stderr stream, following until the
// container exits.
func (d *DockerRuntime) Logs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	raw, err := d.cli.ContainerLogs(ctx, h.ID, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// ListAlive returns running engine-managed containers, oldest first.
func (d *DockerRuntime) ListAlive(ctx context.Context) ([]Handle, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	list, err := d.cli.ContainerList(ctx, containertypes.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Created < list[j].Created })
	handles := make([]Handle, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, Handle{ID: c.ID, Name: name, Labels: c.Labels})
	}
	return handles, nil
}

// Remove force-removes a container; missing is not an error.
func (d *DockerRuntime) Remove(ctx context.Context, h Handle) error {
	err := d.cli.ContainerRemove(ctx, h.ID, containertypes.RemoveOptions{Force: true})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container")
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func withManagedLabel(labels map[string]string) map[string]string {
	out := map[string]string{LabelManaged: "true"}
	for k, v := range labels {
		out[k] = v
	}
	return out
}
