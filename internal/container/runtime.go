// Package container abstracts the sandboxed execution environment for
// workers. The Runtime interface is implemented by Docker in production and
// by fakes in tests.
package container

import (
	"context"
	"io"
	"time"
)

// Engine-owned container labels. Used to find and reap leftovers on startup.
const (
	LabelManaged = "devswarm.managed"
	LabelWorker  = "devswarm.worker"
	LabelTask    = "devswarm.task"
	LabelProject = "devswarm.project"
)

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes one worker container.
type Spec struct {
	Image       string
	Name        string
	Env         map[string]string
	Mounts      []Mount
	ExtraHosts  []string
	NetworkMode string
	Labels      map[string]string
	WorkDir     string
	Cmd         []string
	MemoryBytes int64
	CPUQuota    int64
}

// Handle identifies a started container.
type Handle struct {
	ID     string
	Name   string
	Labels map[string]string
}

// Runtime starts, observes and stops containers.
type Runtime interface {
	// Start creates and starts a container from spec.
	Start(ctx context.Context, spec Spec) (Handle, error)
	// Wait blocks until the container exits and returns its exit code.
	// Cancelling ctx abandons the wait, not the container.
	Wait(ctx context.Context, h Handle) (int64, error)
	// Stop sends SIGTERM, waits grace, then SIGKILL.
	Stop(ctx context.Context, h Handle, grace time.Duration) error
	// Logs streams the container's demultiplexed output.
	Logs(ctx context.Context, h Handle) (io.ReadCloser, error)
	// ListAlive returns running containers carrying the managed label.
	ListAlive(ctx context.Context) ([]Handle, error)
	// Remove force-removes a container. Missing containers are not an error.
	Remove(ctx context.Context, h Handle) error
}
