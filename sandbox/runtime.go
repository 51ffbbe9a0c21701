// Package sandbox runs pipeline commands and local tasks in containers.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrImageUnavailable is returned when an image can be neither found locally
// nor pulled.
var ErrImageUnavailable = errors.New("image unavailable")

// Mount describes a bind mount from host to container.
type Mount struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

// Copy describes a host directory copied into the container before start.
// Target is an absolute directory that is created if missing.
type Copy struct {
	Source string
	Target string
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Entrypoint  []string
	Env         []string
	WorkDir     string
	User        string
	NetworkMode string
	// Ports are docker-style "host:container" mappings.
	Ports       []string
	Mounts      []Mount
	Copies      []Copy
	MemoryLimit int64
	CPULimit    float64
}

// Runtime is a container engine. Implementations must be safe for
// concurrent use by many tasks.
type Runtime interface {
	// PullImage makes ref available locally. Failures match
	// ErrImageUnavailable.
	PullImage(ctx context.Context, ref string) error
	// CreateAndStart creates a container from spec, copies spec.Copies into
	// it and starts it. It returns the container id; a non-empty id is
	// returned alongside an error when creation succeeded but start failed.
	CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error)
	// StreamLogs copies container output until the container stops or ctx is
	// done.
	StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error
	// Wait blocks until the container stops or timeout elapses. It reports
	// whether the container stopped in time.
	Wait(ctx context.Context, id string, timeout time.Duration) (bool, error)
	Kill(ctx context.Context, id string) error
	ExitCode(ctx context.Context, id string) (int, error)
	Remove(ctx context.Context, id string) error
}
