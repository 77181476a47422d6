package engine

import (
	"context"
	"io"
	"time"
)

// BuildRequest describes an image build from a local context directory.
type BuildRequest struct {
	ContextDir string
	Dockerfile string
	Tag        string
	Labels     map[string]string
}

// CreateRequest describes a container to create. It is a flattened,
// engine-neutral view of a validated container spec.
type CreateRequest struct {
	Name        string
	Image       string
	Command     []string
	Workdir     string
	Env         map[string]string
	Labels      map[string]string
	Mounts      []MountSpec
	Ports       []PortSpec
	MemoryBytes int64
	NanoCPUs    int64
	Privileged  bool
	CapDrop     []string
	Network     string
}

// MountSpec is one mount entry of a CreateRequest.
type MountSpec struct {
	Kind     MountKind
	Source   string
	Target   string
	ReadOnly bool
}

// MountKind enumerates the supported mount types.
type MountKind string

const (
	MountBind      MountKind = "bind"
	MountVolume    MountKind = "volume"
	MountAnonymous MountKind = "anonymous"
)

// PortSpec publishes one container port on the host.
type PortSpec struct {
	HostPort      int
	ContainerPort int
}

// Engine is the contract for container operations. The lifecycle driver
// depends on this seam only; a real container runtime (or a fake, in
// tests) is plugged in behind it. Implementations must be safe for
// concurrent use across distinct containers.
type Engine interface {
	BuildImage(ctx context.Context, req BuildRequest) (imageRef string, err error)
	CreateContainer(ctx context.Context, req CreateRequest) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, gracePeriod time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	ExecProbe(ctx context.Context, containerID string, command []string) (exitCode int, err error)
	StreamLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
}
