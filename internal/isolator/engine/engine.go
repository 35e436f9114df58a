// Package engine defines the narrow capability interface the isolator needs
// from a container engine, with one Docker implementation.
package engine

import (
	"context"
	"io"
	"time"
)

// LabelKey marks every container the isolator owns. The reaper's startup
// reconciliation matches on it.
const LabelKey = "isolator.sandbox"

// CreateRequest carries everything needed to create one sandbox container.
type CreateRequest struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Labels     map[string]string

	// Host-side security and resource settings.
	Binds           []string
	CapAdd          []string
	NoNewPrivileges bool
	ReadOnlyRootfs  bool
	Tmpfs           map[string]string
	SeccompProfile  string
	NetworkMode     string
	NanoCPUs        int64
	MemoryBytes     int64
	PidsLimit       int64
}

// ContainerInfo is a summary row from the engine's container list.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// ContainerStatus is the inspected runtime state of one container.
type ContainerStatus struct {
	Running   bool
	OOMKilled bool
	ExitCode  int
}

// ImageInfo is a resolved image reference.
type ImageInfo struct {
	Ref    string
	Digest string
}

// ExecConfig describes one exec process inside a container.
type ExecConfig struct {
	Cmd          []string
	Env          []string
	WorkingDir   string
	Tty          bool
	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool
}

// ExecStatus is the inspected state of an exec process.
type ExecStatus struct {
	Running  bool
	ExitCode int
	Pid      int
}

// ExecStream is the bidirectional byte stream of an attached exec.
// For non-tty execs the read side is multiplexed in the engine's
// stdout/stderr framing and must be demultiplexed by the caller.
type ExecStream interface {
	io.Reader
	io.Writer
	// CloseWrite half-closes the stream, signalling EOF on stdin.
	CloseWrite() error
	Close() error
}

// StatsSample is one resource usage sample for a container.
type StatsSample struct {
	CPUPercent  float64
	MemoryBytes uint64
	MemoryLimit uint64
	Pids        uint64
	SampledAt   time.Time
}

// Engine is the capability surface consumed by the lifecycle controller,
// executor, terminal gateway, governor, and reaper. One Docker
// implementation ships; the interface stays open for other engines.
type Engine interface {
	Ping(ctx context.Context) error

	// ResolveImage returns the image with its digest, pulling it when it is
	// absent locally and pull is true.
	ResolveImage(ctx context.Context, ref string, pull bool) (ImageInfo, error)

	// EnsureNetwork creates the isolated bridge if it does not exist and
	// returns its id. Inter-container communication is disabled on it.
	EnsureNetwork(ctx context.Context, name string) (string, error)

	CreateContainer(ctx context.Context, req CreateRequest) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ListContainers(ctx context.Context, labelKey string) ([]ContainerInfo, error)
	InspectContainer(ctx context.Context, id string) (ContainerStatus, error)

	CreateExec(ctx context.Context, containerID string, cfg ExecConfig) (string, error)
	AttachExec(ctx context.Context, execID string, tty bool) (ExecStream, error)
	InspectExec(ctx context.Context, execID string) (ExecStatus, error)
	ResizeExec(ctx context.Context, execID string, height, width uint) error

	Stats(ctx context.Context, containerID string) (StatsSample, error)

	Close() error
}
