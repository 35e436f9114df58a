// Package spec defines the sandbox data model shared by all isolator components.
package spec

import (
	"time"
)

// State is the lifecycle state of a sandbox.
type State string

const (
	StateRequested   State = "REQUESTED"
	StateCreating    State = "CREATING"
	StateRunning     State = "RUNNING"
	StateIdle        State = "IDLE"
	StateTerminating State = "TERMINATING"
	StateDestroyed   State = "DESTROYED"
	StateFailed      State = "FAILED"
)

// Active reports whether the sandbox still holds engine resources.
func (s State) Active() bool {
	switch s {
	case StateCreating, StateRunning, StateIdle, StateTerminating:
		return true
	}
	return false
}

// ResourceLimits describes hard limits applied to a sandbox container.
type ResourceLimits struct {
	// NanoCPUs caps CPU in units of 1e-9 CPUs (1.5 CPUs = 1500000000).
	NanoCPUs int64 `json:"nano_cpus"`
	// MemoryBytes caps total memory for the container.
	MemoryBytes int64 `json:"memory_bytes"`
	// PidsLimit caps the number of processes inside the container.
	PidsLimit int64 `json:"pids_limit"`
}

// DefaultResourceLimits returns the limits applied when a caller supplies none.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		NanoCPUs:    1_000_000_000,
		MemoryBytes: 512 << 20,
		PidsLimit:   128,
	}
}

// ContainerHandle identifies a RUNNING or IDLE container in the engine.
// Immutable once created; limit changes require destroy-and-recreate.
type ContainerHandle struct {
	ID          string `json:"id"`
	Image       string `json:"image"`
	ImageDigest string `json:"image_digest"`
	ProfileHash string `json:"profile_hash"`
	Network     string `json:"network"`
}

// Sandbox is one logical execution context: a workspace plus at most one
// container. The container pointer is nil while no container exists.
type Sandbox struct {
	ID             string           `json:"id"`
	Owner          string           `json:"owner"`
	Image          string           `json:"image"`
	WorkspacePath  string           `json:"workspace_path"`
	Container      *ContainerHandle `json:"container,omitempty"`
	State          State            `json:"state"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	Limits         ResourceLimits   `json:"limits"`
	Profile        SecurityProfile  `json:"profile"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}

// Touch records activity so the reaper's idle clock restarts.
func (s *Sandbox) Touch() {
	s.LastActivityAt = time.Now()
}

// IdleSince reports how long the sandbox has been without activity.
func (s *Sandbox) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// CommandExecution records one command run inside a sandbox.
type CommandExecution struct {
	ID              string    `json:"id"`
	SandboxID       string    `json:"sandbox_id"`
	Command         string    `json:"command"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	ExitCode        int       `json:"exit_code"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	StdoutTruncated bool      `json:"stdout_truncated"`
	StderrTruncated bool      `json:"stderr_truncated"`
	TimedOut        bool      `json:"timed_out"`
}

// TerminalSession records one interactive terminal attached to a sandbox.
type TerminalSession struct {
	ID          string    `json:"id"`
	SandboxID   string    `json:"sandbox_id"`
	ExecID      string    `json:"exec_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastInputAt time.Time `json:"last_input_at"`
}
