// Package terminal bridges interactive client connections to a tty exec
// inside a sandbox container. One pty per sandbox, created on first attach
// and reused on reconnect within the idle TTL, so shell state survives a
// disconnect.
package terminal

import (
	"time"
)

// Frame is one control message on the terminal connection.
type Frame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows uint   `json:"rows,omitempty"`
	Cols uint   `json:"cols,omitempty"`
}

// Frame types.
const (
	FrameInput  = "input"
	FrameOutput = "output"
	FrameResize = "resize"
	FramePing   = "ping"
	FramePong   = "pong"
	FrameExit   = "exit"
	FrameError  = "error"
)

// Client is one attached terminal connection. The websocket adapter
// implements it; tests substitute fakes.
type Client interface {
	Send(frame Frame) error
	Receive() (Frame, error)
	Close() error
}

// Config controls terminal sessions.
type Config struct {
	// Shell is the program run on the pty.
	Shell string
	// WorkingDir is the shell's starting directory.
	WorkingDir string
	// ReplayBytes caps the output retained for reconnecting clients.
	ReplayBytes int
	// AllowObservers permits read-only attachments alongside the writer.
	AllowObservers bool
	// SessionIdleTTL closes a pty nobody has written to for this long.
	SessionIdleTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Shell:          "/bin/bash",
		WorkingDir:     "/workspace",
		ReplayBytes:    64 << 10,
		AllowObservers: false,
		SessionIdleTTL: 30 * time.Minute,
	}
}
