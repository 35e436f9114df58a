package terminal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/spec"
	appErr "isolator/pkg/errors"
	"isolator/pkg/utils/logger"
)

// Manager owns at most one pty session per sandbox and moves bytes between
// attached clients and the container.
type Manager struct {
	cfg Config
	eng engine.Engine
	reg *registry.Registry
	lc  *lifecycle.Controller

	// mu guards the slot map and the sess/gone fields of every slot. It is
	// never held across engine calls, so a slow pty creation on one sandbox
	// cannot stall attaches to the others.
	mu    sync.Mutex
	slots map[string]*slot
}

// slot is the per-sandbox attachment point. create serializes pty creation
// for one sandbox; gone marks a slot retired by Close or Sweep.
type slot struct {
	create sync.Mutex
	sess   *session
	gone   bool
}

// NewManager wires the terminal gateway.
func NewManager(cfg Config, eng engine.Engine, reg *registry.Registry, lc *lifecycle.Controller) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.ReplayBytes <= 0 {
		cfg.ReplayBytes = 64 << 10
	}
	return &Manager{
		cfg:   cfg,
		eng:   eng,
		reg:   reg,
		lc:    lc,
		slots: make(map[string]*slot),
	}
}

// Attach connects a client to the sandbox's terminal and serves it until the
// client disconnects or the shell exits. The pty is created on first attach
// and reused on reconnect; only one writable client is admitted at a time.
func (m *Manager) Attach(ctx context.Context, sandboxID string, client Client, readOnly bool) error {
	if readOnly && !m.cfg.AllowObservers {
		return appErr.New(appErr.TerminalConflict).WithSandbox(sandboxID).
			WithMessage("read-only observers are disabled")
	}

	sess, err := m.sessionFor(ctx, sandboxID)
	if err != nil {
		return err
	}

	if readOnly {
		if !sess.addObserver(client) {
			return appErr.New(appErr.TerminalClosed).WithSandbox(sandboxID)
		}
	} else if !sess.claimWriter(client) {
		if sess.isClosed() {
			return appErr.New(appErr.TerminalClosed).WithSandbox(sandboxID)
		}
		return appErr.New(appErr.TerminalConflict).WithSandbox(sandboxID)
	}
	defer sess.detach(client)

	if replay := sess.replaySnapshot(); len(replay) > 0 {
		if err := client.Send(Frame{Type: FrameOutput, Data: string(replay)}); err != nil {
			return nil
		}
	}

	return m.serve(ctx, sandboxID, sess, client, readOnly)
}

// sessionFor returns the live session, creating the pty when none exists.
// Creation runs under the slot's own lock only, so sandboxes attach
// independently of each other.
func (m *Manager) sessionFor(ctx context.Context, sandboxID string) (*session, error) {
	for {
		m.mu.Lock()
		sl, ok := m.slots[sandboxID]
		if !ok {
			sl = &slot{}
			m.slots[sandboxID] = sl
		}
		sess := sl.sess
		m.mu.Unlock()
		if sess != nil && !sess.isClosed() {
			return sess, nil
		}

		sl.create.Lock()
		m.mu.Lock()
		if sl.gone {
			// Close or Sweep retired this slot while we waited; start over
			// with a fresh one.
			m.mu.Unlock()
			sl.create.Unlock()
			continue
		}
		if sl.sess != nil && !sl.sess.isClosed() {
			sess := sl.sess
			m.mu.Unlock()
			sl.create.Unlock()
			return sess, nil
		}
		m.mu.Unlock()

		sess, err := m.createSession(ctx, sandboxID)
		if err != nil {
			sl.create.Unlock()
			return nil, err
		}

		m.mu.Lock()
		if sl.gone {
			m.mu.Unlock()
			sl.create.Unlock()
			sess.shutdown()
			return nil, appErr.New(appErr.TerminalClosed).WithSandbox(sandboxID)
		}
		sl.sess = sess
		m.mu.Unlock()
		sl.create.Unlock()
		return sess, nil
	}
}

func (m *Manager) createSession(ctx context.Context, sandboxID string) (*session, error) {
	handle, err := m.lc.Acquire(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	execID, err := m.eng.CreateExec(ctx, handle.ID, engine.ExecConfig{
		Cmd:          []string{m.cfg.Shell},
		Env:          []string{"TERM=xterm-256color"},
		WorkingDir:   m.cfg.WorkingDir,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, wrapTerminalErr(err, sandboxID)
	}
	stream, err := m.eng.AttachExec(ctx, execID, true)
	if err != nil {
		return nil, wrapTerminalErr(err, sandboxID)
	}

	now := time.Now()
	sess := newSession(spec.TerminalSession{
		ID:          uuid.NewString(),
		SandboxID:   sandboxID,
		ExecID:      execID,
		ConnectedAt: now,
		LastInputAt: now,
	}, stream, m.cfg.ReplayBytes)
	go sess.pump()

	logger.Info(ctx, "terminal session created",
		zap.String("sandbox_id", sandboxID),
		zap.String("session_id", sess.info.ID))
	return sess, nil
}

// WriterAttached reports whether a writable client currently holds the
// sandbox's terminal.
func (m *Manager) WriterAttached(sandboxID string) bool {
	m.mu.Lock()
	sl := m.slots[sandboxID]
	var sess *session
	if sl != nil {
		sess = sl.sess
	}
	m.mu.Unlock()
	return sess != nil && sess.hasWriter()
}

func (m *Manager) serve(ctx context.Context, sandboxID string, sess *session, client Client, readOnly bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.done:
			return nil
		default:
		}

		frame, err := client.Receive()
		if err != nil {
			// Client went away; the pty stays attached until idle-timeout
			// so a reconnect resumes the same shell.
			return nil
		}
		switch frame.Type {
		case FrameInput:
			if readOnly {
				continue
			}
			if _, err := sess.stream.Write([]byte(frame.Data)); err != nil {
				return nil
			}
			sess.touchInput()
			_ = m.reg.Update(sandboxID, func(s *spec.Sandbox) { s.Touch() })
		case FrameResize:
			if readOnly || frame.Rows == 0 || frame.Cols == 0 {
				continue
			}
			if err := m.eng.ResizeExec(ctx, sess.info.ExecID, frame.Rows, frame.Cols); err != nil {
				logger.Debug(ctx, "terminal resize failed",
					zap.String("sandbox_id", sandboxID), zap.Error(err))
			}
		case FramePing:
			_ = client.Send(Frame{Type: FramePong})
		}
	}
}

// Close tears down the sandbox's terminal session, if any. Destroy paths
// call it before removing the container.
func (m *Manager) Close(sandboxID string) {
	m.mu.Lock()
	sl := m.slots[sandboxID]
	var sess *session
	if sl != nil {
		sl.gone = true
		sess = sl.sess
		sl.sess = nil
		delete(m.slots, sandboxID)
	}
	m.mu.Unlock()
	if sess != nil {
		sess.shutdown()
	}
}

// Sweep shuts down sessions that have seen no input for longer than the
// session idle TTL. The reaper drives it.
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.SessionIdleTTL <= 0 {
		return 0
	}
	m.mu.Lock()
	var expired []*session
	for id, sl := range m.slots {
		sess := sl.sess
		if sess == nil {
			continue
		}
		if sess.isClosed() || now.Sub(sess.lastInput()) > m.cfg.SessionIdleTTL {
			expired = append(expired, sess)
			sl.gone = true
			sl.sess = nil
			delete(m.slots, id)
		}
	}
	m.mu.Unlock()
	for _, sess := range expired {
		sess.shutdown()
	}
	return len(expired)
}

func wrapTerminalErr(err error, sandboxID string) error {
	if e := appErr.GetError(err); e != nil {
		return e.WithSandbox(sandboxID)
	}
	return appErr.Wrap(err, appErr.EngineError).WithSandbox(sandboxID)
}
