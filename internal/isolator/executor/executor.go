// Package executor runs one-shot commands inside sandbox containers,
// enforcing timeouts and output caps.
package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/spec"
	appErr "isolator/pkg/errors"
	"isolator/pkg/utils/logger"
)

// Config bounds executions.
type Config struct {
	// DefaultTimeout applies when a request carries none.
	DefaultTimeout time.Duration
	// MaxTimeout caps caller-supplied timeouts.
	MaxTimeout time.Duration
	// MaxOutputBytes caps each of stdout and stderr; excess is dropped and
	// flagged.
	MaxOutputBytes int64
	// GracePeriod sits between SIGTERM and SIGKILL on timeout.
	GracePeriod time.Duration
	// WorkingDir is the default in-container working directory.
	WorkingDir string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     5 * time.Minute,
		MaxOutputBytes: 1 << 20,
		GracePeriod:    2 * time.Second,
		WorkingDir:     "/workspace",
	}
}

// Request is one command to run.
type Request struct {
	// Command is the command line. With Shell set it is passed to sh -c
	// verbatim; otherwise it is tokenized first and every token is quoted,
	// so shell metacharacters in it carry no meaning.
	Command string
	Shell   bool
	// Timeout bounds wall time. Zero means the configured default.
	Timeout time.Duration
	// Isolated runs the command outside the per-sandbox FIFO queue, as a
	// separate process sharing only the filesystem.
	Isolated bool
	// WorkingDir overrides the default working directory.
	WorkingDir string
	Env        []string
}

// Executor runs commands through the engine's exec facility.
type Executor struct {
	cfg    Config
	eng    engine.Engine
	reg    *registry.Registry
	lc     *lifecycle.Controller
	events spec.EventSink
}

// New wires the executor. events may be nil.
func New(cfg Config, eng engine.Engine, reg *registry.Registry, lc *lifecycle.Controller, events spec.EventSink) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	return &Executor{cfg: cfg, eng: eng, reg: reg, lc: lc, events: events}
}

// Execute runs the command synchronously. Commands against the same sandbox
// are serialized FIFO through the per-sandbox lock unless the request is
// isolated. A timed-out call returns TimedOut; the sandbox stays usable.
func (e *Executor) Execute(ctx context.Context, sandboxID string, req Request) (spec.CommandExecution, error) {
	if strings.TrimSpace(req.Command) == "" {
		return spec.CommandExecution{}, appErr.ValidationError("command", "required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if e.cfg.MaxTimeout > 0 && timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}

	if req.Isolated {
		handle, err := e.lc.Acquire(ctx, sandboxID)
		if err != nil {
			return spec.CommandExecution{}, err
		}
		return e.run(ctx, sandboxID, handle, req, timeout)
	}

	var exec spec.CommandExecution
	err := e.reg.WithLock(ctx, sandboxID, func() error {
		handle, err := e.lc.AcquireLocked(ctx, sandboxID)
		if err != nil {
			return err
		}
		exec, err = e.run(ctx, sandboxID, handle, req, timeout)
		return err
	})
	return exec, err
}

func (e *Executor) run(ctx context.Context, sandboxID string, handle spec.ContainerHandle, req Request, timeout time.Duration) (spec.CommandExecution, error) {
	inner, err := buildCommandLine(req)
	if err != nil {
		return spec.CommandExecution{}, appErr.Wrap(err, appErr.InvalidParams).WithSandbox(sandboxID).
			WithMessage("command parse failed")
	}

	execID := uuid.NewString()
	pidFile := "/tmp/.isolator-" + execID + ".pid"
	// setsid makes the command a process-group leader so the timeout path
	// can kill the whole group, not just the top process.
	wrapped := fmt.Sprintf("setsid sh -c %s & child=$!; echo $child > %s; wait $child", shellQuote(inner), pidFile)

	workingDir := e.cfg.WorkingDir
	if req.WorkingDir != "" {
		workingDir = req.WorkingDir
	}

	record := spec.CommandExecution{
		ID:        execID,
		SandboxID: sandboxID,
		Command:   req.Command,
		StartedAt: time.Now(),
	}

	engineExecID, err := e.eng.CreateExec(ctx, handle.ID, engine.ExecConfig{
		Cmd:          []string{"sh", "-c", wrapped},
		Env:          req.Env,
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return spec.CommandExecution{}, wrapExecErr(err, sandboxID)
	}

	stream, err := e.eng.AttachExec(ctx, engineExecID, false)
	if err != nil {
		return spec.CommandExecution{}, wrapExecErr(err, sandboxID)
	}
	defer stream.Close()

	stdout := newCapWriter(e.cfg.MaxOutputBytes)
	stderr := newCapWriter(e.cfg.MaxOutputBytes)

	copyDone := make(chan error, 1)
	go func() {
		_, cpErr := stdcopy.StdCopy(stdout, stderr, stream)
		copyDone <- cpErr
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	timedOut := false
	select {
	case cpErr := <-copyDone:
		if cpErr != nil && cpErr != io.EOF {
			return spec.CommandExecution{}, appErr.Wrap(cpErr, appErr.ExecFailed).WithSandbox(sandboxID).
				WithMessage("reading exec output failed")
		}
	case <-deadline.C:
		timedOut = true
		e.killProcessGroup(handle.ID, pidFile)
		// The stream unblocks once the group is dead; force-close it if the
		// kill itself hangs.
		select {
		case <-copyDone:
		case <-time.After(e.cfg.GracePeriod + 3*time.Second):
			_ = stream.Close()
			<-copyDone
		}
	case <-ctx.Done():
		e.killProcessGroup(handle.ID, pidFile)
		_ = stream.Close()
		<-copyDone
		return spec.CommandExecution{}, appErr.Wrap(ctx.Err(), appErr.Timeout).WithSandbox(sandboxID)
	}

	exitCode, err := e.waitExecDone(ctx, engineExecID)
	if err != nil && !timedOut {
		return spec.CommandExecution{}, wrapExecErr(err, sandboxID)
	}

	record.FinishedAt = time.Now()
	record.ExitCode = exitCode
	record.Stdout = stdout.String()
	record.Stderr = stderr.String()
	record.StdoutTruncated = stdout.Truncated()
	record.StderrTruncated = stderr.Truncated()
	record.TimedOut = timedOut

	_ = e.reg.Update(sandboxID, func(s *spec.Sandbox) { s.Touch() })
	e.publishFinished(ctx, record)

	if timedOut {
		return record, appErr.New(appErr.TimedOut).WithSandbox(sandboxID).
			WithDetail("timeout", timeout.String())
	}
	logger.Debug(ctx, "command finished",
		zap.String("sandbox_id", sandboxID),
		zap.Int("exit_code", exitCode),
		zap.Duration("took", record.FinishedAt.Sub(record.StartedAt)))
	return record, nil
}

// killProcessGroup sends TERM to the command's process group, waits the
// grace period, then KILLs whatever is left. Runs as its own exec so it
// works even while the main exec stream is wedged.
func (e *Executor) killProcessGroup(containerID, pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.GracePeriod+5*time.Second)
	defer cancel()

	script := fmt.Sprintf(
		`pg=$(cat %[1]s 2>/dev/null); if [ -n "$pg" ]; then kill -TERM -- "-$pg" 2>/dev/null; sleep %[2]d; kill -KILL -- "-$pg" 2>/dev/null; fi; rm -f %[1]s`,
		pidFile, int(e.cfg.GracePeriod/time.Second))

	execID, err := e.eng.CreateExec(ctx, containerID, engine.ExecConfig{
		Cmd:          []string{"sh", "-c", script},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return
	}
	stream, err := e.eng.AttachExec(ctx, execID, false)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, stream)
	_ = stream.Close()
}

func (e *Executor) waitExecDone(ctx context.Context, execID string) (int, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			return -1, appErr.Wrap(waitCtx.Err(), appErr.ExecFailed).WithMessage("waiting for exec completion")
		case <-ticker.C:
			st, err := e.eng.InspectExec(waitCtx, execID)
			if err != nil {
				return -1, err
			}
			if !st.Running {
				return st.ExitCode, nil
			}
		}
	}
}

func (e *Executor) publishFinished(ctx context.Context, record spec.CommandExecution) {
	if e.events == nil {
		return
	}
	ev := spec.Event{
		Type:      spec.EventExecFinished,
		SandboxID: record.SandboxID,
		Details: map[string]string{
			"execution_id": record.ID,
			"exit_code":    fmt.Sprintf("%d", record.ExitCode),
			"timed_out":    fmt.Sprintf("%t", record.TimedOut),
		},
		CreatedAt: record.FinishedAt.Unix(),
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		logger.Warn(ctx, "exec event publish failed",
			zap.String("sandbox_id", record.SandboxID), zap.Error(err))
	}
}

// buildCommandLine produces the sh command line for the request. Without
// Shell the command is tokenized and re-quoted token by token.
func buildCommandLine(req Request) (string, error) {
	if req.Shell {
		return req.Command, nil
	}
	argv, err := shlex.Split(req.Command)
	if err != nil {
		return "", err
	}
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " "), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func wrapExecErr(err error, sandboxID string) error {
	if e := appErr.GetError(err); e != nil {
		return e.WithSandbox(sandboxID)
	}
	return appErr.Wrap(err, appErr.ExecFailed).WithSandbox(sandboxID)
}

// newCapWriter returns a writer that keeps at most max bytes and records
// whether anything was dropped.
func newCapWriter(max int64) *capWriter {
	return &capWriter{max: max}
}

type capWriter struct {
	max       int64
	buf       strings.Builder
	written   int64
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	remain := w.max - w.written
	if remain <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remain {
		w.buf.Write(p[:remain])
		w.written = w.max
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	w.written += int64(len(p))
	return len(p), nil
}

func (w *capWriter) String() string  { return w.buf.String() }
func (w *capWriter) Truncated() bool { return w.truncated }
