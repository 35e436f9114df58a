package terminal_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/spec"
	"isolator/internal/isolator/terminal"
	"isolator/internal/isolator/workspace"
	appErr "isolator/pkg/errors"
)

// ptyStream is a fake tty exec stream. Output is fed through a channel;
// written input is recorded.
type ptyStream struct {
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written bytes.Buffer
}

func newPtyStream() *ptyStream {
	return &ptyStream{out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *ptyStream) Read(p []byte) (int, error) {
	select {
	case data, ok := <-s.out:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *ptyStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Write(p)
}

func (s *ptyStream) CloseWrite() error { return nil }

func (s *ptyStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *ptyStream) input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// ttyEngine is a fake engine whose tty execs serve ptyStreams. Setting
// gateContainer makes CreateExec for that container block until execGate is
// closed, reporting the stall on gateHit.
type ttyEngine struct {
	mu sync.Mutex

	nextContainer int
	running       map[string]bool
	nextExec      int
	streams       map[string]*ptyStream
	resizes       []string

	gateContainer string
	execGate      chan struct{}
	gateHit       chan struct{}
}

func newTtyEngine() *ttyEngine {
	return &ttyEngine{running: make(map[string]bool), streams: make(map[string]*ptyStream)}
}

func (f *ttyEngine) Ping(ctx context.Context) error { return nil }

func (f *ttyEngine) ResolveImage(ctx context.Context, ref string, pull bool) (engine.ImageInfo, error) {
	return engine.ImageInfo{Ref: ref, Digest: "sha256:" + ref}, nil
}

func (f *ttyEngine) EnsureNetwork(ctx context.Context, name string) (string, error) {
	return "net", nil
}

func (f *ttyEngine) CreateContainer(ctx context.Context, req engine.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextContainer++
	id := fmt.Sprintf("ctr-%d", f.nextContainer)
	f.running[id] = true
	return id, nil
}

func (f *ttyEngine) StartContainer(ctx context.Context, id string) error { return nil }

func (f *ttyEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (f *ttyEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
	return nil
}

func (f *ttyEngine) ListContainers(ctx context.Context, labelKey string) ([]engine.ContainerInfo, error) {
	return nil, nil
}

func (f *ttyEngine) InspectContainer(ctx context.Context, id string) (engine.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.ContainerStatus{Running: f.running[id]}, nil
}

func (f *ttyEngine) CreateExec(ctx context.Context, containerID string, cfg engine.ExecConfig) (string, error) {
	f.mu.Lock()
	gate := f.execGate
	gated := gate != nil && f.gateContainer == containerID
	f.mu.Unlock()
	if gated {
		f.gateHit <- struct{}{}
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextExec++
	id := fmt.Sprintf("exec-%d", f.nextExec)
	f.streams[id] = newPtyStream()
	return id, nil
}

func (f *ttyEngine) AttachExec(ctx context.Context, execID string, tty bool) (engine.ExecStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[execID], nil
}

func (f *ttyEngine) InspectExec(ctx context.Context, execID string) (engine.ExecStatus, error) {
	return engine.ExecStatus{Running: true}, nil
}

func (f *ttyEngine) ResizeExec(ctx context.Context, execID string, height, width uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, fmt.Sprintf("%s:%dx%d", execID, height, width))
	return nil
}

func (f *ttyEngine) Stats(ctx context.Context, containerID string) (engine.StatsSample, error) {
	return engine.StatsSample{}, nil
}

func (f *ttyEngine) Close() error { return nil }

func (f *ttyEngine) stream(n int) *ptyStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[fmt.Sprintf("exec-%d", n)]
}

// fakeClient is an in-memory terminal connection.
type fakeClient struct {
	in   chan terminal.Frame
	quit chan struct{}
	once sync.Once

	mu   sync.Mutex
	sent []terminal.Frame
}

func newFakeClient() *fakeClient {
	return &fakeClient{in: make(chan terminal.Frame, 16), quit: make(chan struct{})}
}

func (c *fakeClient) Send(frame terminal.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeClient) Receive() (terminal.Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return terminal.Frame{}, io.EOF
		}
		return f, nil
	case <-c.quit:
		return terminal.Frame{}, io.EOF
	}
}

func (c *fakeClient) Close() error {
	c.once.Do(func() { close(c.quit) })
	return nil
}

func (c *fakeClient) frames() []terminal.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]terminal.Frame(nil), c.sent...)
}

func (c *fakeClient) waitForOutput(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, f := range c.frames() {
			if f.Type == terminal.FrameOutput && f.Data == want {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("output %q never arrived: %v", want, c.frames())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *fakeClient) waitForType(t *testing.T, frameType string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, f := range c.frames() {
			if f.Type == frameType {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("frame %q never arrived: %v", frameType, c.frames())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestManager(t *testing.T, eng engine.Engine, cfg terminal.Config) (*terminal.Manager, *registry.Registry, string) {
	t.Helper()
	ws, err := workspace.NewManager(workspace.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	reg := registry.New()
	lc := lifecycle.NewController(lifecycle.DefaultConfig(), eng, reg, ws, nil)
	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	return terminal.NewManager(cfg, eng, reg, lc), reg, sb.ID
}

func attach(m *terminal.Manager, id string, client terminal.Client, readOnly bool) chan error {
	done := make(chan error, 1)
	go func() { done <- m.Attach(context.Background(), id, client, readOnly) }()
	return done
}

func TestAttachStreamsOutput(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	m, _, id := newTestManager(t, eng, terminal.DefaultConfig())

	client := newFakeClient()
	done := attach(m, id, client, false)

	pty := eng.stream(1)
	if pty == nil {
		// The pty is created on first attach; give it a moment.
		deadline := time.After(2 * time.Second)
		for pty == nil {
			select {
			case <-deadline:
				t.Fatalf("pty never created")
			case <-time.After(5 * time.Millisecond):
			}
			pty = eng.stream(1)
		}
	}
	pty.out <- []byte("$ ")
	client.waitForOutput(t, "$ ")

	close(client.in)
	if err := <-done; err != nil {
		t.Fatalf("attach returned error: %v", err)
	}
}

func TestAttachForwardsInputAndTouchesSandbox(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	m, reg, id := newTestManager(t, eng, terminal.DefaultConfig())
	before, _ := reg.Get(id)

	client := newFakeClient()
	done := attach(m, id, client, false)

	client.in <- terminal.Frame{Type: terminal.FrameInput, Data: "ls\n"}
	deadline := time.After(2 * time.Second)
	for {
		if pty := eng.stream(1); pty != nil && pty.input() == "ls\n" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("input never reached the pty")
		case <-time.After(5 * time.Millisecond):
		}
	}

	after, _ := reg.Get(id)
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Fatalf("terminal input must touch the sandbox")
	}

	close(client.in)
	<-done
}

func TestSecondWriterConflicts(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	m, _, id := newTestManager(t, eng, terminal.DefaultConfig())

	first := newFakeClient()
	done := attach(m, id, first, false)

	// Wait until the first writer is serving; its ping round trip proves it.
	first.in <- terminal.Frame{Type: terminal.FramePing}
	first.waitForType(t, terminal.FramePong)

	second := newFakeClient()
	if err := m.Attach(context.Background(), id, second, false); !appErr.Is(err, appErr.TerminalConflict) {
		t.Fatalf("expected terminal conflict, got %v", err)
	}

	close(first.in)
	<-done
}

func TestObserversRequireOptIn(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	m, _, id := newTestManager(t, eng, terminal.DefaultConfig())

	client := newFakeClient()
	if err := m.Attach(context.Background(), id, client, true); !appErr.Is(err, appErr.TerminalConflict) {
		t.Fatalf("expected observers to be rejected by default, got %v", err)
	}
}

func TestObserverSeesOutputButCannotWrite(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	cfg := terminal.DefaultConfig()
	cfg.AllowObservers = true
	m, _, id := newTestManager(t, eng, cfg)

	writer := newFakeClient()
	writerDone := attach(m, id, writer, false)
	writer.in <- terminal.Frame{Type: terminal.FramePing}
	writer.waitForType(t, terminal.FramePong)

	observer := newFakeClient()
	observerDone := attach(m, id, observer, true)
	observer.in <- terminal.Frame{Type: terminal.FramePing}
	observer.waitForType(t, terminal.FramePong)

	eng.stream(1).out <- []byte("shared output")
	writer.waitForOutput(t, "shared output")
	observer.waitForOutput(t, "shared output")

	observer.in <- terminal.Frame{Type: terminal.FrameInput, Data: "rm -rf /\n"}
	observer.in <- terminal.Frame{Type: terminal.FramePing}
	observer.waitForType(t, terminal.FramePong)
	if got := eng.stream(1).input(); got != "" {
		t.Fatalf("observer input reached the pty: %q", got)
	}

	close(writer.in)
	close(observer.in)
	<-writerDone
	<-observerDone
}

func TestReconnectReplaysRecentOutput(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	m, _, id := newTestManager(t, eng, terminal.DefaultConfig())

	first := newFakeClient()
	done := attach(m, id, first, false)
	first.in <- terminal.Frame{Type: terminal.FramePing}
	first.waitForType(t, terminal.FramePong)

	eng.stream(1).out <- []byte("history line\n")
	first.waitForOutput(t, "history line\n")
	close(first.in)
	<-done

	second := newFakeClient()
	done = attach(m, id, second, false)
	second.waitForOutput(t, "history line\n")
	close(second.in)
	<-done

	// Reconnect reuses the same pty; no second exec was created.
	if eng.stream(2) != nil {
		t.Fatalf("reconnect must reuse the existing pty")
	}
}

func TestResizeForwardedToEngine(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	m, _, id := newTestManager(t, eng, terminal.DefaultConfig())

	client := newFakeClient()
	done := attach(m, id, client, false)
	client.in <- terminal.Frame{Type: terminal.FrameResize, Rows: 40, Cols: 120}
	client.in <- terminal.Frame{Type: terminal.FramePing}
	client.waitForType(t, terminal.FramePong)

	eng.mu.Lock()
	resizes := append([]string(nil), eng.resizes...)
	eng.mu.Unlock()
	if len(resizes) != 1 || resizes[0] != "exec-1:40x120" {
		t.Fatalf("unexpected resizes: %v", resizes)
	}

	close(client.in)
	<-done
}

func TestCloseSendsExitFrame(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	m, _, id := newTestManager(t, eng, terminal.DefaultConfig())

	client := newFakeClient()
	done := attach(m, id, client, false)
	client.in <- terminal.Frame{Type: terminal.FramePing}
	client.waitForType(t, terminal.FramePong)

	m.Close(id)
	client.waitForType(t, terminal.FrameExit)
	<-done
}

func TestSlowAttachDoesNotBlockOtherSandboxes(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	eng.gateContainer = "ctr-1"
	eng.execGate = make(chan struct{})
	eng.gateHit = make(chan struct{}, 1)

	ws, err := workspace.NewManager(workspace.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	reg := registry.New()
	lc := lifecycle.NewController(lifecycle.DefaultConfig(), eng, reg, ws, nil)
	slow, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	fast, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	m := terminal.NewManager(terminal.DefaultConfig(), eng, reg, lc)

	slowClient := newFakeClient()
	slowDone := attach(m, slow.ID, slowClient, false)

	// The first sandbox is now stuck inside pty creation.
	select {
	case <-eng.gateHit:
	case <-time.After(2 * time.Second):
		t.Fatalf("gated exec creation never started")
	}

	fastClient := newFakeClient()
	fastDone := attach(m, fast.ID, fastClient, false)
	fastClient.in <- terminal.Frame{Type: terminal.FramePing}
	fastClient.waitForType(t, terminal.FramePong)
	eng.stream(1).out <- []byte("fast$ ")
	fastClient.waitForOutput(t, "fast$ ")

	close(eng.execGate)
	slowClient.in <- terminal.Frame{Type: terminal.FramePing}
	slowClient.waitForType(t, terminal.FramePong)

	close(slowClient.in)
	close(fastClient.in)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow attach failed: %v", err)
	}
	if err := <-fastDone; err != nil {
		t.Fatalf("fast attach failed: %v", err)
	}
}

func TestWriterAttachedTracksClaims(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	m, _, id := newTestManager(t, eng, terminal.DefaultConfig())

	if m.WriterAttached(id) {
		t.Fatalf("no session yet, writer must not be reported")
	}

	client := newFakeClient()
	done := attach(m, id, client, false)
	client.in <- terminal.Frame{Type: terminal.FramePing}
	client.waitForType(t, terminal.FramePong)
	if !m.WriterAttached(id) {
		t.Fatalf("writer attached but not reported")
	}

	close(client.in)
	<-done
	deadline := time.After(2 * time.Second)
	for m.WriterAttached(id) {
		select {
		case <-deadline:
			t.Fatalf("writer still reported after detach")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Close(id)
	if m.WriterAttached(id) {
		t.Fatalf("writer reported after close")
	}
}

func TestSweepClosesIdleSessions(t *testing.T) {
	t.Parallel()
	eng := newTtyEngine()
	cfg := terminal.DefaultConfig()
	cfg.SessionIdleTTL = time.Minute
	m, _, id := newTestManager(t, eng, cfg)

	client := newFakeClient()
	done := attach(m, id, client, false)
	client.in <- terminal.Frame{Type: terminal.FramePing}
	client.waitForType(t, terminal.FramePong)

	if n := m.Sweep(time.Now()); n != 0 {
		t.Fatalf("fresh session swept: %d", n)
	}
	if n := m.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected one swept session, got %d", n)
	}
	client.waitForType(t, terminal.FrameExit)
	<-done
}
