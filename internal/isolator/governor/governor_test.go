package governor_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/governor"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/spec"
	"isolator/internal/isolator/workspace"
)

// statsEngine is a fake engine with mutable inspect and stats responses.
type statsEngine struct {
	mu sync.Mutex

	nextContainer int
	status        engine.ContainerStatus
	sample        engine.StatsSample
}

func newStatsEngine() *statsEngine {
	return &statsEngine{status: engine.ContainerStatus{Running: true}}
}

func (f *statsEngine) setStatus(s engine.ContainerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *statsEngine) setSample(s engine.StatsSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample = s
}

func (f *statsEngine) Ping(ctx context.Context) error { return nil }

func (f *statsEngine) ResolveImage(ctx context.Context, ref string, pull bool) (engine.ImageInfo, error) {
	return engine.ImageInfo{Ref: ref, Digest: "sha256:" + ref}, nil
}

func (f *statsEngine) EnsureNetwork(ctx context.Context, name string) (string, error) {
	return "net", nil
}

func (f *statsEngine) CreateContainer(ctx context.Context, req engine.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextContainer++
	return fmt.Sprintf("ctr-%d", f.nextContainer), nil
}

func (f *statsEngine) StartContainer(ctx context.Context, id string) error { return nil }

func (f *statsEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (f *statsEngine) RemoveContainer(ctx context.Context, id string, force bool) error { return nil }

func (f *statsEngine) ListContainers(ctx context.Context, labelKey string) ([]engine.ContainerInfo, error) {
	return nil, nil
}

func (f *statsEngine) InspectContainer(ctx context.Context, id string) (engine.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *statsEngine) CreateExec(ctx context.Context, containerID string, cfg engine.ExecConfig) (string, error) {
	return "exec-1", nil
}

func (f *statsEngine) AttachExec(ctx context.Context, execID string, tty bool) (engine.ExecStream, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *statsEngine) InspectExec(ctx context.Context, execID string) (engine.ExecStatus, error) {
	return engine.ExecStatus{}, nil
}

func (f *statsEngine) ResizeExec(ctx context.Context, execID string, height, width uint) error {
	return nil
}

func (f *statsEngine) Stats(ctx context.Context, containerID string) (engine.StatsSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample, nil
}

func (f *statsEngine) Close() error { return nil }

type breachSink struct {
	mu     sync.Mutex
	events []spec.Event
}

func (b *breachSink) Publish(ctx context.Context, ev spec.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *breachSink) breaches() []spec.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []spec.Event
	for _, ev := range b.events {
		if ev.Type == spec.EventResourceBreach {
			out = append(out, ev)
		}
	}
	return out
}

func startGovernor(t *testing.T, eng engine.Engine, sink spec.EventSink) (*registry.Registry, string, context.CancelFunc) {
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
	if _, err := lc.Acquire(context.Background(), sb.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	cfg := governor.DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	gov := governor.New(cfg, eng, reg, lc, sink)
	ctx, cancel := context.WithCancel(context.Background())
	go gov.Run(ctx)
	t.Cleanup(cancel)
	return reg, sb.ID, cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("%s never happened", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGovernorFailsSandboxOnOOMKill(t *testing.T) {
	t.Parallel()
	eng := newStatsEngine()
	sink := &breachSink{}
	reg, id, _ := startGovernor(t, eng, sink)

	eng.setStatus(engine.ContainerStatus{Running: false, OOMKilled: true, ExitCode: 137})

	waitFor(t, "sandbox failure", func() bool {
		sb, ok := reg.Get(id)
		return ok && sb.State == spec.StateFailed
	})
	sb, _ := reg.Get(id)
	if sb.FailureReason != governor.FailureResourceLimit {
		t.Fatalf("unexpected failure reason: %q", sb.FailureReason)
	}
	if sb.Container != nil {
		t.Fatalf("container handle must be cleared on failure")
	}

	breaches := sink.breaches()
	if len(breaches) == 0 {
		t.Fatalf("no breach event published")
	}
	if breaches[0].Details["severity"] != "hard" {
		t.Fatalf("expected hard severity, got %v", breaches[0].Details)
	}
}

func TestGovernorFailsSandboxOnUnexpectedExit(t *testing.T) {
	t.Parallel()
	eng := newStatsEngine()
	sink := &breachSink{}
	reg, id, _ := startGovernor(t, eng, sink)

	eng.setStatus(engine.ContainerStatus{Running: false, ExitCode: 1})

	waitFor(t, "sandbox failure", func() bool {
		sb, ok := reg.Get(id)
		return ok && sb.State == spec.StateFailed
	})
	sb, _ := reg.Get(id)
	if sb.FailureReason == governor.FailureResourceLimit {
		t.Fatalf("plain exit must carry the exit code, got %q", sb.FailureReason)
	}
}

func TestGovernorSoftBreachEmitsOnceUntilCleared(t *testing.T) {
	t.Parallel()
	eng := newStatsEngine()
	sink := &breachSink{}
	reg, id, _ := startGovernor(t, eng, sink)

	// 95% of the default 512 MiB memory limit.
	memLimit := float64(512 << 20)
	over := engine.StatsSample{MemoryBytes: uint64(memLimit * 0.95)}
	eng.setSample(over)

	waitFor(t, "soft breach event", func() bool { return len(sink.breaches()) >= 1 })
	// Many more sweeps pass; the breach must not repeat while it persists.
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.breaches()); got != 1 {
		t.Fatalf("expected one soft breach event, got %d", got)
	}
	if sink.breaches()[0].Details["severity"] != "soft" {
		t.Fatalf("expected soft severity, got %v", sink.breaches()[0].Details)
	}

	// A soft breach never fails the sandbox.
	sb, _ := reg.Get(id)
	if sb.State != spec.StateRunning {
		t.Fatalf("soft breach must not change state, got %s", sb.State)
	}

	// Usage drops below the threshold, then spikes again: a fresh event.
	eng.setSample(engine.StatsSample{MemoryBytes: 1 << 20})
	time.Sleep(50 * time.Millisecond)
	eng.setSample(over)
	waitFor(t, "second soft breach event", func() bool { return len(sink.breaches()) >= 2 })
}

func TestGovernorIgnoresSandboxesWithoutContainers(t *testing.T) {
	t.Parallel()
	eng := newStatsEngine()
	sink := &breachSink{}
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

	cfg := governor.DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	gov := governor.New(cfg, eng, reg, lc, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gov.Run(ctx)

	eng.setStatus(engine.ContainerStatus{Running: false, OOMKilled: true})
	time.Sleep(50 * time.Millisecond)
	got, _ := reg.Get(sb.ID)
	if got.State != spec.StateRequested {
		t.Fatalf("containerless sandbox must be left alone, got %s", got.State)
	}
	if len(sink.breaches()) != 0 {
		t.Fatalf("unexpected breach events: %v", sink.breaches())
	}
}
