package lifecycle_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/spec"
	"isolator/internal/isolator/workspace"
	appErr "isolator/pkg/errors"
)

// fakeEngine records calls and serves canned responses.
type fakeEngine struct {
	mu sync.Mutex

	createCalls  int
	removeCalls  int
	resolveErrs  []error
	running      map[string]bool
	createErr    error
	nextID       int
	lastRequest  engine.CreateRequest
	removedIDs   []string
	networkCalls int
	digest       string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: make(map[string]bool)}
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) ResolveImage(ctx context.Context, ref string, pull bool) (engine.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.resolveErrs) > 0 {
		err := f.resolveErrs[0]
		f.resolveErrs = f.resolveErrs[1:]
		if err != nil {
			return engine.ImageInfo{}, err
		}
	}
	digest := f.digest
	if digest == "" {
		digest = "sha256:" + ref
	}
	return engine.ImageInfo{Ref: ref, Digest: digest}, nil
}

func (f *fakeEngine) EnsureNetwork(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networkCalls++
	return "net-" + name, nil
}

func (f *fakeEngine) CreateContainer(ctx context.Context, req engine.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastRequest = req
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.running[id] = true
	return id, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error { return nil }

func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	f.removedIDs = append(f.removedIDs, id)
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) ListContainers(ctx context.Context, labelKey string) ([]engine.ContainerInfo, error) {
	return nil, nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, id string) (engine.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[id]
	if !ok {
		return engine.ContainerStatus{}, appErr.New(appErr.NotFound)
	}
	return engine.ContainerStatus{Running: running}, nil
}

func (f *fakeEngine) CreateExec(ctx context.Context, containerID string, cfg engine.ExecConfig) (string, error) {
	return "", appErr.New(appErr.ExecFailed)
}

func (f *fakeEngine) AttachExec(ctx context.Context, execID string, tty bool) (engine.ExecStream, error) {
	return nil, appErr.New(appErr.ExecFailed)
}

func (f *fakeEngine) InspectExec(ctx context.Context, execID string) (engine.ExecStatus, error) {
	return engine.ExecStatus{}, appErr.New(appErr.ExecFailed)
}

func (f *fakeEngine) ResizeExec(ctx context.Context, execID string, height, width uint) error {
	return nil
}

func (f *fakeEngine) Stats(ctx context.Context, containerID string) (engine.StatsSample, error) {
	return engine.StatsSample{}, io.EOF
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeEngine) markStopped(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
}

func (f *fakeEngine) setDigest(digest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digest = digest
}

// recordingSink captures published events.
type recordingSink struct {
	mu     sync.Mutex
	events []spec.Event
}

func (r *recordingSink) Publish(ctx context.Context, ev spec.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) transitions() []spec.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []spec.State
	for _, ev := range r.events {
		if ev.Type == spec.EventStateChanged {
			out = append(out, ev.To)
		}
	}
	return out
}

func newTestController(t *testing.T, eng engine.Engine, sink spec.EventSink) (*lifecycle.Controller, *registry.Registry, *workspace.Manager) {
	t.Helper()
	ws, err := workspace.NewManager(workspace.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	reg := registry.New()
	cfg := lifecycle.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return lifecycle.NewController(cfg, eng, reg, ws, sink), reg, ws
}

func TestCreateSandboxDefaultsAndRegisters(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	sink := &recordingSink{}
	lc, reg, _ := newTestController(t, eng, sink)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Owner:   "alice",
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}
	if sb.State != spec.StateRequested {
		t.Fatalf("expected REQUESTED, got %s", sb.State)
	}
	if sb.Limits != spec.DefaultResourceLimits() {
		t.Fatalf("expected default limits, got %+v", sb.Limits)
	}
	if sb.WorkspacePath == "" {
		t.Fatalf("expected workspace path to be set")
	}
	if _, err := os.Stat(sb.WorkspacePath); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}
	if _, ok := reg.Get(sb.ID); !ok {
		t.Fatalf("sandbox not registered")
	}
	if eng.creates() != 0 {
		t.Fatalf("container must not be created eagerly")
	}
	got := sink.transitions()
	if len(got) != 1 || got[0] != spec.StateRequested {
		t.Fatalf("unexpected transitions: %v", got)
	}
}

func TestCreateSandboxValidation(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	lc, _, _ := newTestController(t, eng, nil)

	_, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{Profile: spec.DefaultSecurityProfile()})
	if !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected invalid params for empty image, got %v", err)
	}

	bad := spec.DefaultSecurityProfile()
	bad.CapAdd = []string{"SYS_ADMIN"}
	_, err = lc.CreateSandbox(context.Background(), lifecycle.CreateParams{Image: "img", Profile: bad})
	if !appErr.Is(err, appErr.InvalidProfile) {
		t.Fatalf("expected invalid profile, got %v", err)
	}

	_, err = lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "img",
		Profile: spec.DefaultSecurityProfile(),
		Limits:  spec.ResourceLimits{NanoCPUs: 1, MemoryBytes: -1, PidsLimit: 10},
	})
	if !appErr.Is(err, appErr.InvalidLimits) {
		t.Fatalf("expected invalid limits, got %v", err)
	}
}

func TestAcquireCreatesContainerLazilyAndReuses(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	sink := &recordingSink{}
	lc, reg, _ := newTestController(t, eng, sink)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}

	handle, err := lc.Acquire(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if handle.ID == "" || handle.ImageDigest == "" {
		t.Fatalf("incomplete handle: %+v", handle)
	}
	if handle.ProfileHash != sb.Profile.Hash() {
		t.Fatalf("handle profile hash mismatch")
	}
	got, _ := reg.Get(sb.ID)
	if got.State != spec.StateRunning {
		t.Fatalf("expected RUNNING, got %s", got.State)
	}

	again, err := lc.Acquire(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if again.ID != handle.ID {
		t.Fatalf("expected reuse of %s, got %s", handle.ID, again.ID)
	}
	if eng.creates() != 1 {
		t.Fatalf("expected one container creation, got %d", eng.creates())
	}
}

func TestAcquireRecreatesDeadContainer(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	lc, _, _ := newTestController(t, eng, nil)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}
	first, err := lc.Acquire(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	eng.markStopped(first.ID)
	second, err := lc.Acquire(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("acquire after stop failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh container after the old one died")
	}
	if eng.creates() != 2 {
		t.Fatalf("expected two container creations, got %d", eng.creates())
	}
}

func TestAcquireRecreatesWhenImageDigestMoves(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	lc, _, _ := newTestController(t, eng, nil)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}
	first, err := lc.Acquire(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// The tag now points at a different build. The old container still runs
	// but must not be handed out again.
	eng.setDigest("sha256:rebuilt")
	second, err := lc.Acquire(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("acquire after digest move failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("stale container reused after the image tag moved")
	}
	if second.ImageDigest != "sha256:rebuilt" {
		t.Fatalf("new handle carries stale digest: %q", second.ImageDigest)
	}
	if eng.creates() != 2 {
		t.Fatalf("expected two container creations, got %d", eng.creates())
	}
}

func TestConcurrentAcquireCreatesOnce(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	lc, _, _ := newTestController(t, eng, nil)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	handles := make([]spec.ContainerHandle, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = lc.Acquire(context.Background(), sb.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("acquire %d failed: %v", i, errs[i])
		}
		if handles[i].ID != handles[0].ID {
			t.Fatalf("acquire %d got %s, acquire 0 got %s", i, handles[i].ID, handles[0].ID)
		}
	}
	if eng.creates() != 1 {
		t.Fatalf("expected exactly one container creation, got %d", eng.creates())
	}
}

func TestAcquireUnknownSandbox(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	lc, _, _ := newTestController(t, eng, nil)
	if _, err := lc.Acquire(context.Background(), "nope"); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected sandbox not found, got %v", err)
	}
}

func TestReleaseTransitionsToIdle(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	lc, reg, _ := newTestController(t, eng, nil)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}
	if _, err := lc.Acquire(context.Background(), sb.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := lc.Release(context.Background(), sb.ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	got, _ := reg.Get(sb.ID)
	if got.State != spec.StateIdle {
		t.Fatalf("expected IDLE, got %s", got.State)
	}
	// Releasing an already idle sandbox is a no-op.
	if err := lc.Release(context.Background(), sb.ID); err != nil {
		t.Fatalf("second release failed: %v", err)
	}
}

func TestDestroyRemovesEverything(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	lc, reg, _ := newTestController(t, eng, nil)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}
	handle, err := lc.Acquire(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := lc.Destroy(context.Background(), sb.ID); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if _, ok := reg.Get(sb.ID); ok {
		t.Fatalf("sandbox still registered after destroy")
	}
	if _, err := os.Stat(sb.WorkspacePath); !os.IsNotExist(err) {
		t.Fatalf("workspace still on disk after destroy")
	}
	eng.mu.Lock()
	removed := append([]string(nil), eng.removedIDs...)
	eng.mu.Unlock()
	if len(removed) != 1 || removed[0] != handle.ID {
		t.Fatalf("unexpected removed containers: %v", removed)
	}

	if err := lc.Destroy(context.Background(), sb.ID); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected sandbox not found on second destroy, got %v", err)
	}
}

func TestMarkFailedThenAcquireRecreates(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	lc, reg, _ := newTestController(t, eng, nil)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}
	first, err := lc.Acquire(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := lc.MarkFailed(context.Background(), sb.ID, "memory limit exceeded"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := reg.Get(sb.ID)
	if got.State != spec.StateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if got.FailureReason != "memory limit exceeded" {
		t.Fatalf("unexpected failure reason: %q", got.FailureReason)
	}
	if got.Container != nil {
		t.Fatalf("container handle should be cleared on failure")
	}

	second, err := lc.Acquire(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh container after failure")
	}
	got, _ = reg.Get(sb.ID)
	if got.State != spec.StateRunning {
		t.Fatalf("expected RUNNING after recreation, got %s", got.State)
	}
	if got.FailureReason != "" {
		t.Fatalf("failure reason survived recreation: %q", got.FailureReason)
	}
}

func TestAcquireRetriesTransientEngineFailures(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.resolveErrs = []error{
		appErr.New(appErr.EngineUnavailable),
		appErr.New(appErr.EngineUnavailable),
		nil,
	}
	lc, _, _ := newTestController(t, eng, nil)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}
	if _, err := lc.Acquire(context.Background(), sb.ID); err != nil {
		t.Fatalf("acquire should survive transient failures: %v", err)
	}
}

func TestAcquireFailureMarksSandboxFailed(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.createErr = appErr.New(appErr.ImageNotFound)
	lc, reg, _ := newTestController(t, eng, nil)

	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "ghost:latest",
		Profile: spec.DefaultSecurityProfile(),
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}
	if _, err := lc.Acquire(context.Background(), sb.ID); !appErr.Is(err, appErr.ImageNotFound) {
		t.Fatalf("expected image not found, got %v", err)
	}
	got, _ := reg.Get(sb.ID)
	if got.State != spec.StateFailed {
		t.Fatalf("expected FAILED after create error, got %s", got.State)
	}
}

func TestBuildCreateRequestAppliesProfile(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	lc, _, _ := newTestController(t, eng, nil)

	profile := spec.DefaultSecurityProfile()
	profile.NetworkEnabled = false
	sb, err := lc.CreateSandbox(context.Background(), lifecycle.CreateParams{
		Image:   "python:3.12-slim",
		Profile: profile,
		Limits:  spec.ResourceLimits{NanoCPUs: 2_000_000_000, MemoryBytes: 256 << 20, PidsLimit: 64},
	})
	if err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}
	if _, err := lc.Acquire(context.Background(), sb.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	eng.mu.Lock()
	req := eng.lastRequest
	eng.mu.Unlock()
	if req.NetworkMode != "none" {
		t.Fatalf("expected network mode none, got %q", req.NetworkMode)
	}
	if !req.ReadOnlyRootfs || !req.NoNewPrivileges {
		t.Fatalf("rootfs and privilege restrictions not applied: %+v", req)
	}
	if req.NanoCPUs != 2_000_000_000 || req.MemoryBytes != 256<<20 || req.PidsLimit != 64 {
		t.Fatalf("limits not applied: %+v", req)
	}
	if req.Labels[engine.LabelKey] != sb.ID {
		t.Fatalf("ownership label missing: %v", req.Labels)
	}
	if len(req.Binds) != 1 {
		t.Fatalf("expected one workspace bind, got %v", req.Binds)
	}
}
