// Package lifecycle creates, reuses, and destroys sandbox containers through
// the container engine, applying the security profile at creation time.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/spec"
	"isolator/internal/isolator/workspace"
	appErr "isolator/pkg/errors"
	"isolator/pkg/utils/logger"
)

// Config controls container creation and reuse.
type Config struct {
	// NetworkName is the isolated bridge sandboxes attach to.
	NetworkName string
	// ContainerPrefix prefixes engine container names.
	ContainerPrefix string
	// WorkspaceMount is the in-container workspace path.
	WorkspaceMount string
	// IdleTTL is how long a released container may sit unused.
	IdleTTL time.Duration
	// CreateTimeout bounds one container create+start round trip.
	CreateTimeout time.Duration
	// StopTimeout is granted to the container on graceful stop.
	StopTimeout time.Duration
	// MaxConcurrentCreates caps simultaneous creation calls to the engine.
	MaxConcurrentCreates int64
	// Retry settings for transient engine failures.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// PullImages enables pulling images absent locally.
	PullImages bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NetworkName:          "isolator-net",
		ContainerPrefix:      "isolator-",
		WorkspaceMount:       "/workspace",
		IdleTTL:              30 * time.Minute,
		CreateTimeout:        60 * time.Second,
		StopTimeout:          5 * time.Second,
		MaxConcurrentCreates: 4,
		RetryAttempts:        3,
		RetryBaseDelay:       200 * time.Millisecond,
		RetryMaxDelay:        3 * time.Second,
		PullImages:           true,
	}
}

// Controller owns sandbox container lifecycle. All state lives in the
// registry; the controller itself is stateless apart from the creation
// semaphore.
type Controller struct {
	cfg    Config
	eng    engine.Engine
	reg    *registry.Registry
	ws     *workspace.Manager
	events spec.EventSink
	sem    *semaphore.Weighted
}

// NewController wires the controller. events may be nil.
func NewController(cfg Config, eng engine.Engine, reg *registry.Registry, ws *workspace.Manager, events spec.EventSink) *Controller {
	if cfg.MaxConcurrentCreates <= 0 {
		cfg.MaxConcurrentCreates = 4
	}
	if cfg.WorkspaceMount == "" {
		cfg.WorkspaceMount = "/workspace"
	}
	return &Controller{
		cfg:    cfg,
		eng:    eng,
		reg:    reg,
		ws:     ws,
		events: events,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentCreates),
	}
}

// Start prepares shared engine resources: the isolated bridge network.
func (c *Controller) Start(ctx context.Context) error {
	if c.cfg.NetworkName == "" {
		return nil
	}
	var id string
	err := c.withRetry(ctx, func() error {
		var err error
		id, err = c.eng.EnsureNetwork(ctx, c.cfg.NetworkName)
		return err
	})
	if err != nil {
		return appErr.Wrap(err, appErr.NetworkSetup).WithMessage("sandbox network setup failed")
	}
	logger.Info(ctx, "sandbox network ready", zap.String("network", c.cfg.NetworkName), zap.String("network_id", id))
	return nil
}

// CreateParams are the caller-supplied parts of a new sandbox.
type CreateParams struct {
	Owner   string
	Image   string
	Profile spec.SecurityProfile
	Limits  spec.ResourceLimits
}

// CreateSandbox registers a sandbox and allocates its workspace. The
// container itself is created lazily on first Acquire.
func (c *Controller) CreateSandbox(ctx context.Context, params CreateParams) (spec.Sandbox, error) {
	if params.Image == "" {
		return spec.Sandbox{}, appErr.ValidationError("image", "required")
	}
	if err := params.Profile.Validate(); err != nil {
		return spec.Sandbox{}, appErr.Wrap(err, appErr.InvalidProfile)
	}
	if params.Limits == (spec.ResourceLimits{}) {
		params.Limits = spec.DefaultResourceLimits()
	}
	if params.Limits.MemoryBytes <= 0 || params.Limits.PidsLimit <= 0 {
		return spec.Sandbox{}, appErr.New(appErr.InvalidLimits).WithMessage("memory and pids limits must be positive")
	}

	id := uuid.NewString()
	path, err := c.ws.Allocate(id)
	if err != nil {
		return spec.Sandbox{}, err
	}

	now := time.Now()
	sandbox := &spec.Sandbox{
		ID:             id,
		Owner:          params.Owner,
		Image:          params.Image,
		WorkspacePath:  path,
		State:          spec.StateRequested,
		Limits:         params.Limits,
		Profile:        params.Profile,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := c.reg.Create(sandbox); err != nil {
		_ = c.ws.Release(id)
		return spec.Sandbox{}, err
	}

	c.publish(ctx, spec.Event{
		Type:      spec.EventStateChanged,
		SandboxID: id,
		To:        spec.StateRequested,
		CreatedAt: now.Unix(),
	})
	logger.Info(ctx, "sandbox registered",
		zap.String("sandbox_id", id),
		zap.String("image", params.Image),
		zap.String("owner", params.Owner))
	snap, _ := c.reg.Get(id)
	return snap, nil
}

// Acquire returns a RUNNING container handle for the sandbox, reusing an
// IDLE container iff its image digest and profile hash still match, and
// creating one otherwise. Reuse never crosses sandboxes; the handle lives in
// this sandbox's own record.
func (c *Controller) Acquire(ctx context.Context, sandboxID string) (spec.ContainerHandle, error) {
	var handle spec.ContainerHandle
	err := c.reg.WithLock(ctx, sandboxID, func() error {
		var err error
		handle, err = c.acquireLocked(ctx, sandboxID)
		return err
	})
	return handle, err
}

// AcquireLocked is Acquire for callers that already hold the per-sandbox
// lock (the executor serializes commands through it).
func (c *Controller) AcquireLocked(ctx context.Context, sandboxID string) (spec.ContainerHandle, error) {
	return c.acquireLocked(ctx, sandboxID)
}

func (c *Controller) acquireLocked(ctx context.Context, sandboxID string) (spec.ContainerHandle, error) {
	sandbox, ok := c.reg.Get(sandboxID)
	if !ok {
		return spec.ContainerHandle{}, appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
	}

	switch sandbox.State {
	case spec.StateDestroyed, spec.StateTerminating:
		return spec.ContainerHandle{}, appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
	case spec.StateFailed:
		// A failed sandbox forces re-creation on next use.
		c.removeContainer(ctx, &sandbox)
	case spec.StateRunning, spec.StateIdle:
		if sandbox.Container != nil && c.reusable(ctx, &sandbox) {
			c.transition(ctx, sandboxID, sandbox.State, spec.StateRunning, "")
			_ = c.reg.Update(sandboxID, func(s *spec.Sandbox) { s.Touch() })
			return *sandbox.Container, nil
		}
		c.removeContainer(ctx, &sandbox)
	}

	handle, err := c.createContainer(ctx, sandboxID)
	if err != nil {
		c.transition(ctx, sandboxID, spec.StateCreating, spec.StateFailed, appErr.GetCode(err).Message())
		return spec.ContainerHandle{}, err
	}
	return handle, nil
}

// reusable verifies the recorded handle still matches the sandbox and the
// engine still reports the container running. The image tag may have moved
// since the container was created, so the digest is re-resolved and must
// match the recorded one.
func (c *Controller) reusable(ctx context.Context, sandbox *spec.Sandbox) bool {
	h := sandbox.Container
	if h.ProfileHash != sandbox.Profile.Hash() || h.Image != sandbox.Image {
		return false
	}
	if h.ImageDigest != "" {
		img, err := c.eng.ResolveImage(ctx, sandbox.Image, false)
		if err != nil || img.Digest != h.ImageDigest {
			return false
		}
	}
	status, err := c.eng.InspectContainer(ctx, h.ID)
	if err != nil || !status.Running {
		return false
	}
	return true
}

func (c *Controller) createContainer(ctx context.Context, sandboxID string) (spec.ContainerHandle, error) {
	sandbox, ok := c.reg.Get(sandboxID)
	if !ok {
		return spec.ContainerHandle{}, appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
	}
	c.transition(ctx, sandboxID, sandbox.State, spec.StateCreating, "")

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return spec.ContainerHandle{}, appErr.Wrap(err, appErr.Timeout).WithSandbox(sandboxID).
			WithMessage("waiting for creation slot")
	}
	defer c.sem.Release(1)

	createCtx := ctx
	if c.cfg.CreateTimeout > 0 {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithTimeout(ctx, c.cfg.CreateTimeout)
		defer cancel()
	}

	var img engine.ImageInfo
	err := c.withRetry(createCtx, func() error {
		var err error
		img, err = c.eng.ResolveImage(createCtx, sandbox.Image, c.cfg.PullImages)
		return err
	})
	if err != nil {
		return spec.ContainerHandle{}, wrapWithSandbox(err, sandboxID)
	}

	req := c.buildCreateRequest(&sandbox)
	var containerID string
	err = c.withRetry(createCtx, func() error {
		var err error
		containerID, err = c.eng.CreateContainer(createCtx, req)
		if err != nil {
			return err
		}
		if err := c.eng.StartContainer(createCtx, containerID); err != nil {
			_ = c.eng.RemoveContainer(context.WithoutCancel(createCtx), containerID, true)
			return err
		}
		return nil
	})
	if err != nil {
		return spec.ContainerHandle{}, wrapWithSandbox(err, sandboxID)
	}

	handle := spec.ContainerHandle{
		ID:          containerID,
		Image:       sandbox.Image,
		ImageDigest: img.Digest,
		ProfileHash: sandbox.Profile.Hash(),
		Network:     req.NetworkMode,
	}
	_ = c.reg.Update(sandboxID, func(s *spec.Sandbox) {
		s.Container = &handle
		s.Touch()
	})
	c.transition(ctx, sandboxID, spec.StateCreating, spec.StateRunning, "")
	logger.Info(ctx, "container created",
		zap.String("sandbox_id", sandboxID),
		zap.String("container_id", containerID),
		zap.String("image_digest", img.Digest))
	return handle, nil
}

func (c *Controller) buildCreateRequest(sandbox *spec.Sandbox) engine.CreateRequest {
	profile := sandbox.Profile
	networkMode := "none"
	if profile.NetworkEnabled && c.cfg.NetworkName != "" {
		networkMode = c.cfg.NetworkName
	}
	return engine.CreateRequest{
		Name:       c.cfg.ContainerPrefix + sandbox.ID,
		Image:      sandbox.Image,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		WorkingDir: c.cfg.WorkspaceMount,
		Env: []string{
			"WORKSPACE_ID=" + sandbox.ID,
			"LANG=C.UTF-8",
		},
		Labels: map[string]string{
			engine.LabelKey: sandbox.ID,
		},
		Binds:           []string{fmt.Sprintf("%s:%s:rw", sandbox.WorkspacePath, c.cfg.WorkspaceMount)},
		CapAdd:          profile.CapAdd,
		NoNewPrivileges: profile.NoNewPrivileges,
		ReadOnlyRootfs:  profile.ReadOnlyRootfs,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=" + profile.TmpfsSize,
		},
		SeccompProfile: profile.SeccompProfile,
		NetworkMode:    networkMode,
		NanoCPUs:       sandbox.Limits.NanoCPUs,
		MemoryBytes:    sandbox.Limits.MemoryBytes,
		PidsLimit:      sandbox.Limits.PidsLimit,
	}
}

// Release transitions RUNNING to IDLE and restarts the idle clock. The
// container keeps running so a later Acquire inside the TTL reuses it.
func (c *Controller) Release(ctx context.Context, sandboxID string) error {
	return c.reg.WithLock(ctx, sandboxID, func() error {
		sandbox, ok := c.reg.Get(sandboxID)
		if !ok {
			return appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
		}
		if sandbox.State != spec.StateRunning {
			return nil
		}
		_ = c.reg.Update(sandboxID, func(s *spec.Sandbox) { s.Touch() })
		c.transition(ctx, sandboxID, spec.StateRunning, spec.StateIdle, "")
		return nil
	})
}

// Destroy forces removal regardless of state and releases the workspace.
// Destroying an unknown sandbox returns SandboxNotFound as a value so
// repeated deletes stay idempotent.
func (c *Controller) Destroy(ctx context.Context, sandboxID string) error {
	if _, ok := c.reg.Get(sandboxID); !ok {
		return appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
	}
	return c.reg.WithLock(ctx, sandboxID, func() error {
		sandbox, ok := c.reg.Get(sandboxID)
		if !ok {
			return appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
		}
		c.transition(ctx, sandboxID, sandbox.State, spec.StateTerminating, "")
		c.removeContainer(ctx, &sandbox)
		if err := c.ws.Release(sandboxID); err != nil {
			logger.Warn(ctx, "workspace release failed",
				zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
		c.transition(ctx, sandboxID, spec.StateTerminating, spec.StateDestroyed, "")
		c.reg.Delete(sandboxID)
		logger.Info(ctx, "sandbox destroyed", zap.String("sandbox_id", sandboxID))
		return nil
	})
}

// MarkFailed records an engine-enforced failure (governor calls this on a
// hard limit breach). The container is removed; next Acquire recreates.
func (c *Controller) MarkFailed(ctx context.Context, sandboxID, reason string) error {
	return c.reg.WithLock(ctx, sandboxID, func() error {
		sandbox, ok := c.reg.Get(sandboxID)
		if !ok {
			return appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
		}
		if sandbox.State == spec.StateDestroyed || sandbox.State == spec.StateFailed {
			return nil
		}
		c.removeContainer(ctx, &sandbox)
		_ = c.reg.Update(sandboxID, func(s *spec.Sandbox) { s.FailureReason = reason })
		c.transition(ctx, sandboxID, sandbox.State, spec.StateFailed, reason)
		return nil
	})
}

// IdleTTL exposes the configured idle TTL to the reaper.
func (c *Controller) IdleTTL() time.Duration {
	return c.cfg.IdleTTL
}

// removeContainer best-effort stops and removes the sandbox's container and
// clears the handle. Callers hold the per-sandbox lock.
func (c *Controller) removeContainer(ctx context.Context, sandbox *spec.Sandbox) {
	if sandbox.Container == nil {
		return
	}
	id := sandbox.Container.ID
	_ = c.eng.StopContainer(ctx, id, c.cfg.StopTimeout)
	if err := c.eng.RemoveContainer(ctx, id, true); err != nil && !appErr.Is(err, appErr.NotFound) {
		logger.Warn(ctx, "container remove failed",
			zap.String("sandbox_id", sandbox.ID),
			zap.String("container_id", id),
			zap.Error(err))
	}
	sandbox.Container = nil
	_ = c.reg.Update(sandbox.ID, func(s *spec.Sandbox) { s.Container = nil })
}

func (c *Controller) transition(ctx context.Context, sandboxID string, from, to spec.State, reason string) {
	_ = c.reg.Update(sandboxID, func(s *spec.Sandbox) {
		s.State = to
		switch {
		case reason != "":
			s.FailureReason = reason
		case to == spec.StateRunning:
			// A stale reason from a previous failure must not survive a
			// successful recreation.
			s.FailureReason = ""
		}
	})
	c.publish(ctx, spec.Event{
		Type:      spec.EventStateChanged,
		SandboxID: sandboxID,
		From:      from,
		To:        to,
		Reason:    reason,
		CreatedAt: time.Now().Unix(),
	})
}

func (c *Controller) publish(ctx context.Context, ev spec.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, ev); err != nil {
		logger.Warn(ctx, "event publish failed",
			zap.String("sandbox_id", ev.SandboxID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
	}
}

// withRetry retries fn with bounded exponential backoff, but only for
// transient engine failures. Permanent errors surface immediately.
func (c *Controller) withRetry(ctx context.Context, fn func() error) error {
	attempts := c.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !appErr.Is(err, appErr.EngineUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return appErr.Wrap(ctx.Err(), appErr.Timeout)
		}
		delay *= 2
		if c.cfg.RetryMaxDelay > 0 && delay > c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
	}
	return err
}

func wrapWithSandbox(err error, sandboxID string) error {
	if e := appErr.GetError(err); e != nil {
		return e.WithSandbox(sandboxID)
	}
	return appErr.Wrap(err, appErr.EngineError).WithSandbox(sandboxID)
}
