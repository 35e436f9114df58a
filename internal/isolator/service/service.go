// Package service is the application facade: it composes the lifecycle
// controller, executor, terminal manager, workspace manager and the external
// store behind the operations the API surface exposes.
package service

import (
	"context"
	"fmt"
	"time"

	"isolator/internal/isolator/executor"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/repository"
	"isolator/internal/isolator/spec"
	"isolator/internal/isolator/terminal"
	"isolator/internal/isolator/workspace"
	appErr "isolator/pkg/errors"
	"isolator/pkg/utils/logger"

	"go.uber.org/zap"
)

const persistTimeout = 3 * time.Second

// Pinger checks one backing component.
type Pinger func(ctx context.Context) error

// Config holds service dependencies.
type Config struct {
	Lifecycle *lifecycle.Controller
	Executor  *executor.Executor
	Terminals *terminal.Manager
	Registry  *registry.Registry
	Workspace *workspace.Manager

	// Repo is optional; when nil the service runs without external metadata.
	Repo *repository.SandboxRepository

	// Pingers are consulted by Health, keyed by component name.
	Pingers map[string]Pinger

	// DefaultLimits apply when a create request carries none.
	DefaultLimits spec.ResourceLimits

	// MaxFileReadBytes caps file reads through the API.
	MaxFileReadBytes int64
}

// Service exposes sandbox operations to the transport layer.
type Service struct {
	lc        *lifecycle.Controller
	exec      *executor.Executor
	terminals *terminal.Manager
	reg       *registry.Registry
	ws        *workspace.Manager
	repo      *repository.SandboxRepository
	pingers   map[string]Pinger

	defaultLimits    spec.ResourceLimits
	maxFileReadBytes int64
}

// New creates the service facade.
func New(cfg Config) (*Service, error) {
	if cfg.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle controller is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if cfg.MaxFileReadBytes <= 0 {
		cfg.MaxFileReadBytes = 1 << 20
	}
	if cfg.DefaultLimits == (spec.ResourceLimits{}) {
		cfg.DefaultLimits = spec.DefaultResourceLimits()
	}
	return &Service{
		lc:               cfg.Lifecycle,
		exec:             cfg.Executor,
		terminals:        cfg.Terminals,
		reg:              cfg.Registry,
		ws:               cfg.Workspace,
		repo:             cfg.Repo,
		pingers:          cfg.Pingers,
		defaultLimits:    cfg.DefaultLimits,
		maxFileReadBytes: cfg.MaxFileReadBytes,
	}, nil
}

// CreateInput describes a sandbox creation request.
type CreateInput struct {
	Owner   string
	Image   string
	Profile *spec.SecurityProfile
	Limits  *spec.ResourceLimits
}

// Create registers a new sandbox. The container is not started here; it comes
// up lazily on first use.
func (s *Service) Create(ctx context.Context, input CreateInput) (spec.Sandbox, error) {
	profile := spec.DefaultSecurityProfile()
	if input.Profile != nil {
		profile = *input.Profile
	}
	limits := s.defaultLimits
	if input.Limits != nil {
		limits = *input.Limits
		if limits.NanoCPUs <= 0 {
			limits.NanoCPUs = s.defaultLimits.NanoCPUs
		}
		if limits.MemoryBytes <= 0 {
			limits.MemoryBytes = s.defaultLimits.MemoryBytes
		}
		if limits.PidsLimit <= 0 {
			limits.PidsLimit = s.defaultLimits.PidsLimit
		}
	}
	sandbox, err := s.lc.CreateSandbox(ctx, lifecycle.CreateParams{
		Owner:   input.Owner,
		Image:   input.Image,
		Profile: profile,
		Limits:  limits,
	})
	if err != nil {
		return spec.Sandbox{}, err
	}
	s.persistSnapshot(ctx, sandbox)
	logger.Info(ctx, "sandbox created",
		zap.String("sandbox_id", sandbox.ID),
		zap.String("image", sandbox.Image))
	return sandbox, nil
}

// Delete tears a sandbox down. Deleting an unknown sandbox succeeds.
func (s *Service) Delete(ctx context.Context, sandboxID string) error {
	if sandboxID == "" {
		return appErr.ValidationError("sandbox_id", "required")
	}
	if s.terminals != nil {
		s.terminals.Close(sandboxID)
	}
	if err := s.lc.Destroy(ctx, sandboxID); err != nil {
		if appErr.Is(err, appErr.SandboxNotFound) {
			return nil
		}
		return err
	}
	if s.repo != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.repo.DeleteSnapshot(pctx, sandboxID); err != nil {
			logger.Warn(ctx, "delete sandbox snapshot failed",
				zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
	}
	logger.Info(ctx, "sandbox deleted", zap.String("sandbox_id", sandboxID))
	return nil
}

// Exec runs a command in the sandbox and returns the captured result. The
// sandbox goes back to idle afterwards unless another command holds it.
func (s *Service) Exec(ctx context.Context, sandboxID string, req executor.Request) (spec.CommandExecution, error) {
	record, err := s.exec.Execute(ctx, sandboxID, req)
	if err != nil && !appErr.Is(err, appErr.TimedOut) {
		return record, err
	}

	if relErr := s.lc.Release(ctx, sandboxID); relErr != nil {
		logger.Warn(ctx, "release after exec failed",
			zap.String("sandbox_id", sandboxID), zap.Error(relErr))
	}
	s.persistExecution(ctx, record)
	if sandbox, ok := s.reg.Get(sandboxID); ok {
		s.persistSnapshot(ctx, sandbox)
	}
	return record, err
}

// Status returns the live view of a sandbox, falling back to the last
// persisted snapshot for sandboxes this process no longer tracks.
func (s *Service) Status(ctx context.Context, sandboxID string) (spec.Sandbox, error) {
	if sandboxID == "" {
		return spec.Sandbox{}, appErr.ValidationError("sandbox_id", "required")
	}
	if sandbox, ok := s.reg.Get(sandboxID); ok {
		return sandbox, nil
	}
	if s.repo != nil {
		snapshot, err := s.repo.GetSnapshot(ctx, sandboxID)
		if err == nil {
			return snapshot, nil
		}
		if !appErr.Is(err, appErr.RecordNotFound) {
			logger.Warn(ctx, "read sandbox snapshot failed",
				zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
	}
	return spec.Sandbox{}, appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
}

// List returns all sandboxes this process tracks, sorted by id.
func (s *Service) List(ctx context.Context) []spec.Sandbox {
	return s.reg.List()
}

// AttachTerminal bridges a terminal client to the sandbox's shell. It blocks
// until the client disconnects or the session ends.
func (s *Service) AttachTerminal(ctx context.Context, sandboxID string, client terminal.Client, readOnly bool) error {
	if s.terminals == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("terminal support is not configured")
	}
	return s.terminals.Attach(ctx, sandboxID, client, readOnly)
}

// TerminalBusy reports whether the sandbox's terminal already has a writer.
func (s *Service) TerminalBusy(sandboxID string) bool {
	return s.terminals != nil && s.terminals.WriterAttached(sandboxID)
}

// Shutdown destroys every sandbox this process still tracks. The HTTP server
// is already drained when this runs, so each teardown owns its sandbox.
func (s *Service) Shutdown(ctx context.Context) {
	for _, sandbox := range s.reg.List() {
		if err := ctx.Err(); err != nil {
			logger.Warn(ctx, "shutdown cleanup cut short",
				zap.Int("remaining", s.reg.Len()), zap.Error(err))
			return
		}
		if err := s.Delete(ctx, sandbox.ID); err != nil {
			logger.Warn(ctx, "shutdown teardown failed",
				zap.String("sandbox_id", sandbox.ID), zap.Error(err))
		}
	}
}

// HealthReport describes the state of the isolator and its dependencies.
type HealthReport struct {
	Status     string            `json:"status"`
	Sandboxes  int               `json:"sandboxes"`
	Components map[string]string `json:"components"`
}

// Health pings each backing component. Status is degraded when any fails.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:     "ok",
		Sandboxes:  s.reg.Len(),
		Components: make(map[string]string, len(s.pingers)),
	}
	for name, ping := range s.pingers {
		if err := ping(ctx); err != nil {
			report.Components[name] = err.Error()
			report.Status = "degraded"
			continue
		}
		report.Components[name] = "ok"
	}
	return report
}

func (s *Service) persistSnapshot(ctx context.Context, sandbox spec.Sandbox) {
	if s.repo == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.repo.SaveSnapshot(pctx, sandbox); err != nil {
		logger.Warn(ctx, "save sandbox snapshot failed",
			zap.String("sandbox_id", sandbox.ID), zap.Error(err))
	}
}

func (s *Service) persistExecution(ctx context.Context, record spec.CommandExecution) {
	if s.repo == nil || record.ID == "" {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.repo.RecordExecution(pctx, record); err != nil {
		logger.Warn(ctx, "record execution failed",
			zap.String("sandbox_id", record.SandboxID),
			zap.String("execution_id", record.ID),
			zap.Error(err))
	}
}
