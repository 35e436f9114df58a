// Package reaper reclaims idle, expired, and orphaned sandboxes in a
// periodic background sweep, and reconciles engine state at startup after
// an unclean shutdown.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/spec"
	"isolator/internal/isolator/terminal"
	"isolator/internal/isolator/workspace"
	"isolator/pkg/utils/logger"
)

// Config controls sweep timing.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// StopTimeout granted to orphaned containers during reconciliation.
	StopTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		StopTimeout: 5 * time.Second,
	}
}

// Reaper sweeps the registry and the engine.
type Reaper struct {
	cfg   Config
	eng   engine.Engine
	reg   *registry.Registry
	lc    *lifecycle.Controller
	ws    *workspace.Manager
	terms *terminal.Manager
}

// New wires the reaper. terms may be nil when no terminal gateway runs.
func New(cfg Config, eng engine.Engine, reg *registry.Registry, lc *lifecycle.Controller, ws *workspace.Manager, terms *terminal.Manager) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reaper{cfg: cfg, eng: eng, reg: reg, lc: lc, ws: ws, terms: terms}
}

// Run reconciles once at startup, then sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if err := r.Reconcile(ctx); err != nil {
		logger.Error(ctx, "startup reconciliation failed", zap.Error(err))
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Reconcile destroys engine containers that carry the isolator label but are
// unknown to the registry, and removes workspace directories no live sandbox
// owns. This is the crash-recovery path; corrupted in-memory state is never
// repaired in place.
func (r *Reaper) Reconcile(ctx context.Context) error {
	containers, err := r.eng.ListContainers(ctx, engine.LabelKey)
	if err != nil {
		return err
	}
	removed := 0
	for _, c := range containers {
		sandboxID := c.Labels[engine.LabelKey]
		if r.isTracked(sandboxID, c.ID) {
			continue
		}
		_ = r.eng.StopContainer(ctx, c.ID, r.cfg.StopTimeout)
		if err := r.eng.RemoveContainer(ctx, c.ID, true); err != nil {
			logger.Warn(ctx, "orphan container remove failed",
				zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		removed++
		logger.Info(ctx, "orphan container removed",
			zap.String("container_id", c.ID),
			zap.String("sandbox_id", sandboxID))
	}

	orphans, err := r.ws.Orphans()
	if err != nil {
		return err
	}
	for _, id := range orphans {
		if _, ok := r.reg.Get(id); ok {
			continue
		}
		if _, err := r.ws.Adopt(id); err != nil {
			continue
		}
		if err := r.ws.Release(id); err != nil {
			logger.Warn(ctx, "orphan workspace remove failed",
				zap.String("sandbox_id", id), zap.Error(err))
			continue
		}
		logger.Info(ctx, "orphan workspace removed", zap.String("sandbox_id", id))
	}

	if removed > 0 {
		logger.Info(ctx, "reconciliation complete", zap.Int("containers_removed", removed))
	}
	return nil
}

func (r *Reaper) isTracked(sandboxID, containerID string) bool {
	if sandboxID == "" {
		return false
	}
	sandbox, ok := r.reg.Get(sandboxID)
	if !ok {
		return false
	}
	return sandbox.Container != nil && sandbox.Container.ID == containerID
}

// Sweep destroys sandboxes idle beyond the lifecycle controller's TTL and
// expires stale terminal sessions.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := time.Now()
	ttl := r.lc.IdleTTL()
	destroyed := 0
	for _, sandbox := range r.reg.List() {
		if ttl <= 0 || sandbox.IdleSince(now) <= ttl {
			continue
		}
		switch sandbox.State {
		case spec.StateIdle, spec.StateRunning, spec.StateFailed, spec.StateRequested:
		default:
			continue
		}
		if r.terms != nil {
			r.terms.Close(sandbox.ID)
		}
		if err := r.lc.Destroy(ctx, sandbox.ID); err != nil {
			logger.Warn(ctx, "idle sandbox destroy failed",
				zap.String("sandbox_id", sandbox.ID), zap.Error(err))
			continue
		}
		destroyed++
		logger.Info(ctx, "idle sandbox reclaimed",
			zap.String("sandbox_id", sandbox.ID),
			zap.Duration("idle", sandbox.IdleSince(now)))
	}
	if r.terms != nil {
		r.terms.Sweep(now)
	}
	return destroyed
}
