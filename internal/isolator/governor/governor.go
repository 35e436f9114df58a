// Package governor samples per-container resource usage on a fixed interval
// and reacts to limit breaches. Soft breaches only emit events; hard
// breaches are enforced by the engine and observed here, failing the
// sandbox so its next use recreates the container.
package governor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/spec"
	"isolator/pkg/utils/logger"
)

// Config controls sampling.
type Config struct {
	// Interval between sampling rounds.
	Interval time.Duration
	// SoftMemoryRatio of the memory limit that counts as a soft breach.
	SoftMemoryRatio float64
	// SoftPidsRatio of the pids limit that counts as a soft breach.
	SoftPidsRatio float64
	// SoftCPUPercent of one core above which a soft breach is reported.
	SoftCPUPercent float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		SoftMemoryRatio: 0.9,
		SoftPidsRatio:   0.9,
		SoftCPUPercent:  95,
	}
}

// FailureResourceLimit is the recorded reason for engine-enforced kills.
const FailureResourceLimit = "ResourceLimitExceeded"

// Governor watches running containers.
type Governor struct {
	cfg    Config
	eng    engine.Engine
	reg    *registry.Registry
	lc     *lifecycle.Controller
	events spec.EventSink

	// inBreach dedups soft-breach events while a sandbox stays over the
	// threshold.
	inBreach map[string]bool
}

// New wires the governor. events may be nil.
func New(cfg Config, eng engine.Engine, reg *registry.Registry, lc *lifecycle.Controller, events spec.EventSink) *Governor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Governor{
		cfg:      cfg,
		eng:      eng,
		reg:      reg,
		lc:       lc,
		events:   events,
		inBreach: make(map[string]bool),
	}
}

// Run samples until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *Governor) sweep(ctx context.Context) {
	for _, sandbox := range g.reg.List() {
		if sandbox.Container == nil || !sandbox.State.Active() {
			continue
		}
		g.inspect(ctx, sandbox)
	}
}

func (g *Governor) inspect(ctx context.Context, sandbox spec.Sandbox) {
	status, err := g.eng.InspectContainer(ctx, sandbox.Container.ID)
	if err != nil {
		logger.Debug(ctx, "governor inspect failed",
			zap.String("sandbox_id", sandbox.ID), zap.Error(err))
		return
	}
	if status.OOMKilled || (!status.Running && sandbox.State == spec.StateRunning) {
		reason := FailureResourceLimit
		if !status.OOMKilled {
			reason = fmt.Sprintf("container exited unexpectedly with code %d", status.ExitCode)
		}
		logger.Warn(ctx, "hard limit breach observed",
			zap.String("sandbox_id", sandbox.ID),
			zap.Bool("oom_killed", status.OOMKilled),
			zap.String("reason", reason))
		g.publish(ctx, spec.Event{
			Type:      spec.EventResourceBreach,
			SandboxID: sandbox.ID,
			Reason:    reason,
			Details:   map[string]string{"severity": "hard"},
			CreatedAt: time.Now().Unix(),
		})
		if err := g.lc.MarkFailed(ctx, sandbox.ID, reason); err != nil {
			logger.Warn(ctx, "mark failed errored",
				zap.String("sandbox_id", sandbox.ID), zap.Error(err))
		}
		delete(g.inBreach, sandbox.ID)
		return
	}
	if !status.Running {
		return
	}

	sample, err := g.eng.Stats(ctx, sandbox.Container.ID)
	if err != nil {
		logger.Debug(ctx, "governor stats failed",
			zap.String("sandbox_id", sandbox.ID), zap.Error(err))
		return
	}
	g.checkSoft(ctx, sandbox, sample)
}

func (g *Governor) checkSoft(ctx context.Context, sandbox spec.Sandbox, sample engine.StatsSample) {
	var reasons []string
	if g.cfg.SoftMemoryRatio > 0 && sandbox.Limits.MemoryBytes > 0 {
		if float64(sample.MemoryBytes) >= g.cfg.SoftMemoryRatio*float64(sandbox.Limits.MemoryBytes) {
			reasons = append(reasons, fmt.Sprintf("memory %d of %d", sample.MemoryBytes, sandbox.Limits.MemoryBytes))
		}
	}
	if g.cfg.SoftPidsRatio > 0 && sandbox.Limits.PidsLimit > 0 {
		if float64(sample.Pids) >= g.cfg.SoftPidsRatio*float64(sandbox.Limits.PidsLimit) {
			reasons = append(reasons, fmt.Sprintf("pids %d of %d", sample.Pids, sandbox.Limits.PidsLimit))
		}
	}
	if g.cfg.SoftCPUPercent > 0 && sample.CPUPercent >= g.cfg.SoftCPUPercent {
		reasons = append(reasons, fmt.Sprintf("cpu %.1f%%", sample.CPUPercent))
	}

	if len(reasons) == 0 {
		delete(g.inBreach, sandbox.ID)
		return
	}
	if g.inBreach[sandbox.ID] {
		return
	}
	g.inBreach[sandbox.ID] = true

	logger.Warn(ctx, "soft limit breach",
		zap.String("sandbox_id", sandbox.ID),
		zap.Strings("reasons", reasons))
	g.publish(ctx, spec.Event{
		Type:      spec.EventResourceBreach,
		SandboxID: sandbox.ID,
		Reason:    reasons[0],
		Details:   map[string]string{"severity": "soft"},
		CreatedAt: time.Now().Unix(),
	})
}

func (g *Governor) publish(ctx context.Context, ev spec.Event) {
	if g.events == nil {
		return
	}
	if err := g.events.Publish(ctx, ev); err != nil {
		logger.Warn(ctx, "breach event publish failed",
			zap.String("sandbox_id", ev.SandboxID), zap.Error(err))
	}
}
