package service

import (
	"context"

	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/repository"
	"isolator/internal/isolator/spec"
	"isolator/pkg/utils/logger"

	"go.uber.org/zap"
)

// PersistingSink forwards events to a downstream sink and keeps the external
// snapshot in step with state transitions. Either dependency may be nil.
type PersistingSink struct {
	next spec.EventSink
	reg  *registry.Registry
	repo *repository.SandboxRepository
}

// NewPersistingSink wires a sink in front of next.
func NewPersistingSink(next spec.EventSink, reg *registry.Registry, repo *repository.SandboxRepository) *PersistingSink {
	return &PersistingSink{next: next, reg: reg, repo: repo}
}

// Publish persists the snapshot on state changes, then forwards the event.
// A persistence failure never blocks delivery and vice versa.
func (p *PersistingSink) Publish(ctx context.Context, ev spec.Event) error {
	if p == nil {
		return nil
	}
	if ev.Type == spec.EventStateChanged && p.repo != nil && p.reg != nil {
		if sandbox, ok := p.reg.Get(ev.SandboxID); ok {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
			if err := p.repo.SaveSnapshot(pctx, sandbox); err != nil {
				logger.Warn(ctx, "save sandbox snapshot failed",
					zap.String("sandbox_id", ev.SandboxID), zap.Error(err))
			}
			cancel()
		}
	}
	if p.next == nil {
		return nil
	}
	return p.next.Publish(ctx, ev)
}
