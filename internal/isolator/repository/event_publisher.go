package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"isolator/internal/common/mq"
	"isolator/internal/isolator/spec"
	appErr "isolator/pkg/errors"
)

// MQEventPublisher publishes sandbox lifecycle events to a message queue.
// It implements spec.EventSink.
type MQEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQEventPublisher creates a new MQ event publisher.
func NewMQEventPublisher(producer mq.Producer, topic string) *MQEventPublisher {
	return &MQEventPublisher{producer: producer, topic: topic}
}

// Publish sends one sandbox event. Messages for the same sandbox share a key
// so partition ordering matches event order.
func (p *MQEventPublisher) Publish(ctx context.Context, event spec.Event) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("event topic is required")
	}
	if event.SandboxID == "" {
		return appErr.ValidationError("sandbox_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal sandbox event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.SandboxID
	message.SetHeader("x-event-type", string(event.Type))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish sandbox event failed")
	}
	return nil
}
