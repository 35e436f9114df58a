package spec

import "context"

// EventType classifies observability events produced by the isolator.
type EventType string

const (
	// EventStateChanged is emitted on every sandbox lifecycle transition.
	EventStateChanged EventType = "state_changed"
	// EventResourceBreach is emitted when usage crosses a soft limit or the
	// engine enforces a hard limit.
	EventResourceBreach EventType = "resource_breach"
	// EventExecFinished is emitted after each command execution.
	EventExecFinished EventType = "exec_finished"
)

// Event is one observability record sent to external collectors.
type Event struct {
	Type      EventType         `json:"type"`
	SandboxID string            `json:"sandbox_id"`
	From      State             `json:"from,omitempty"`
	To        State             `json:"to,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// EventSink consumes events. Implementations must tolerate being nil-checked
// by callers; event delivery is best effort and never blocks sandbox work.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}
