package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/slipway-sh/slipway/internal/logging"
	"github.com/slipway-sh/slipway/internal/messaging"
)

// Actions recorded by the pipeline.
const (
	ActionConfigCreated = "deployment.config.created"
	ActionConfigDeleted = "deployment.config.deleted"
	ActionTriggered     = "deployment.triggered"
	ActionCancelled     = "deployment.cancelled"
	ActionSucceeded     = "deployment.succeeded"
	ActionFailed        = "deployment.failed"
	ActionRollback      = "deployment.rollback"
	ActionSecretCreated = "deployment.secret.created"
)

// Logger records significant pipeline transitions. Implementations are
// fire-and-forget: a failed audit write never fails the operation.
type Logger interface {
	LogEvent(ctx context.Context, actorID, action, resource string, details map[string]any) string
}

// NATSLogger publishes audit events on the audit subject.
type NATSLogger struct {
	nc *nats.Conn
}

// NewNATSLogger wraps a NATS connection as an audit sink.
func NewNATSLogger(nc *nats.Conn) *NATSLogger {
	return &NATSLogger{nc: nc}
}

func (l *NATSLogger) LogEvent(ctx context.Context, actorID, action, resource string, details map[string]any) string {
	event := messaging.AuditEvent{
		EventID:   uuid.NewString(),
		ActorID:   actorID,
		Action:    action,
		Resource:  resource,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err == nil {
		err = l.nc.Publish(messaging.SubjectAuditEvents, data)
	}
	if err != nil {
		logging.L().Warn("audit event dropped",
			zap.String("action", action),
			zap.String("resource", resource),
			zap.Error(err))
	}
	return event.EventID
}

// Nop discards audit events.
type Nop struct{}

func (Nop) LogEvent(ctx context.Context, actorID, action, resource string, details map[string]any) string {
	return uuid.NewString()
}

// Recorder captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []messaging.AuditEvent
}

func (r *Recorder) LogEvent(ctx context.Context, actorID, action, resource string, details map[string]any) string {
	event := messaging.AuditEvent{
		EventID:   uuid.NewString(),
		ActorID:   actorID,
		Action:    action,
		Resource:  resource,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return event.EventID
}

// Find returns the recorded events for one action.
func (r *Recorder) Find(action string) []messaging.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []messaging.AuditEvent
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
