package messaging

import (
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectAuditEvents carries audit records for every significant
	// pipeline transition.
	SubjectAuditEvents = "slipway.audit.events"
	// SubjectTriggerDeploy carries webhook-style deployment triggers from
	// external build systems.
	SubjectTriggerDeploy = "slipway.triggers.deploy"
)

// AuditEvent is published on SubjectAuditEvents after each significant
// transition (created, triggered, success, failure, rollback).
type AuditEvent struct {
	EventID   string         `json:"event_id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DeployTrigger asks the server to start a run for a named deployment.
// Only configurations with auto-deploy enabled honor it.
type DeployTrigger struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Commit string `json:"commit,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string) (*nats.Conn, error) {
	return nats.Connect(natsURL, nats.Name("slipway"))
}
