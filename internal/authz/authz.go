package authz

import (
	"context"
	"errors"
	"fmt"
)

// ErrDenied is wrapped by every denial so callers can test for it.
var ErrDenied = errors.New("permission denied")

// Permissions checked by the pipeline engine before mutating operations.
const (
	PermDeployCreate   = "deploy.create"
	PermDeployDelete   = "deploy.delete"
	PermDeployTrigger  = "deploy.trigger"
	PermDeployCancel   = "deploy.cancel"
	PermDeployRollback = "deploy.rollback"
	PermDeployRead     = "deploy.read"
	PermSecretWrite    = "secret.write"
)

// Authorizer decides whether an actor may perform an operation. A denial
// aborts the operation before any side effect.
type Authorizer interface {
	CheckPermission(ctx context.Context, actorID, permission string) error
}

// AllowAll grants every permission; the default for single-operator setups.
type AllowAll struct{}

func (AllowAll) CheckPermission(ctx context.Context, actorID, permission string) error {
	return nil
}

// Denied builds the error an Authorizer returns on denial, so callers can
// produce consistent messages.
func Denied(actorID, permission string) error {
	return fmt.Errorf("actor %q lacks permission %q: %w", actorID, permission, ErrDenied)
}
