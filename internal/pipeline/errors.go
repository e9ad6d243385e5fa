package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline errors for programmatic handling.
type Kind string

const (
	// KindValidation marks bad configuration input, rejected synchronously.
	KindValidation Kind = "validation"
	// KindAlreadyRunning marks a per-config mutual-exclusion violation.
	KindAlreadyRunning Kind = "already_running"
	// KindUnsafeRecipe marks a build recipe rejected by static analysis.
	KindUnsafeRecipe Kind = "unsafe_recipe"
	// KindSecurityScore marks an image scored below the hard floor.
	KindSecurityScore Kind = "security_score_too_low"
	// KindFetchFailure marks a source clone failure.
	KindFetchFailure Kind = "fetch_failure"
	// KindBuildFailure marks an external image build error.
	KindBuildFailure Kind = "build_failure"
	// KindDeployFailure marks a backup or container-start error during deploy.
	KindDeployFailure Kind = "deploy_failure"
	// KindHealthCheck marks a failed post-deploy health battery.
	KindHealthCheck Kind = "health_check_failure"
	// KindRollbackFailure marks a failed compensation; never retried, it
	// requires manual intervention.
	KindRollbackFailure Kind = "rollback_failure"
	// KindTimeout marks a run forced terminal by the deployment deadline.
	KindTimeout Kind = "timeout"
	// KindCancelled marks a run cancelled by an operator.
	KindCancelled Kind = "cancelled"
	// KindStorage marks a persistence failure.
	KindStorage Kind = "storage"
)

// Error is a classified pipeline error, optionally scoped to a stage.
type Error struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: stage %s: %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a pipeline error.
func E(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
