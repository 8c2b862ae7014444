// Package errors defines the orchestrator's error kinds and the
// classification helpers other packages use to decide whether an error is
// retryable, a policy concern, or a tenant-isolation violation.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is().
var (
	ErrSchemaInvalid      = errors.New("model output failed schema validation")
	ErrToolTimeout        = errors.New("tool call timed out")
	ErrToolTransient      = errors.New("tool call failed transiently")
	ErrToolPermanent      = errors.New("tool call failed permanently")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrPolicyDenied       = errors.New("action denied by policy")
	ErrTenantMismatch     = errors.New("cross-workspace access attempt")
	ErrDeadlineExceeded   = errors.New("turn deadline exceeded")
	ErrBodyTooLarge       = errors.New("tool payload exceeds configured limit")
	ErrUnknownTool        = errors.New("tool not in tenant whitelist")
	ErrConversationLocked = errors.New("conversation is being processed by another turn")
	ErrNotFound           = errors.New("not found")
)

// Kind groups an error into one of the categories from the error handling
// design: only TenantMismatch, DeadlineExceeded, and Internal are ever
// surfaced to the external caller.
type Kind string

const (
	KindSchemaInvalid  Kind = "SchemaInvalid"
	KindToolTimeout    Kind = "ToolTimeout"
	KindToolTransient  Kind = "ToolTransient"
	KindToolPermanent  Kind = "ToolPermanent"
	KindCircuitOpen    Kind = "CircuitOpen"
	KindPolicyDenied   Kind = "PolicyDenied"
	KindTenantMismatch Kind = "TenantMismatch"
	KindDeadline       Kind = "DeadlineExceeded"
	KindInternal       Kind = "Internal"
)

// OrchestratorError carries structured context about a failure: which
// operation failed, what kind of failure it was, and the entity id
// involved (workspace, conversation, or tool name), wrapping the
// underlying cause for errors.Is/As.
type OrchestratorError struct {
	Op      string
	Kind    Kind
	ID      string
	Message string
	Err     error
}

func (e *OrchestratorError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// New wraps err with operation/kind/id context.
func New(op string, kind Kind, id string, err error) *OrchestratorError {
	return &OrchestratorError{Op: op, Kind: kind, ID: id, Err: err}
}

// IsRetryable reports whether the broker should retry the attempt that
// produced err. Only transport-level and declared-retryable application
// failures are retryable; permanent and policy-level failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrToolTimeout) || errors.Is(err, ErrToolTransient) {
		return true
	}
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Kind == KindToolTimeout || oe.Kind == KindToolTransient
	}
	return false
}

// IsTenantMismatch reports whether err represents cross-workspace access.
func IsTenantMismatch(err error) bool {
	if errors.Is(err, ErrTenantMismatch) {
		return true
	}
	var oe *OrchestratorError
	return errors.As(err, &oe) && oe.Kind == KindTenantMismatch
}

// IsPolicyDenied reports whether err represents a policy engine denial.
func IsPolicyDenied(err error) bool {
	if errors.Is(err, ErrPolicyDenied) {
		return true
	}
	var oe *OrchestratorError
	return errors.As(err, &oe) && oe.Kind == KindPolicyDenied
}

// IsSurfaceable reports whether err is one of the three kinds the error
// handling design allows to reach the external caller directly.
func IsSurfaceable(err error) bool {
	var oe *OrchestratorError
	if !errors.As(err, &oe) {
		return false
	}
	switch oe.Kind {
	case KindTenantMismatch, KindDeadline, KindInternal:
		return true
	default:
		return false
	}
}
