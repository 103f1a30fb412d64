// Package errors defines the orchestration core's error taxonomy.
//
// Every error the core returns across its inbound ports is one of these
// kinds. Callers switch on Kind (via As/Is) rather than matching strings.
package errors

import (
	"fmt"
	"time"
)

// Kind classifies an orchestration core error.
type Kind string

const (
	// KindInvalidRequest marks schema/validation failures at inbound ports.
	// Surfaced to the caller; never retried.
	KindInvalidRequest Kind = "invalid_request"
	// KindConflict marks an illegal state transition attempt.
	KindConflict Kind = "conflict"
	// KindResourceDenied marks a reservation the broker could not satisfy,
	// even after considering auto-scale.
	KindResourceDenied Kind = "resource_denied"
	// KindDependencyTimeout marks a mandatory dependency left unsatisfied
	// past its wait_timeout.
	KindDependencyTimeout Kind = "dependency_timeout"
	// KindStageRetryable marks a transient stage failure that still has
	// retry attempts remaining.
	KindStageRetryable Kind = "stage_retryable"
	// KindStageFatal marks a non-retryable stage failure.
	KindStageFatal Kind = "stage_fatal"
	// KindBudgetExceeded marks a projected cost breach of an orchestration's
	// budget ceiling.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindCancelled marks cooperative shutdown.
	KindCancelled Kind = "cancelled"
	// KindTerminated marks forced shutdown.
	KindTerminated Kind = "terminated"
	// KindInternal marks an invariant violation or unexpected failure.
	// Logged with full context; callers see a generic message.
	KindInternal Kind = "internal"
)

// Retryable reports whether errors of this kind should be retried by their
// caller (as opposed to the Orchestrator's own stage-retry bookkeeping,
// which classifies stage errors itself and checks the stage's RetryPolicy
// attempt budget).
func (k Kind) Retryable() bool {
	return k == KindStageRetryable
}

// Error is the core's structured error value. It carries enough context for
// an operator to act on without string-matching.
type Error struct {
	Kind      Kind
	Op        string // operation in progress, e.g. "Orchestrator.Start"
	Message   string
	Scope     string // orchestration id, stage id, pool type, etc.
	Cause     error
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s: %s [%s] (%s)", e.Op, e.Message, e.Scope, e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, op, scope, message string) *Error {
	return &Error{Kind: kind, Op: op, Scope: scope, Message: message, Timestamp: time.Now()}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, op, scope string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Scope: scope, Message: cause.Error(), Cause: cause, Timestamp: time.Now()}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	oe, ok := err.(*Error)
	if !ok {
		return false
	}
	return oe.Kind == kind
}

func InvalidRequest(op, scope, msg string) *Error    { return New(KindInvalidRequest, op, scope, msg) }
func Conflict(op, scope, msg string) *Error          { return New(KindConflict, op, scope, msg) }
func ResourceDenied(op, scope, msg string) *Error     { return New(KindResourceDenied, op, scope, msg) }
func DependencyTimeout(op, scope, msg string) *Error  { return New(KindDependencyTimeout, op, scope, msg) }
func StageRetryable(op, scope string, cause error) *Error {
	return Wrap(KindStageRetryable, op, scope, cause)
}
func StageFatal(op, scope string, cause error) *Error { return Wrap(KindStageFatal, op, scope, cause) }
func BudgetExceeded(op, scope, msg string) *Error     { return New(KindBudgetExceeded, op, scope, msg) }
func Cancelled(op, scope string) *Error               { return New(KindCancelled, op, scope, "cancelled") }
func Terminated(op, scope string) *Error              { return New(KindTerminated, op, scope, "terminated") }
func Internal(op, scope string, cause error) *Error   { return Wrap(KindInternal, op, scope, cause) }
