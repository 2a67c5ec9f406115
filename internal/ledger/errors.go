package ledger

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine matches exactly one of
// these through errors.Is.
var (
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrEscrowFrozen        = errors.New("escrow is on hold")
	ErrValidation          = errors.New("validation failed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAutomationAction    = errors.New("automation action failed")
	ErrSettlement          = errors.New("settlement failed")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("not authorized")
)

// Hold distinguishes the two ways an escrow can block party mutations.
type Hold string

const (
	HoldAdministrative Hold = "administrative_hold"
	HoldDisputeReview  Hold = "dispute_review"
)

// Error is the typed error carried by engine operations.
type Error struct {
	Kind   error  // one of the Err* kinds
	Op     string // operation, e.g. "milestone.submit"
	Field  string // offending field for validation errors
	Detail string
	Hold   Hold // set for ErrEscrowFrozen
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg = e.Detail
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// InvalidTransition reports a transition that is illegal for the current status.
func InvalidTransition(op string, format string, args ...any) error {
	return &Error{Kind: ErrInvalidTransition, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Frozen reports a mutation attempted while the escrow is blocked.
func Frozen(op string, hold Hold) error {
	detail := "escrow is currently under administrative hold"
	if hold == HoldDisputeReview {
		detail = "escrow is currently under dispute review"
	}
	return &Error{Kind: ErrEscrowFrozen, Op: op, Detail: detail, Hold: hold}
}

// Validation reports a missing or out-of-bounds input.
func Validation(op, field string, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// Conflict reports lease or version contention. Callers may retry.
func Conflict(op string, format string, args ...any) error {
	return &Error{Kind: ErrConcurrencyConflict, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(op, entity, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, Detail: fmt.Sprintf("%s %s not found", entity, id)}
}

// Unauthorized reports an actor acting outside its role.
func Unauthorized(op string, format string, args ...any) error {
	return &Error{Kind: ErrUnauthorized, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// SettlementFailed wraps an error from the settlement capability.
func SettlementFailed(op string, err error) error {
	return &Error{Kind: ErrSettlement, Op: op, Detail: "settlement failed", Err: err}
}

// ActionFailed wraps an error from one automation action.
func ActionFailed(op, action string, err error) error {
	return &Error{Kind: ErrAutomationAction, Op: op, Detail: "action " + action + " failed", Err: err}
}

// HoldOf returns the hold reason if err is an ErrEscrowFrozen error.
func HoldOf(err error) (Hold, bool) {
	var le *Error
	if errors.As(err, &le) && le.Kind == ErrEscrowFrozen {
		return le.Hold, true
	}
	return "", false
}

// Code returns a stable snake_case code for err's kind, or "internal_error".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrEscrowFrozen):
		return "escrow_on_hold"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ErrSettlement):
		return "settlement_failed"
	case errors.Is(err, ErrAutomationAction):
		return "automation_action_failed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal_error"
	}
}

// Retryable reports whether err is transient contention.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
