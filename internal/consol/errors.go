package consol

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classes the engine produces. The
// host maps each kind to a transport status deterministically.
type ErrorKind string

const (
	// KindConfiguration covers invalid group or member setup. Fails fast,
	// before a run record exists.
	KindConfiguration ErrorKind = "CONFIGURATION"
	// KindValidation covers missing rates and unmatched intercompany
	// balances. Fatal by default, demotable to warnings via run options.
	KindValidation ErrorKind = "VALIDATION"
	// KindInfrastructure covers collaborator failures. Retried with bounded
	// backoff before turning fatal.
	KindInfrastructure ErrorKind = "INFRASTRUCTURE"
	// KindConflict covers duplicate or concurrent run attempts. Surfaced
	// immediately and never retried.
	KindConflict ErrorKind = "CONFLICT"
)

// Conflict sentinels, wrapped in *Error so callers can test with errors.Is.
var (
	ErrRunAlreadyExists     = errors.New("a completed consolidation run already exists for this period")
	ErrRunAlreadyInProgress = errors.New("a consolidation run is already in progress for this period")
	ErrRunTerminal          = errors.New("consolidation run is already terminal")
	ErrRunNotFound          = errors.New("consolidation run not found")
	ErrGroupNotFound        = errors.New("consolidation group not found")
)

// Error is the tagged error type for all engine operations.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("consol: %s: %s", e.Op, msg)
	}
	return "consol: " + msg
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ConfigurationError builds a configuration-class error.
func ConfigurationError(op, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Message: fmt.Sprintf(format, args...)}
}

// ValidationError builds a validation-class error.
func ValidationError(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// InfrastructureError wraps a collaborator failure.
func InfrastructureError(op string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Op: op, Err: err}
}

// ConflictError wraps one of the conflict sentinels.
func ConflictError(op string, err error) *Error {
	return &Error{Kind: KindConflict, Op: op, Err: err}
}

// KindOf extracts the error kind; unknown errors classify as infrastructure.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// Retryable reports whether the orchestrator may retry the failure.
// Only infrastructure failures are transient; validation, configuration and
// conflict errors are deterministic.
func Retryable(err error) bool {
	return KindOf(err) == KindInfrastructure
}
