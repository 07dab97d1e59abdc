// Package errors implements the failure taxonomy shared by every repository operation.
//
// Merge conflicts are deliberately absent: they are an expected outcome and are
// returned as data by the merge coordinator, never as an error.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Each kind has a defined retry behavior.
type Kind int

const (
	// KindNotFound indicates a draft, revision or path that does not exist.
	KindNotFound Kind = iota

	// KindCollision indicates an identifier or ref that already exists.
	// Collisions are retryable by regenerating the identifier.
	KindCollision

	// KindValidation indicates malformed input: bad paths, oversized content,
	// invalid actor identifiers.
	KindValidation

	// KindWriteFailure indicates an I/O failure during a commit or snapshot.
	// The operation has been rolled back to the prior consistent state.
	KindWriteFailure

	// KindRepositoryUnavailable indicates lock contention beyond the configured
	// timeout, detected corruption, or a rollback that itself failed.
	KindRepositoryUnavailable

	// KindActiveSession indicates a draft that may still be referenced by an
	// editing session.
	KindActiveSession
)

var kindNames = map[Kind]string{
	KindNotFound:              "not_found",
	KindCollision:             "collision",
	KindValidation:            "validation_failure",
	KindWriteFailure:          "write_failure",
	KindRepositoryUnavailable: "repository_unavailable",
	KindActiveSession:         "active_session_conflict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error wraps an underlying failure with its classification.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Underlying error
	Context    map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		prefix = fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	}
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New creates a classified error.
func New(kind Kind, op, message string, underlying error) *Error {
	return &Error{
		Kind:       kind,
		Op:         op,
		Message:    message,
		Underlying: underlying,
		Context:    make(map[string]string),
	}
}

// WithContext adds a key-value pair to the error.
func (e *Error) WithContext(key, value string) *Error {
	e.Context[key] = value
	return e
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound              = New(KindNotFound, "", "not found", nil)
	ErrCollision             = New(KindCollision, "", "already exists", nil)
	ErrValidation            = New(KindValidation, "", "validation failed", nil)
	ErrWriteFailure          = New(KindWriteFailure, "", "write failed", nil)
	ErrRepositoryUnavailable = New(KindRepositoryUnavailable, "", "repository unavailable", nil)
	ErrActiveSession         = New(KindActiveSession, "", "draft may have an active session", nil)
)

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message, nil)
}

// Collision is shorthand for New(KindCollision, ...).
func Collision(op, message string) *Error {
	return New(KindCollision, op, message, nil)
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

// WriteFailure wraps an I/O error that has been rolled back.
func WriteFailure(op string, err error) *Error {
	return New(KindWriteFailure, op, "write failed", err)
}

// Unavailable wraps a failure that leaves the repository unusable for now.
func Unavailable(op string, err error) *Error {
	return New(KindRepositoryUnavailable, op, "repository unavailable", err)
}

// GetKind extracts the Kind from an error. Unclassified errors are reported
// as KindRepositoryUnavailable so they are never mistaken for a clean result.
func GetKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindRepositoryUnavailable, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := GetKind(err)
	return ok && k == kind
}

// IsRetryable reports whether the caller may retry the same operation.
func IsRetryable(err error) bool {
	k, ok := GetKind(err)
	if !ok {
		return false
	}
	return k == KindCollision || k == KindRepositoryUnavailable
}

// Wrap classifies err unless it is already classified, in which case the
// existing kind is preserved and op/message are layered on top.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Kind:       e.Kind,
			Op:         op,
			Message:    message,
			Underlying: err,
			Context:    e.Context,
		}
	}

	return New(kind, op, message, err)
}

// Is and As re-export the standard library helpers so callers that import
// this package under the name "errors" do not need a second import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func Join(errs ...error) error { return errors.Join(errs...) }
