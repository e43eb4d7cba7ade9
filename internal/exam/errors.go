package exam

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned (possibly wrapped) when an addressed row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAttemptClosed is returned by AttemptStore writes against a closed attempt.
var ErrAttemptClosed = errors.New("attempt is closed")

// Publication and attempt preconditions. Callers surface these verbatim.
const (
	CondTimeNotConfigured = "time not configured"
	CondNoQuestions       = "no questions"
	CondNoStudents        = "no students"
	CondPublished         = "exam is published"
	CondAttemptNotStarted = "attempt not started"
	CondAttemptClosed     = "attempt closed"
)

// FieldError is used to indicate an error with a specific input field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

// invalid builds a single-field ValidationError.
func invalid(field, msg string) error {
	return NewValidationError(errors.New(field+": "+msg), FieldError{Field: field, Error: msg})
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "validation failed"
	}
	return e.Err.Error()
}

type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return "forbidden: " + e.Reason }

type PreconditionError struct {
	Condition string
}

func (e *PreconditionError) Error() string { return e.Condition }

// StorageError carries a persistence fault up to the caller unmodified.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// PartialImportError reports source ids skipped by a best-effort import.
// The accompanying ImportReport is still valid.
type PartialImportError struct {
	Skipped []string
}

func (e *PartialImportError) Error() string {
	return fmt.Sprintf("import skipped %d item(s): %s", len(e.Skipped), strings.Join(e.Skipped, ", "))
}

// storageErr wraps err as a StorageError unless it is a domain error already.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrAttemptClosed) {
		return &PreconditionError{Condition: CondAttemptClosed}
	}
	var se *StorageError
	var pe *PreconditionError
	if errors.As(err, &se) || errors.As(err, &pe) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
