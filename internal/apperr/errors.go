// Package apperr defines the error taxonomy shared by the index, the
// workspace façade, and the transport adapters.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrValidation    = errors.New("validation failed")
	// ErrTxConflict reports a nested transaction or a concurrent writer
	// collision. It is never retried automatically.
	ErrTxConflict     = errors.New("transaction conflict")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrIndexLocked    = errors.New("index is locked for rebuild")
)

// ValidationError describes a malformed identifier or metadata block.
type ValidationError struct {
	Path   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Path != "" && e.Field != "":
		return fmt.Sprintf("%s: invalid %s: %s", e.Path, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Reason)
	}
	return e.Reason
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for building a ValidationError.
func Invalid(path, field, reason string) error {
	return &ValidationError{Path: path, Field: field, Reason: reason}
}

// SchemaMismatchError reports an index whose recorded schema version the
// migration manager does not recognise.
type SchemaMismatchError struct {
	Found  string
	Latest string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("index schema version %q is not supported (latest known %q)", e.Found, e.Latest)
}

// Is makes errors.Is(err, ErrSchemaMismatch) match.
func (e *SchemaMismatchError) Is(target error) bool { return target == ErrSchemaMismatch }
