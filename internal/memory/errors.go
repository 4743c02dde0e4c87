package memory

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is wrapped by the ValidationError returned when an
// embedding does not have the configured dimensionality.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrForeignTx is returned when a backend receives a Tx it did not create.
var ErrForeignTx = errors.New("transaction belongs to another backend")

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("transaction already finished")

// ValidationError rejects bad input before anything is written.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports an operation on an id that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// StorageError wraps a persistence-layer failure. Callers roll back the
// enclosing transaction when they see one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsStorage(err) || IsValidation(err) || IsNotFound(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStorage reports whether err carries a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
