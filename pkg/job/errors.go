package job

import (
	"errors"
	"fmt"
)

// StorageError wraps any Redis-level failure. Not retried automatically by
// the core; it is surfaced to the caller of the affected operation and, in
// the Worker Loop, counted toward throttle accounting.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError means no record exists for the requested id, or the
// deserialized record's id does not match the request (treated as data
// skew per spec.md §4.1).
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %s not found", e.ID) }

// CorruptError means itemData failed to deserialize.
type CorruptError struct {
	ID  string
	Err error
}

func (e *CorruptError) Error() string { return fmt.Sprintf("job %s corrupt: %v", e.ID, e.Err) }
func (e *CorruptError) Unwrap() error { return e.Err }

// EmptyError means a blocking pop returned no job within its timeout.
// Non-fatal: the caller should re-pop.
type EmptyError struct{}

func (e *EmptyError) Error() string { return "pop: empty" }

// BadArgumentError means the caller supplied invalid construction
// arguments (missing job name, no callback). Raised synchronously.
type BadArgumentError struct {
	Msg string
}

func (e *BadArgumentError) Error() string { return "bad argument: " + e.Msg }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsCorrupt reports whether err is (or wraps) a CorruptError.
func IsCorrupt(err error) bool {
	var target *CorruptError
	return errors.As(err, &target)
}

// IsEmpty reports whether err is (or wraps) an EmptyError.
func IsEmpty(err error) bool {
	var target *EmptyError
	return errors.As(err, &target)
}
