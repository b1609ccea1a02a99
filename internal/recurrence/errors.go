package recurrence

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every ValidationError via errors.Is.
	ErrValidation = errors.New("invalid schedule")

	ErrEmptyWeekdays = &ValidationError{Field: "weekdays", Reason: "at least one weekday is required"}

	// ErrStaleRecord reports that a record vanished between fetch and mutate.
	ErrStaleRecord = errors.New("schedule record no longer exists")

	// ErrTransientStore marks store failures that are retried by leaving state unchanged.
	ErrTransientStore = errors.New("transient store error")
)

// ValidationError is returned synchronously when a rule is rejected at creation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransientStoreError wraps a connection or query failure.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *TransientStoreError) Unwrap() error { return e.Err }
func (e *TransientStoreError) Is(target error) bool {
	return target == ErrTransientStore
}

// StoreError wraps err as a TransientStoreError, passing nil through.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

// ActionError describes a failed start/stop call. It only ever ends up in notification text.
type ActionError struct {
	TargetID string
	Action   Action
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.TargetID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
