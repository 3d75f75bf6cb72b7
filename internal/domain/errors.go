package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────

var (
	// Submission errors
	ErrInvalidInput     = errors.New("invalid input")
	ErrChecksumMismatch = errors.New("task id does not match file checksum")

	// Store errors
	ErrUnreachableState = errors.New("task state is outside the status enumeration")
	ErrNoErrorRecord    = errors.New("no error record for task")

	// Queue errors
	ErrQueueFull   = errors.New("worker queue is full")
	ErrQueueClosed = errors.New("worker queue is closed")

	// Client errors
	ErrServerUnreachable = errors.New("server unreachable")
)

// MismatchError reports a claimed TaskID that differs from the digest of the
// uploaded content.
type MismatchError struct {
	Claimed  TaskID
	Computed TaskID
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("ID of request did not match ID/checksum of file! Input ID: %s, Computed ID: %s",
		e.Claimed, e.Computed)
}

// Unwrap lets errors.Is match ErrChecksumMismatch.
func (e *MismatchError) Unwrap() error { return ErrChecksumMismatch }

// UnreachableStateError means the filesystem evidence for a task could not be
// mapped onto a StatusCode. It is always a bug.
type UnreachableStateError struct {
	TaskID TaskID
	Detail string
}

func (e *UnreachableStateError) Error() string {
	return fmt.Sprintf("the status of ID %s reached a state that should be unreachable: %s. "+
		"Valid codes are %v. Please report this to the site maintainers",
		e.TaskID, e.Detail, AllStatusCodes())
}

// Unwrap lets errors.Is match ErrUnreachableState.
func (e *UnreachableStateError) Unwrap() error { return ErrUnreachableState }
