package engine

import (
	"errors"
	"fmt"
)

// ErrDuplicate rejects a URL that is already queued or already completed.
var ErrDuplicate = errors.New("gallery already queued or downloaded")

// ErrTaskNotFound is returned when an id does not match a live task.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskActive is returned for operations that require a finished task.
var ErrTaskActive = errors.New("task is still active")

// ErrTaskFinished is returned when cancelling a task that already ended.
var ErrTaskFinished = errors.New("task already finished")

// ErrLoginUnavailable means no browser solver is configured for logins.
var ErrLoginUnavailable = errors.New("interactive login is not available")

// ConflictError means the output archive already exists on disk. It is fatal
// for the task and never retried.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("archive already exists: %s", e.Path)
}

// fatalError marks a pipeline failure that retrying cannot fix.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }
