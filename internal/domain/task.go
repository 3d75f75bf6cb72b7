// Package domain holds the task lifecycle vocabulary shared by the server,
// the worker and the client: identifiers, options, status codes and errors.
package domain

import (
	"fmt"
	"time"
)

// TaskID is the lowercase hex SHA-1 digest of the input file. It is the only
// key a task ever has.
type TaskID string

// TaskIDLength is the number of hex characters in a TaskID.
const TaskIDLength = 40

// ValidTaskID reports whether s looks like a TaskID. Anything that passes is
// safe to use as a single path component.
func ValidTaskID(s string) bool {
	if len(s) != TaskIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// String returns the identifier as plain text.
func (id TaskID) String() string { return string(id) }

// Short returns the first 12 characters, for log lines and tables.
func (id TaskID) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

// TaskRecord is the user-facing view of a task. It is rebuilt from the
// filesystem on every query and never cached.
type TaskRecord struct {
	ID              TaskID       `json:"id"`
	Code            StatusCode   `json:"code"`
	Message         string       `json:"message"`
	Error           *string      `json:"error"`
	Options         *TaskOptions `json:"options,omitempty"`
	EstimateSeconds *float64     `json:"estimate_seconds,omitempty"`
}

// ErrorText returns the error detail, or "" if there is none.
func (r TaskRecord) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Job is the message handed to the worker queue for one task.
type Job struct {
	TaskID     TaskID      `json:"task_id"`
	InputPath  string      `json:"input_path"`
	Options    TaskOptions `json:"options"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Attempts   int         `json:"attempts,omitempty"`
}

// Hello is the server greeting returned by the root endpoint.
type Hello struct {
	Title   string `json:"title"`
	Version [3]int `json:"version"`
}

// VersionString renders Version as "major.minor.patch".
func (h Hello) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", h.Version[0], h.Version[1], h.Version[2])
}
