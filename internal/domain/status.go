package domain

import (
	"fmt"
	"strconv"
)

// StatusCode summarizes where a task sits in its lifecycle. The numeric values
// double as HTTP response codes on the wire.
type StatusCode int

const (
	StatusReady     StatusCode = 200 // result bundle available
	StatusCreated   StatusCode = 201 // accepted by the dispatcher, about to stage
	StatusStaged    StatusCode = 202 // input staged, queued or running
	StatusError     StatusCode = 220 // run completed but failed; detail available
	StatusNull      StatusCode = 404 // no record of this identifier anywhere
	StatusUnmatched StatusCode = 409 // claimed identifier does not match content
)

// StatusUnreachable is not a StatusCode. It is the HTTP code used when the
// on-disk evidence for a task cannot be mapped onto the enumeration.
const StatusUnreachable = 520

var statusNames = map[StatusCode]string{
	StatusReady:     "ready",
	StatusCreated:   "created",
	StatusStaged:    "staged",
	StatusError:     "error",
	StatusNull:      "null",
	StatusUnmatched: "unmatched",
}

// AllStatusCodes returns every valid code in ascending order.
func AllStatusCodes() []StatusCode {
	return []StatusCode{
		StatusReady,
		StatusCreated,
		StatusStaged,
		StatusError,
		StatusNull,
		StatusUnmatched,
	}
}

// Valid reports whether c is one of the enumerated codes.
func (c StatusCode) Valid() bool {
	_, ok := statusNames[c]
	return ok
}

// IsTerminal is true once the task has finished running, successfully or not.
func (c StatusCode) IsTerminal() bool {
	return c == StatusReady || c == StatusError
}

// IsAccepted is true for codes returned when the server holds (or is about to
// hold) a record for the task.
func (c StatusCode) IsAccepted() bool {
	switch c {
	case StatusReady, StatusCreated, StatusStaged, StatusError:
		return true
	}
	return false
}

// Compare orders codes by severity, which is their numeric value.
// It returns -1, 0 or +1.
func (c StatusCode) Compare(other StatusCode) int {
	switch {
	case c < other:
		return -1
	case c > other:
		return 1
	default:
		return 0
	}
}

// String returns the lowercase name, or the bare number for unknown codes.
func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return strconv.Itoa(int(c))
}

// ParseStatusCode maps a raw HTTP status onto the enumeration.
func ParseStatusCode(code int) (StatusCode, error) {
	sc := StatusCode(code)
	if !sc.Valid() {
		return 0, fmt.Errorf("status code %d is not one of %v", code, AllStatusCodes())
	}
	return sc, nil
}
