package media

import (
	"fmt"
	"strings"
)

// Reason classifies acquisition failures.
type Reason string

const (
	ReasonPermissionDenied Reason = "permission-denied"
	ReasonDeviceNotFound   Reason = "device-not-found"
	ReasonDeviceInUse      Reason = "device-in-use"
)

// Error is a media acquisition failure with the specific reason the UI needs.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media: %s", e.Reason)
	}
	return fmt.Sprintf("media: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps a driver error onto the taxonomy. Driver errors are free-form
// strings, so this is best effort; unknown failures read as device-not-found.
func classify(err error) *Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "not allowed"):
		return &Error{Reason: ReasonPermissionDenied, Err: err}
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return &Error{Reason: ReasonDeviceInUse, Err: err}
	default:
		return &Error{Reason: ReasonDeviceNotFound, Err: err}
	}
}
