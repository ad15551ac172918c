package signal

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage rejects a malformed envelope at the transport boundary.
	ErrInvalidMessage = errors.New("invalid signaling message")
	// ErrChannelClosed is returned by Send after Leave.
	ErrChannelClosed = errors.New("signaling channel closed")
)

// ErrorKind classifies transport-level failures.
type ErrorKind string

const (
	KindChannelUnreachable ErrorKind = "channel-unreachable"
	KindSendFailed         ErrorKind = "send-failed"
)

// Error is a transport-level signaling failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signaling: %s", e.Kind)
	}
	return fmt.Sprintf("signaling: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
