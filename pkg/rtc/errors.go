package rtc

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkClosed rejects operations on a link that already closed.
	ErrLinkClosed         = errors.New("link closed")
	errPeerConnectionInit = errors.New("pc init failed")
)

// NegotiationReason classifies per-link negotiation failures.
type NegotiationReason string

const (
	ReasonGlareUnresolved  NegotiationReason = "glare-unresolved"
	ReasonInvalidSDP       NegotiationReason = "invalid-sdp"
	ReasonICERestartFailed NegotiationReason = "ice-restart-failed"
)

// NegotiationError is scoped to one link. It never fails the whole room by
// itself; the session decides what a dead link means for the call.
type NegotiationError struct {
	Reason NegotiationReason
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("negotiation: %s", e.Reason)
	}
	return fmt.Sprintf("negotiation: %s: %v", e.Reason, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
