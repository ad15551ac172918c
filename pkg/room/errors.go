package room

import "errors"

var (
	// ErrBadTransition rejects lifecycle calls from a state that does not
	// permit them.
	ErrBadTransition = errors.New("invalid session transition")
)
