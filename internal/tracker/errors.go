package tracker

import "errors"

// Sentinel errors for issue tracker failures.
var (
	ErrUnauthorized = errors.New("tracker rejected credentials")
	ErrUnreachable  = errors.New("tracker unreachable")
	ErrTimeout      = errors.New("tracker request timeout")
	ErrRequest      = errors.New("tracker request failed")
)
