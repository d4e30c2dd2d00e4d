package link

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrIOFault matches every error returned by Manager I/O. The session that
	// produced it is dead and the caller must Reconnect.
	ErrIOFault      = errors.New("link i/o fault")
	ErrTimeout      = errors.New("timeout")
	ErrClosed       = errors.New("link closed")
	ErrNotConnected = errors.New("not connected")
)

// Error is an I/O failure on the serial link
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("link %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports every link error as an ErrIOFault.
func (e *Error) Is(target error) bool { return target == ErrIOFault }
