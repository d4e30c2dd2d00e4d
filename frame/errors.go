package frame

import (
	"errors"
	"fmt"
)

// ErrorKind classifies codec failures
type ErrorKind string

const (
	EShortRead  ErrorKind = "short read"
	EUnknownTag ErrorKind = "unknown tag"
)

// Sentinels for errors.Is
var (
	ErrShortRead  = errors.New("frame: " + string(EShortRead))
	ErrUnknownTag = errors.New("frame: " + string(EUnknownTag))
)

// Error describes a frame that could not be encoded or decoded
type Error struct {
	Kind ErrorKind
	Tag  byte
	Want int
	Got  int
}

func (e *Error) Error() string {
	switch e.Kind {
	case EShortRead:
		return fmt.Sprintf("frame 0x%02X: %s, want %d bytes, got %d", e.Tag, e.Kind, e.Want, e.Got)
	default:
		return fmt.Sprintf("frame 0x%02X: %s", e.Tag, e.Kind)
	}
}

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrShortRead:
		return e.Kind == EShortRead
	case ErrUnknownTag:
		return e.Kind == EUnknownTag
	}
	return false
}

func shortRead(tag byte, want int, got int) error {
	return &Error{Kind: EShortRead, Tag: tag, Want: want, Got: got}
}

// Dump formats bytes as space separated hex, for debug logs
func Dump(b []byte) string {
	var ret string
	for i := range b {
		ret += fmt.Sprintf("%02X ", b[i])
	}
	return ret
}
