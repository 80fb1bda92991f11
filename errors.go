package ch559boot

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by the Session. Use errors.Is to test for them; offset
// carrying failures are wrapped in an *OffsetError.
var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrTransport         = errors.New("transport error")
	ErrTimeout           = errors.New("timeout")
	ErrProtocolMismatch  = errors.New("protocol mismatch")
	ErrMalformedResponse = errors.New("malformed response")
	ErrOutOfRange        = errors.New("out of range")
	ErrNotIdentified     = errors.New("device not identified")
	ErrEraseFailed       = errors.New("erase failed")
	ErrWriteFailed       = errors.New("write failed")
	ErrReadFailed        = errors.New("read failed")
	ErrCompareMismatch   = errors.New("compare mismatch")
	ErrConfigWriteFailed = errors.New("config write failed")
	ErrCancelled         = errors.New("cancelled")
)

// OffsetError reports a chunked operation failure at a byte offset within a
// region.
type OffsetError struct {
	Op     string
	Offset int
	Err    error
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("%s at %04X: %v", e.Op, e.Offset, e.Err)
}

func (e *OffsetError) Unwrap() error { return e.Err }

func offsetError(op string, offset int, err error) error {
	return &OffsetError{Op: op, Offset: offset, Err: err}
}
