package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the transport is not open or an I/O operation failed.
	ErrConnection = errors.New("connection error")
	// ErrTimeout means a deadline elapsed awaiting a frame or a matching response.
	ErrTimeout = errors.New("timeout")
	// ErrFrame means a frame was malformed or the stream lost alignment.
	ErrFrame = errors.New("frame error")
	// ErrDecode means a payload was not a well-formed message.
	ErrDecode = errors.New("decode error")

	// ErrNotConnected is returned for I/O attempted before Connect or after Close.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrConnection)
)

// Connectionf builds an ErrConnection. format may use %w to keep the cause
// reachable through errors.Is/As as well.
func Connectionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConnection}, args...)...)
}

// Timeoutf builds an ErrTimeout with context.
func Timeoutf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrTimeout}, args...)...)
}
