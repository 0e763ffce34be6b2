package k8090

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("K8090 not found/plugged")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrFraming         = errors.New("framing error")
	ErrTimeout         = errors.New("request timed out")
	ErrTransport       = errors.New("transport error")
	ErrProtocol        = errors.New("protocol violation")
	ErrClosed          = errors.New("engine closed")
	ErrCancelled       = errors.New("request cancelled")
	ErrReadTimeout     = errors.New("read timeout")
)

// A FramingError describes a rejected frame candidate. The decoder skips
// past it and keeps going.
type FramingError struct {
	Raw    [FrameSize]byte
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s (% X)", e.Reason, e.Raw[:])
}

func (e *FramingError) Unwrap() error {
	return ErrFraming
}
