package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrFatal marks boot failures that leave the memory model unusable.
	ErrFatal = errors.New("kernel: fatal boot error")

	ErrAlreadyStarted      = errors.New("kernel: already started")
	ErrInitClosed          = errors.New("kernel: custom init registration closed")
	ErrShutdownBeforeReady = errors.New("kernel: shutdown requested before ready")
	ErrFixedHeap           = errors.New("kernel: heap cannot grow")
)

// FatalError is returned by Start when a boot stage cannot continue.
// errors.Is matches both ErrFatal and the underlying cause.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("FATAL: %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() []error {
	return []error{ErrFatal, e.Err}
}

func fatal(stage string, err error) error {
	return &FatalError{Stage: stage, Err: err}
}
