package qemu

import (
	"io"
	"sync"
)

// UART is the COM1 serial port. Output goes to the host writer.
type UART struct {
	mu      sync.Mutex
	w       io.Writer
	written uint64
}

func NewUART(w io.Writer) *UART {
	if w == nil {
		w = io.Discard
	}
	return &UART{w: w}
}

// Write sends p to the host. Errors from the host writer are dropped, as a
// real line would drop bytes.
func (u *UART) Write(p []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n, _ := u.w.Write(p)
	u.written += uint64(n)
}

// Written returns the number of bytes sent.
func (u *UART) Written() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.written
}
