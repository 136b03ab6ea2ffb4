package qemu

import (
	"fmt"
	"math/bits"
	"sync"
)

// Interrupt lines raised by the simulated devices. Only the low 32 lines
// are implemented; the PIT, RTC and UART are polled and raise nothing.
const (
	IRQAPIC = 27 // local APIC timer
	IRQWake = 31 // software wake-up, no handler

	numIRQs = 32
)

// InterruptHandler runs on the goroutine calling ProcessPending.
type InterruptHandler func()

// IRQController is the simulated interrupt controller. Devices raise lines
// from their own goroutines; handlers only run from ProcessPending, which
// makes ProcessPending the single point where interrupt work enters the
// kernel goroutine.
type IRQController struct {
	mu       sync.Mutex
	handlers [numIRQs]InterruptHandler
	enabled  uint32
	pending  uint32
	on       bool
	counts   [numIRQs]uint64

	// wake has capacity one; a send marks "something happened".
	wake chan struct{}
}

// NewIRQController returns a controller with every device line masked.
func NewIRQController() *IRQController {
	return &IRQController{enabled: 1 << IRQWake, wake: make(chan struct{}, 1)}
}

// Init clears pending state and masks every line.
func (c *IRQController) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = 0
	c.enabled = 1 << IRQWake
	return nil
}

// Enable starts delivering interrupts to handlers.
func (c *IRQController) Enable() {
	c.mu.Lock()
	c.on = true
	c.mu.Unlock()
	c.notify()
}

// Register installs h for line irq and unmasks it.
func (c *IRQController) Register(irq int, h InterruptHandler) error {
	if irq < 0 || irq >= numIRQs {
		return fmt.Errorf("qemu: irq %d out of range", irq)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[irq] = h
	c.enabled |= 1 << irq
	return nil
}

// Raise marks irq pending. Masked lines are dropped.
func (c *IRQController) Raise(irq int) {
	if irq < 0 || irq >= numIRQs {
		return
	}
	c.mu.Lock()
	if c.enabled&(1<<irq) == 0 {
		c.mu.Unlock()
		return
	}
	c.pending |= 1 << irq
	c.mu.Unlock()
	c.notify()
}

// Wake raises the software wake-up line.
func (c *IRQController) Wake() {
	c.Raise(IRQWake)
}

func (c *IRQController) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// ProcessPending acknowledges every pending line, lowest number first, and
// runs its handler. Lines raised while handlers run are left for the next
// call.
func (c *IRQController) ProcessPending() {
	c.mu.Lock()
	if !c.on {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = 0
	var hs [numIRQs]InterruptHandler
	for p := pending; p != 0; p &= p - 1 {
		irq := bits.TrailingZeros32(p)
		hs[irq] = c.handlers[irq]
		c.counts[irq]++
	}
	c.mu.Unlock()

	for p := pending; p != 0; p &= p - 1 {
		if h := hs[bits.TrailingZeros32(p)]; h != nil {
			h()
		}
	}
}

// hasPending reports whether a deliverable interrupt is waiting.
func (c *IRQController) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on && c.pending != 0
}

// waitPending blocks until an interrupt is pending.
func (c *IRQController) waitPending() {
	for !c.hasPending() {
		<-c.wake
	}
}

// Count returns how many times irq has been acknowledged.
func (c *IRQController) Count(irq int) uint64 {
	if irq < 0 || irq >= numIRQs {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[irq]
}
