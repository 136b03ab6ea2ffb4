package qemu

import (
	"time"

	"mazos/internal/freq"
)

// DefaultStackPointer is where the bootloader leaves the stack: just below
// the EBDA.
const DefaultStackPointer uintptr = 0x9FBF0

// CPU is the boot processor. Its timestamp counter runs at a fixed rate
// derived from the host monotonic clock.
type CPU struct {
	mhz   freq.MHz
	boot  time.Time
	sp    uintptr
	irq   *IRQController
	halts uint64
}

// NewCPU returns a CPU whose counter ticks at mhz and whose halts wait on
// irq.
func NewCPU(mhz freq.MHz, sp uintptr, irq *IRQController) *CPU {
	return &CPU{mhz: mhz, boot: time.Now(), sp: sp, irq: irq}
}

// Cycles reads the timestamp counter.
func (c *CPU) Cycles() uint64 {
	ns := time.Since(c.boot).Nanoseconds()
	return uint64(float64(ns) * float64(c.mhz) / 1e3)
}

// Halt returns when an interrupt is pending.
func (c *CPU) Halt() {
	c.halts++
	c.irq.waitPending()
}

// Halts returns the number of halt instructions executed. Only the
// goroutine running the kernel may call it.
func (c *CPU) Halts() uint64 { return c.halts }

func (c *CPU) StackPointer() uintptr { return c.sp }

// NominalFrequency is the rated clock, as the brand string would report it.
func (c *CPU) NominalFrequency() freq.MHz { return c.mhz }
