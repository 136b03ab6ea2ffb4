package kernel

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"mazos/internal/capacity"
	"mazos/internal/freq"
	"mazos/internal/memmap"
	"mazos/internal/statman"
	"mazos/internal/timers"
)

func (k *Kernel) Version() string { return k.opts.Version }

func (k *Kernel) BootID() uuid.UUID { return k.bootID }

// CyclesSinceBoot reads the CPU cycle counter.
func (k *Kernel) CyclesSinceBoot() uint64 {
	return k.hw.CPU.Cycles()
}

// MicrosSinceBoot converts the cycle counter using the calibrated frequency.
// Before calibration the result uses the default frequency and is not
// meaningful.
func (k *Kernel) MicrosSinceBoot() uint64 {
	return k.CPUFreq().CyclesToMicros(k.CyclesSinceBoot())
}

// Uptime is the time since the cycle counter started.
func (k *Kernel) Uptime() time.Duration {
	return k.CPUFreq().CyclesToDuration(k.CyclesSinceBoot())
}

// BootTimestamp is the wall-clock time recorded when the RTC came up.
func (k *Kernel) BootTimestamp() time.Time {
	k.ctxMu.RLock()
	defer k.ctxMu.RUnlock()
	return k.bootedAt
}

// CPUFreq returns the calibrated frequency.
func (k *Kernel) CPUFreq() freq.MHz {
	k.ctxMu.RLock()
	defer k.ctxMu.RUnlock()
	return k.cpuMHz
}

// MaxCPUFreq returns the CPU's rated frequency when it reports one, and the
// calibrated frequency otherwise.
func (k *Kernel) MaxCPUFreq() freq.MHz {
	if nf, ok := k.hw.CPU.(NominalFrequency); ok {
		if f := nf.NominalFrequency(); f > 0 {
			return f
		}
	}
	return k.CPUFreq()
}

// HeapUsage returns the bytes between the heap start and its break.
func (k *Kernel) HeapUsage() uintptr {
	return k.hw.Heap.End() - k.hw.Heap.Begin()
}

// Sbrk grows the heap by n bytes and returns the start of the new block.
// It fails with ErrFixedHeap when the platform heap cannot grow.
func (k *Kernel) Sbrk(n uintptr) (uintptr, error) {
	a, ok := k.hw.Heap.(HeapAllocator)
	if !ok {
		return 0, ErrFixedHeap
	}
	return a.Sbrk(n)
}

// Release shrinks the heap by n bytes.
func (k *Kernel) Release(n uintptr) {
	if a, ok := k.hw.Heap.(HeapAllocator); ok {
		a.Release(n)
	}
}

// HeapMax returns the last usable heap address.
func (k *Kernel) HeapMax() uintptr {
	if r, ok := k.mmap.At(k.opts.Layout.HeapBegin); ok {
		return r.End
	}
	return k.opts.HeapMaxHint
}

// CyclesHalted returns the cycles spent in halt. Zero before the counters
// are created.
func (k *Kernel) CyclesHalted() uint64 {
	k.ctxMu.RLock()
	defer k.ctxMu.RUnlock()
	if k.cyclesHlt == nil {
		return 0
	}
	return k.cyclesHlt.Load()
}

// CyclesTotal returns the cycle count recorded around the last halt.
func (k *Kernel) CyclesTotal() uint64 {
	k.ctxMu.RLock()
	defer k.ctxMu.RUnlock()
	if k.cyclesTotal == nil {
		return 0
	}
	return k.cyclesTotal.Load()
}

// CycleStats returns halted and total cycles as a consistent pair:
// halted is read first, so halted <= total always holds.
func (k *Kernel) CycleStats() (halted, total uint64) {
	halted = k.CyclesHalted()
	total = k.CyclesTotal()
	return halted, total
}

// MemoryMap returns the kernel's address range registry.
func (k *Kernel) MemoryMap() *memmap.Registry { return k.mmap }

// Timers returns the timer subsystem, or nil before stage 6.
func (k *Kernel) Timers() *timers.Timers {
	k.ctxMu.RLock()
	defer k.ctxMu.RUnlock()
	return k.timers
}

// Rand returns the PRNG seeded at boot, or nil before stage 12.
func (k *Kernel) Rand() *rand.Rand {
	k.ctxMu.RLock()
	defer k.ctxMu.RUnlock()
	return k.rng
}

// Cmdline is the command line passed to the service.
func (k *Kernel) Cmdline() string {
	k.ctxMu.RLock()
	defer k.ctxMu.RUnlock()
	return k.cmdline
}

// Capacity returns the result of memory discovery.
func (k *Kernel) Capacity() capacity.Capacity {
	k.ctxMu.RLock()
	defer k.ctxMu.RUnlock()
	return k.capacity
}

// LowMemorySize returns the bytes of memory below 1 MiB.
func (k *Kernel) LowMemorySize() uint64 { return k.Capacity().LowBytes }

// HighMemorySize returns the bytes of memory above 1 MiB.
func (k *Kernel) HighMemorySize() uint64 { return k.Capacity().HighBytes }

// SignalReady reports platform readiness to the boot sequence.
func (k *Kernel) SignalReady() { k.gate.Signal() }

// DeferReady holds the ready gate until release is called. Custom init
// functions use it to finish asynchronous setup before the service starts.
func (k *Kernel) DeferReady() (release func()) { return k.gate.Hold() }

// Ready reports whether the ready gate has opened.
func (k *Kernel) Ready() bool { return k.gate.Opened() }

// Service returns the embedded service.
func (k *Kernel) Service() Service { return k.svc }

// Devices returns the peripherals found during boot.
func (k *Kernel) Devices() []Device { return k.hw.PCI.Devices() }

// Stats returns the statistics registry.
func (k *Kernel) Stats() *statman.Registry { return k.stats }
