package kernel

import (
	"io"
	"time"

	"mazos/internal/capacity"
	"mazos/internal/freq"
)

// CPU is the boot processor.
type CPU interface {
	// Cycles reads the timestamp counter.
	Cycles() uint64
	// Halt idles until the next interrupt.
	Halt()
	// StackPointer returns the stack pointer at the time of the call.
	StackPointer() uintptr
}

// NominalFrequency is implemented by CPUs that report their rated clock.
type NominalFrequency interface {
	NominalFrequency() freq.MHz
}

// InterruptController owns interrupt delivery. Handlers run from
// ProcessPending on the caller's goroutine.
type InterruptController interface {
	Init() error
	Enable()
	ProcessPending()
}

// Waker is implemented by controllers that can raise a software interrupt
// to bring a halted CPU back.
type Waker interface {
	Wake()
}

// Platform is ACPI and local APIC bring-up.
type Platform interface {
	Init() error
	InitAPIC() error
	Shutdown() error
}

// IntervalTimer is the fixed-rate PIT used as the calibration reference.
type IntervalTimer interface {
	Init() error
	freq.IntervalTimer
}

// TimerHardware is the per-CPU one-shot timer. first runs on the first
// timer interrupt after Init.
type TimerHardware interface {
	Init(first func()) error
	SetHandler(h func())
	OneShot(d time.Duration)
	Stop()
}

// Device describes one enumerated peripheral.
type Device struct {
	Bus      uint8
	Slot     uint8
	VendorID uint16
	DeviceID uint16
	Class    string
	Name     string
}

// DeviceEnumerator scans the peripheral bus.
type DeviceEnumerator interface {
	Init() error
	Devices() []Device
}

// Clock is the real-time clock.
type Clock interface {
	Init() error
	Now() time.Time
}

// Heap reports the bounds of the kernel heap.
type Heap interface {
	Begin() uintptr
	End() uintptr
}

// HeapAllocator is a heap whose break can move. Once the memory map is
// built the kernel caps it at the end of the heap range.
type HeapAllocator interface {
	Heap
	SetLimit(last uintptr)
	Sbrk(n uintptr) (uintptr, error)
	Release(n uintptr)
}

// Service is the application linked into the image.
type Service interface {
	BinaryName() string
	Name() string
	Start(cmdline string)
	Stop()
	// Ready is called from the first timer interrupt, before any timer
	// callback runs.
	Ready()
}

// Hardware bundles the collaborators the boot sequence drives.
type Hardware struct {
	CPU      CPU
	IRQ      InterruptController
	Platform Platform
	PIT      IntervalTimer
	Timer    TimerHardware
	PCI      DeviceEnumerator
	RTC      Clock
	CMOS     capacity.MemInfoSource
	Heap     Heap
}

// Handoff is the state the bootloader leaves behind.
type Handoff struct {
	Magic    uint32
	InfoAddr uint32
	// Memory reads physical memory, used to follow pointers in the
	// multiboot info block.
	Memory io.ReaderAt
}
