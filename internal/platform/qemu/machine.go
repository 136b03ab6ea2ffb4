// Package qemu simulates the PC hardware the kernel boots on: an interrupt
// controller, a CPU with a timestamp counter and a halt instruction, the
// PIT, the local APIC timer, CMOS, a PCI bus, a serial port and sparse
// physical memory that can carry a multiboot info block.
//
// Devices raise interrupts from host goroutines. Handlers only run when the
// kernel calls ProcessPending, so every kernel callback executes on the
// goroutine that called kernel.Start.
package qemu

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"mazos/internal/freq"
	"mazos/internal/kernel"
)

// Config describes the machine. Zero fields take defaults.
type Config struct {
	// MemoryMiB is the amount of RAM.
	MemoryMiB uint32
	// CPUMHz is the rate of the timestamp counter.
	CPUMHz freq.MHz
	// StackPointer is the stack pointer handed to the kernel.
	StackPointer uintptr
	// HeapBegin is the first heap address.
	HeapBegin uintptr
	// PCI lists the populated slots.
	PCI []PCIFunction
	// Serial receives COM1 output.
	Serial io.Writer
	// Epoch is the RTC time at power-on. Zero means the host clock.
	Epoch time.Time
	// FirstTick is the delay from APIC timer init to its first interrupt.
	FirstTick time.Duration
}

// DefaultConfig is a 128 MiB, 2 GHz machine.
func DefaultConfig() Config {
	return Config{
		MemoryMiB:    128,
		CPUMHz:       2000,
		StackPointer: DefaultStackPointer,
		HeapBegin:    kernel.DefaultLayout.HeapBegin,
		PCI:          DefaultPCIFunctions,
		FirstTick:    time.Millisecond,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MemoryMiB == 0 {
		c.MemoryMiB = d.MemoryMiB
	}
	if c.CPUMHz == 0 {
		c.CPUMHz = d.CPUMHz
	}
	if c.StackPointer == 0 {
		c.StackPointer = d.StackPointer
	}
	if c.HeapBegin == 0 {
		c.HeapBegin = d.HeapBegin
	}
	if c.PCI == nil {
		c.PCI = d.PCI
	}
	if c.FirstTick == 0 {
		c.FirstTick = d.FirstTick
	}
	if c.Epoch.IsZero() {
		c.Epoch = time.Now().UTC()
	}
}

// ErrPoweredOff is returned by Shutdown on a machine that is already off.
var ErrPoweredOff = errors.New("qemu: machine powered off")

// Machine is a complete simulated PC.
type Machine struct {
	cfg Config
	log *zap.Logger

	IRQ    *IRQController
	CPU    *CPU
	PIT    *PIT
	Timer  *APICTimer
	PCI    *PCIBus
	CMOS   *CMOS
	Heap   *Heap
	Serial *UART
	Mem    *PhysMem

	mu       sync.Mutex
	acpi     bool
	apic     bool
	off      bool
	poweroff chan struct{}
}

// New builds a machine from cfg.
func New(cfg Config, log *zap.Logger) (*Machine, error) {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("qemu")

	pci, err := NewPCIBus(cfg.PCI, log)
	if err != nil {
		return nil, err
	}
	memBytes := uint64(cfg.MemoryMiB) << 20
	irq := NewIRQController()
	timer := NewAPICTimer(irq, log)
	timer.FirstTick = cfg.FirstTick

	m := &Machine{
		cfg:      cfg,
		log:      log,
		IRQ:      irq,
		CPU:      NewCPU(cfg.CPUMHz, cfg.StackPointer, irq),
		PIT:      &PIT{},
		Timer:    timer,
		PCI:      pci,
		CMOS:     NewCMOS(memBytes, cfg.Epoch),
		Heap:     NewHeap(cfg.HeapBegin, 0),
		Serial:   NewUART(cfg.Serial),
		Mem:      NewPhysMem(memBytes),
		poweroff: make(chan struct{}),
	}
	log.Info("Machine created",
		zap.Uint32("memory_mib", cfg.MemoryMiB),
		zap.Stringer("cpu", cfg.CPUMHz),
		zap.Int("pci_functions", len(cfg.PCI)))
	return m, nil
}

// Hardware returns the collaborator set for kernel.New.
func (m *Machine) Hardware() kernel.Hardware {
	return kernel.Hardware{
		CPU:      m.CPU,
		IRQ:      m.IRQ,
		Platform: (*platform)(m),
		PIT:      m.PIT,
		Timer:    m.Timer,
		PCI:      m.PCI,
		RTC:      m.CMOS,
		CMOS:     m.CMOS,
		Heap:     m.Heap,
	}
}

// Handoff returns the bootloader state: a multiboot info block carrying
// cmdline when multiboot is true, and a bare handoff otherwise.
func (m *Machine) Handoff(multiboot bool, cmdline string) (kernel.Handoff, error) {
	if !multiboot {
		return kernel.Handoff{}, nil
	}
	return m.Mem.LoadMultiboot(cmdline)
}

// PoweredOff is closed once the kernel has shut the machine down.
func (m *Machine) PoweredOff() <-chan struct{} {
	return m.poweroff
}

// platform is the ACPI and APIC view of a Machine.
type platform Machine

func (p *platform) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acpi = true
	p.log.Debug("ACPI tables parsed", zap.Int("cpus", 1))
	return nil
}

func (p *platform) InitAPIC() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.acpi {
		return errors.New("qemu: APIC init before ACPI")
	}
	p.apic = true
	return nil
}

// Shutdown disarms every timer and powers the machine off.
func (p *platform) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.off {
		return ErrPoweredOff
	}
	p.off = true
	p.Timer.powerOff()
	close(p.poweroff)
	p.log.Info("Power off")
	return nil
}
