// Package kernel sequences the boot of a single-address-space kernel and
// runs its halt/interrupt event loop.
//
// A Kernel is created once with New and booted once with Start. Start runs
// the fixed bring-up sequence:
//
//	Stage 1:  validate the entry stack pointer
//	Stage 2:  discover memory capacity
//	Stage 3:  populate the memory map
//	Stage 4:  interrupts, ACPI/APIC, PIT, PCI
//	Stage 5:  calibrate the CPU frequency
//	Stage 6:  start the timer subsystem
//	Stage 7:  arm the APIC timer; its first interrupt readies the service
//	Stage 8:  real-time clock
//	Stage 9:  cycle counters
//	Stage 10: custom init functions
//	Stage 11: wait for the ready gate
//	Stage 12: seed the PRNG
//	Stage 13: start the service
//	Stage 14: event loop until Shutdown
package kernel

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mazos/internal/capacity"
	"mazos/internal/freq"
	"mazos/internal/memmap"
	"mazos/internal/statman"
	"mazos/internal/timers"
)

// Kernel is the boot context. All kernel state hangs off it.
type Kernel struct {
	opts  Options
	hw    Hardware
	svc   Service
	stats *statman.Registry
	log   *zap.Logger
	bsp   *zap.Logger

	bootID uuid.UUID
	mmap   *memmap.Registry
	gate   *Gate
	out    outputs

	planned atomic.Bool
	started atomic.Bool
	running atomic.Bool

	// Boot context, written during Start and read from any goroutine.
	ctxMu    sync.RWMutex
	capacity capacity.Capacity
	cmdline  string
	cpuMHz   freq.MHz
	bootedAt time.Time
	timers   *timers.Timers
	rng      *rand.Rand

	cyclesHlt   *statman.Stat
	cyclesTotal *statman.Stat

	inits initRegistry
}

// New creates the kernel context. It is the only way to obtain one.
func New(opts Options, hw Hardware, svc Service, stats *statman.Registry, log *zap.Logger) (*Kernel, error) {
	if hw.CPU == nil || hw.IRQ == nil || hw.Platform == nil || hw.PIT == nil ||
		hw.Timer == nil || hw.PCI == nil || hw.RTC == nil || hw.Heap == nil {
		return nil, fmt.Errorf("kernel: incomplete hardware description")
	}
	if svc == nil {
		return nil, fmt.Errorf("kernel: no service")
	}
	if stats == nil {
		stats = statman.New(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts.setDefaults()

	k := &Kernel{
		opts:    opts,
		hw:      hw,
		svc:     svc,
		stats:   stats,
		log:     log.Named("Kernel"),
		bsp:     log.Named("BSP"),
		bootID:  uuid.New(),
		mmap:    memmap.NewWithSpanMax(opts.SpanMax),
		cmdline: svc.BinaryName(),
		cpuMHz:  freq.Default,
	}
	k.gate = NewGate(k.wake)
	k.running.Store(true)
	return k, nil
}

// Start boots the kernel and runs the event loop. It returns once Shutdown
// has been requested and the service and platform have been stopped, or
// with a *FatalError if a boot stage cannot continue.
func (k *Kernel) Start(h Handoff) error {
	if !k.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	k.log.Info("#include<os> // Literally",
		zap.String("version", k.opts.Version),
		zap.Stringer("boot_id", k.bootID))

	// Stages 1-3: stack, capacity, memory map
	if err := k.PlanMemory(h); err != nil {
		return err
	}

	// Stage 4: interrupts and platform devices
	k.initPlatform()

	// Stage 5: must precede anything converting cycles to time
	k.calibrate()

	// Stage 6: timers on top of the APIC one-shot
	tm := timers.New(k.hw.Timer.OneShot, k.hw.Timer.Stop, k.Uptime)
	k.ctxMu.Lock()
	k.timers = tm
	k.ctxMu.Unlock()

	// Stage 7: the first APIC interrupt readies the service, then the timers
	err := k.hw.Timer.Init(func() {
		k.hw.Timer.SetHandler(tm.Handler)
		k.svc.Ready()
		tm.Ready()
		k.gate.Signal()
	})
	k.report("APIC timer", err)

	// Stage 8: wall clock
	k.report("RTC", k.hw.RTC.Init())
	k.ctxMu.Lock()
	k.bootedAt = k.hw.RTC.Now()
	k.ctxMu.Unlock()

	// Stage 9: sleep statistics
	if err := k.createCounters(); err != nil {
		return fatal("statistics", err)
	}

	// Stage 10
	k.gate.Reset()
	k.runCustomInits()

	// Stage 11
	k.log.Info("Waiting for ready")
	if !k.gate.Wait(k.hw.IRQ.ProcessPending, k.halt, func() bool { return !k.running.Load() }) {
		k.log.Warn("Shutdown requested before the service was started")
		k.powerOff()
		return ErrShutdownBeforeReady
	}

	// Stage 12
	seed := k.hw.CPU.Cycles() & 0xFFFFFFFF
	k.ctxMu.Lock()
	k.rng = rand.New(rand.NewPCG(seed, seed))
	k.ctxMu.Unlock()

	// Stage 13
	k.log.Info("Starting service", zap.String("service", k.svc.Name()), zap.String("cmdline", k.Cmdline()))
	k.svc.Start(k.Cmdline())

	// Stage 14
	k.EventLoop()
	return nil
}

// PlanMemory runs the first three boot stages: it validates the stack
// pointer, discovers capacity and populates the memory map. Start calls it;
// calling it directly is useful to inspect the map without booting. Only
// the first call does any work.
func (k *Kernel) PlanMemory(h Handoff) error {
	if !k.planned.CompareAndSwap(false, true) {
		return nil
	}

	// Stage 1: a stack outside low memory means a corrupted handoff
	if sp := k.hw.CPU.StackPointer(); sp <= k.opts.StackMin || sp >= k.opts.StackMax {
		return fatal("stack check", fmt.Errorf("stack pointer 0x%x outside (0x%x, 0x%x)",
			sp, k.opts.StackMin, k.opts.StackMax))
	}

	// Stage 2
	c, err := capacity.Resolve(capacity.Input{
		Magic:     h.Magic,
		InfoAddr:  h.InfoAddr,
		Memory:    h.Memory,
		CMOS:      k.hw.CMOS,
		MaxMemMiB: k.opts.Layout.MaxMemMiB,
		Cmdline:   k.svc.BinaryName(),
	}, k.log.Named("capacity"))
	if err != nil {
		return fatal("capacity", err)
	}
	k.ctxMu.Lock()
	k.capacity = c
	k.cmdline = c.Cmdline
	k.ctxMu.Unlock()

	// Stage 3
	if err := k.assignMemoryMap(c.HighBytes); err != nil {
		return fatal("memory map", err)
	}
	if a, ok := k.hw.Heap.(HeapAllocator); ok {
		a.SetLimit(k.HeapMax())
		k.log.Debug("Heap limit set", zap.String("max", fmt.Sprintf("0x%x", k.HeapMax())))
	}
	return nil
}

func (k *Kernel) assignMemoryMap(high uint64) error {
	l := k.opts.Layout
	ranges := []memmap.Range{
		{Start: l.StatmanStart, End: l.StatmanEnd, Category: memmap.CategoryStatman, Description: "Statistics"},
		{Start: l.StackBottom, End: l.StackTop, Category: memmap.CategoryStack, Description: "Kernel / service main stack"},
		{Start: l.LoadStart, End: l.End, Category: memmap.CategoryELF, Description: "Your service binary including OS"},
		{Start: EBDAStart, End: EBDAEnd, Category: memmap.CategoryEBDA, Description: "Extended BIOS data area"},
		{Start: VGAROMStart, End: VGAROMEnd, Category: memmap.CategoryVGA, Description: "Memory mapped video memory"},
	}
	if l.HeapBegin > l.End+1 {
		ranges = append(ranges, memmap.Range{
			Start: l.End + 1, End: l.HeapBegin - 1,
			Category: memmap.CategoryPreHeap, Description: "Heap randomization area (not for use)",
		})
	}
	unavailStart := HighMemStart + uintptr(high)
	heapMax := min(k.opts.SpanMax, (unavailStart&^0xFFFF)-1)
	ranges = append(ranges, memmap.Range{
		Start: l.HeapBegin, End: heapMax,
		Category: memmap.CategoryHeap, Description: "Dynamic memory",
		Usage: k.HeapUsage,
	})

	k.log.Info("Assigning fixed memory ranges (Memory map)")
	for _, r := range ranges {
		if _, err := k.mmap.Assign(r); err != nil {
			return err
		}
	}
	if err := k.mmap.FillUnavailable(unavailStart); err != nil {
		return err
	}
	for r := range k.mmap.All() {
		k.log.Info("memmap",
			zap.String("start", fmt.Sprintf("0x%08x", r.Start)),
			zap.String("end", fmt.Sprintf("0x%08x", r.End)),
			zap.String("category", string(r.Category)),
			zap.String("description", r.Description))
	}
	return nil
}

func (k *Kernel) initPlatform() {
	k.bsp.Info("Initializing interrupt handling")
	k.report("IRQ", k.hw.IRQ.Init())
	k.bsp.Info("Initializing ACPI")
	k.report("ACPI", k.hw.Platform.Init())
	k.bsp.Info("Initializing APIC")
	k.report("APIC", k.hw.Platform.InitAPIC())
	k.bsp.Info("Enabling interrupts")
	k.hw.IRQ.Enable()
	k.report("PIT", k.hw.PIT.Init())
	k.report("PCI", k.hw.PCI.Init())
	for _, d := range k.hw.PCI.Devices() {
		k.bsp.Info("device",
			zap.String("addr", fmt.Sprintf("%02x:%02x", d.Bus, d.Slot)),
			zap.String("id", fmt.Sprintf("%04x:%04x", d.VendorID, d.DeviceID)),
			zap.String("class", d.Class),
			zap.String("name", d.Name))
	}
}

func (k *Kernel) calibrate() {
	k.log.Info("Estimating CPU-frequency",
		zap.Int("samples", k.opts.Calibration.Samples),
		zap.Float64("interval_sec", 1/float64(max(k.opts.Calibration.Divider, 1))))
	mhz, err := freq.Calibrate(k.hw.CPU, k.hw.PIT, k.opts.Calibration)
	if err != nil {
		k.log.Warn("CPU frequency calibration failed, keeping default",
			zap.Error(err), zap.Stringer("mhz", k.CPUFreq()))
		return
	}
	k.ctxMu.Lock()
	k.cpuMHz = mhz
	k.ctxMu.Unlock()
	k.log.Info("CPU frequency", zap.Stringer("mhz", mhz))
}

func (k *Kernel) createCounters() error {
	hlt, err := k.stats.Create(statman.Uint64, k.opts.StatsNamespace+".cycles_hlt")
	if err != nil {
		return err
	}
	total, err := k.stats.Create(statman.Uint64, k.opts.StatsNamespace+".cycles_total")
	if err != nil {
		return err
	}
	k.ctxMu.Lock()
	k.cyclesHlt, k.cyclesTotal = hlt, total
	k.ctxMu.Unlock()
	return nil
}

// report logs a collaborator failure. Collaborators own their errors; the
// boot sequence carries on.
func (k *Kernel) report(what string, err error) {
	if err != nil {
		k.bsp.Error("initialization failed", zap.String("component", what), zap.Error(err))
	}
}
