package kernel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mazos/internal/freq"
	"mazos/internal/statman"
)

// recorder collects collaborator calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) index(s string) int {
	for i, c := range r.all() {
		if c == s {
			return i
		}
	}
	return -1
}

// fakeMachine is a deterministic single-goroutine machine. Interrupts are
// queued closures delivered by ProcessPending; time only moves when the CPU
// halts or the PIT is waited on.
//
// By default Halt returns at once. With blocking set, Halt parks until an
// interrupt is raised or Wake is called, possibly from another goroutine.
type fakeMachine struct {
	rec *recorder

	cycles   uint64
	mhz      freq.MHz
	nominal  freq.MHz
	sp       uintptr
	halts    int
	maxHalts int
	onHalt   func(n int)

	blocking bool
	mu       sync.Mutex
	pending  []func()
	wakes    int
	woken    bool
	kick     chan struct{}

	pitHz       float64
	noFirstTick bool
	timerFirst  func()
	timerH      func()
	armed       []time.Duration

	cmosBase, cmosExt uint16
	heapBegin         uintptr
	heapEnd           uintptr
	heapLimit         uintptr
	shutdownErr       error
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{
		rec:       &recorder{},
		mhz:       2000,
		sp:        0x9F000,
		maxHalts:  10000,
		pitHz:     1e6,
		cmosBase:  639,
		cmosExt:   0xFFFF,
		heapBegin: DefaultLayout.HeapBegin,
		heapEnd:   DefaultLayout.HeapBegin + 0x1000,
		kick:      make(chan struct{}, 1),
	}
}

// CPU
func (m *fakeMachine) Cycles() uint64             { return m.cycles }
func (m *fakeMachine) StackPointer() uintptr      { return m.sp }
func (m *fakeMachine) NominalFrequency() freq.MHz { return m.nominal }

func (m *fakeMachine) Halt() {
	m.halts++
	m.cycles += 5000
	if m.onHalt != nil {
		m.onHalt(m.halts)
	}
	for m.blocking && !m.interrupted() {
		<-m.kick
	}
}

func (m *fakeMachine) interrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0 || m.woken
}

func (m *fakeMachine) notify() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *fakeMachine) raise(f func()) {
	m.mu.Lock()
	m.pending = append(m.pending, f)
	m.mu.Unlock()
	m.notify()
}

func (m *fakeMachine) wakeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakes
}

// InterruptController
func (m *fakeMachine) Init() error { m.rec.add("irq.init"); return nil }
func (m *fakeMachine) Enable()     { m.rec.add("irq.enable") }

func (m *fakeMachine) Wake() {
	m.mu.Lock()
	m.wakes++
	m.woken = true
	m.mu.Unlock()
	m.notify()
}

func (m *fakeMachine) ProcessPending() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.woken = false
	m.mu.Unlock()
	for _, f := range batch {
		f()
	}
}

type fakePlatform struct{ m *fakeMachine }

func (p fakePlatform) Init() error     { p.m.rec.add("acpi.init"); return nil }
func (p fakePlatform) InitAPIC() error { p.m.rec.add("apic.init"); return nil }
func (p fakePlatform) Shutdown() error { p.m.rec.add("platform.shutdown"); return p.m.shutdownErr }

type fakePIT struct{ m *fakeMachine }

func (p fakePIT) Init() error        { p.m.rec.add("pit.init"); return nil }
func (p fakePIT) Frequency() float64 { return p.m.pitHz }
func (p fakePIT) WaitTicks(n uint32) {
	if p.m.pitHz > 0 {
		p.m.cycles += uint64(float64(n) / p.m.pitHz * p.m.mhz.Hz())
	}
}

type fakeTimer struct{ m *fakeMachine }

func (t fakeTimer) Init(first func()) error {
	t.m.rec.add("timer.init")
	t.m.timerFirst = first
	if !t.m.noFirstTick {
		t.m.raise(first)
	}
	return nil
}
func (t fakeTimer) SetHandler(h func()) { t.m.timerH = h }
func (t fakeTimer) OneShot(d time.Duration) {
	t.m.armed = append(t.m.armed, d)
	if h := t.m.timerH; h != nil {
		t.m.raise(h)
	}
}
func (t fakeTimer) Stop() {}

type fakePCI struct{ m *fakeMachine }

func (p fakePCI) Init() error { p.m.rec.add("pci.init"); return nil }
func (p fakePCI) Devices() []Device {
	return []Device{{Bus: 0, Slot: 3, VendorID: 0x1AF4, DeviceID: 0x1000, Class: "network", Name: "virtio-net"}}
}

type fakeRTC struct{ m *fakeMachine }

func (r fakeRTC) Init() error    { r.m.rec.add("rtc.init"); return nil }
func (r fakeRTC) Now() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }

type fakeCMOS struct{ m *fakeMachine }

func (c fakeCMOS) MemInfo() (uint16, uint16) { return c.m.cmosBase, c.m.cmosExt }

type fakeHeap struct{ m *fakeMachine }

func (h fakeHeap) Begin() uintptr { return h.m.heapBegin }
func (h fakeHeap) End() uintptr   { return h.m.heapEnd }

func (h fakeHeap) SetLimit(last uintptr) { h.m.heapLimit = last }

func (h fakeHeap) Sbrk(n uintptr) (uintptr, error) {
	old := h.m.heapEnd
	if h.m.heapLimit != 0 && old+n-1 > h.m.heapLimit {
		return 0, errBoom
	}
	h.m.heapEnd += n
	return old, nil
}

func (h fakeHeap) Release(n uintptr) {
	h.m.heapEnd -= min(n, h.m.heapEnd-h.m.heapBegin)
}

// fixedHeap hides the allocator methods of the fake heap.
func (m *fakeMachine) fixedHeap() Heap { return struct{ Heap }{fakeHeap{m}} }

func (m *fakeMachine) hardware() Hardware {
	return Hardware{
		CPU:      m,
		IRQ:      m,
		Platform: fakePlatform{m},
		PIT:      fakePIT{m},
		Timer:    fakeTimer{m},
		PCI:      fakePCI{m},
		RTC:      fakeRTC{m},
		CMOS:     fakeCMOS{m},
		Heap:     fakeHeap{m},
	}
}

// fakeService shuts the kernel down from Start unless keepRunning is set.
type fakeService struct {
	rec         *recorder
	k           *Kernel
	keepRunning bool
	cmdline     string
	onStart     func()
}

func (s *fakeService) BinaryName() string { return "fake.elf" }
func (s *fakeService) Name() string       { return "Fake service" }
func (s *fakeService) Ready()             { s.rec.add("svc.ready") }
func (s *fakeService) Stop()              { s.rec.add("svc.stop") }

func (s *fakeService) Start(cmdline string) {
	s.rec.add("svc.start")
	s.cmdline = cmdline
	if s.onStart != nil {
		s.onStart()
	}
	if !s.keepRunning {
		s.k.Shutdown()
	}
}

func newTestKernel(t *testing.T, m *fakeMachine, log *zap.Logger) (*Kernel, *fakeService) {
	t.Helper()
	svc := &fakeService{rec: m.rec}
	opts := DefaultOptions()
	opts.Calibration = freq.Options{Samples: 4, Divider: 1000}
	k, err := New(opts, m.hardware(), svc, statman.New(0), log)
	require.NoError(t, err)
	svc.k = k
	m.onHalt = func(n int) {
		if n >= m.maxHalts {
			k.Shutdown()
		}
	}
	return k, svc
}

var errBoom = errors.New("boom")
