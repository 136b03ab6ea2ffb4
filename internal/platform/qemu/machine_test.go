package qemu

import (
	"bytes"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"mazos/internal/capacity"
	"mazos/internal/kernel"
	"mazos/internal/memmap"
	"mazos/internal/timers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIRQDeliveryOrderAndMasking(t *testing.T) {
	c := NewIRQController()
	require.NoError(t, c.Init())

	const low, mid, masked = 0, 4, 8
	var got []int
	for _, irq := range []int{IRQAPIC, low, mid} {
		require.NoError(t, c.Register(irq, func() { got = append(got, irq) }))
	}
	c.Raise(IRQAPIC)
	c.Raise(mid)
	c.Raise(low)
	c.Raise(masked)

	c.ProcessPending()
	assert.Empty(t, got, "nothing delivered before Enable")

	c.Enable()
	c.ProcessPending()
	assert.Equal(t, []int{low, mid, IRQAPIC}, got)
	assert.Equal(t, uint64(1), c.Count(IRQAPIC))
	assert.Zero(t, c.Count(masked))
	assert.False(t, c.hasPending())

	assert.Error(t, c.Register(numIRQs, func() {}))
}

func TestHaltWakesOnInterrupt(t *testing.T) {
	irq := NewIRQController()
	require.NoError(t, irq.Init())
	irq.Enable()
	cpu := NewCPU(1000, DefaultStackPointer, irq)

	go func() {
		time.Sleep(5 * time.Millisecond)
		irq.Wake()
	}()
	start := cpu.Cycles()
	cpu.Halt()
	assert.Greater(t, cpu.Cycles(), start)
	assert.Equal(t, uint64(1), cpu.Halts())
	irq.ProcessPending()
	assert.Equal(t, uint64(1), irq.Count(IRQWake))
}

func TestAPICTimer(t *testing.T) {
	irq := NewIRQController()
	require.NoError(t, irq.Init())
	irq.Enable()
	tm := NewAPICTimer(irq, zaptest.NewLogger(t))

	var first, later int
	require.NoError(t, tm.Init(func() { first++ }))
	irq.waitPending()
	irq.ProcessPending()
	assert.Equal(t, 1, first)

	tm.SetHandler(func() { later++ })
	tm.OneShot(time.Millisecond)
	irq.waitPending()
	irq.ProcessPending()
	assert.Equal(t, 1, later)
	assert.Equal(t, uint64(2), tm.Armed())

	tm.OneShot(time.Hour)
	tm.powerOff()
	tm.OneShot(time.Millisecond)
	assert.Equal(t, uint64(3), tm.Armed(), "no arming after power off")
}

func TestPITWaitTicks(t *testing.T) {
	p := &PIT{}
	require.NoError(t, p.Init())
	start := time.Now()
	p.WaitTicks(uint32(PITFrequency) / 200)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestPhysMem(t *testing.T) {
	m := NewPhysMem(3 * kernel.PageSize)
	data := bytes.Repeat([]byte{0xAB}, 100)

	n, err := m.WriteAt(data, kernel.PageSize-50)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, 2, m.Resident())

	buf := make([]byte, 120)
	n, err = m.ReadAt(buf, kernel.PageSize-60)
	require.NoError(t, err)
	assert.Equal(t, 120, n)
	assert.Equal(t, make([]byte, 10), buf[:10])
	assert.Equal(t, data, buf[10:110])
	assert.Equal(t, make([]byte, 10), buf[110:])

	n, err = m.ReadAt(buf, 3*kernel.PageSize-20)
	assert.Equal(t, 20, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = m.WriteAt(data, 3*kernel.PageSize-20)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestLoadMultiboot(t *testing.T) {
	m := NewPhysMem(64 << 20)
	h, err := m.LoadMultiboot("hello.elf verbose")
	require.NoError(t, err)

	c, err := capacity.Resolve(capacity.Input{
		Magic:    h.Magic,
		InfoAddr: h.InfoAddr,
		Memory:   h.Memory,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, capacity.SourceMultiboot, c.Source)
	assert.Equal(t, uint64(639*1024), c.LowBytes)
	assert.Equal(t, uint64(63)<<20, c.HighBytes)
	assert.Equal(t, "hello.elf verbose", c.Cmdline)
	assert.Len(t, c.MMap, 3)
}

func TestCMOSMemInfo(t *testing.T) {
	tests := []struct {
		mib      uint64
		extended uint16
	}{
		{1, 0},
		{32, 31 * 1024},
		{64, 63 * 1024},
		{128, capacity.ExtendedUnknown},
	}
	for _, tt := range tests {
		c := NewCMOS(tt.mib<<20, time.Time{})
		base, ext := c.MemInfo()
		assert.Equal(t, uint16(639), base)
		assert.Equal(t, tt.extended, ext, "%d MiB", tt.mib)
	}
}

func TestCMOSClock(t *testing.T) {
	epoch := time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)
	c := NewCMOS(0, epoch)
	assert.Equal(t, epoch, c.Now())
	require.NoError(t, c.Init())
	assert.False(t, c.Now().Before(epoch))
}

func TestPCIScan(t *testing.T) {
	b, err := NewPCIBus(DefaultPCIFunctions, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Empty(t, b.Devices())
	require.NoError(t, b.Init())

	devs := b.Devices()
	require.Len(t, devs, len(DefaultPCIFunctions))
	assert.Equal(t, kernel.Device{
		Slot: 3, VendorID: VendorVirtio, DeviceID: 0x1000, Class: "network", Name: "virtio-net",
	}, devs[3])
	assert.Equal(t, "display", devs[2].Class)
	assert.Equal(t, uint32(0xFFFFFFFF), b.ConfigRead32(0, 31, 0, 0))

	_, err = NewPCIBus([]PCIFunction{{Slot: 40}}, nil)
	assert.Error(t, err)
}

func TestHeapSbrk(t *testing.T) {
	h := NewHeap(0x340001, 0x340FFF)
	assert.Equal(t, uintptr(0x340010), h.Begin())

	p, err := h.Sbrk(10)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x340010), p)
	assert.Equal(t, uintptr(0x340020), h.End())

	_, err = h.Sbrk(0x1000)
	assert.ErrorIs(t, err, ErrHeapExhausted)

	h.Release(0x100)
	assert.Equal(t, h.Begin(), h.End())
}

func TestUART(t *testing.T) {
	var sb strings.Builder
	u := NewUART(&sb)
	u.Write([]byte("hello "))
	u.Write([]byte("world"))
	assert.Equal(t, "hello world", sb.String())
	assert.Equal(t, uint64(11), u.Written())

	NewUART(nil).Write([]byte("dropped"))
}

// tickService shuts the kernel down after a few timer callbacks.
type tickService struct {
	k       *kernel.Kernel
	ticks   atomic.Int32
	ready   atomic.Bool
	stopped atomic.Bool
}

func (s *tickService) BinaryName() string { return "tick.elf" }
func (s *tickService) Name() string       { return "Tick" }
func (s *tickService) Ready()             { s.ready.Store(true) }
func (s *tickService) Stop()              { s.stopped.Store(true) }

func (s *tickService) Start(string) {
	s.k.Timers().Periodic(time.Millisecond, time.Millisecond, func(id timers.ID) {
		if s.ticks.Add(1) == 5 {
			s.k.Timers().Stop(id)
			s.k.Shutdown()
		}
	})
}

func TestBootOnMachine(t *testing.T) {
	var serial bytes.Buffer
	cfg := DefaultConfig()
	cfg.Serial = &serial
	m, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	svc := &tickService{}
	k, err := kernel.New(kernel.DefaultOptions(), m.Hardware(), svc, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	svc.k = k
	k.AddOutput(m.Serial.Write)

	h, err := m.Handoff(true, "tick.elf -v")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- k.Start(h) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		k.Shutdown()
		t.Fatal("kernel did not shut down")
	}

	select {
	case <-m.PoweredOff():
	default:
		t.Fatal("machine still powered")
	}
	assert.True(t, svc.ready.Load())
	assert.True(t, svc.stopped.Load())
	assert.Equal(t, int32(5), svc.ticks.Load())
	assert.Equal(t, "tick.elf -v", k.Cmdline())
	assert.InDelta(t, 2000, float64(k.CPUFreq()), 200)
	assert.Equal(t, cfg.CPUMHz, k.MaxCPUFreq())
	assert.Len(t, k.Devices(), len(DefaultPCIFunctions))

	heap, err := k.MemoryMap().Lookup(kernel.DefaultLayout.HeapBegin)
	require.NoError(t, err)
	assert.Equal(t, memmap.CategoryHeap, heap.Category)
	assert.Equal(t, uintptr(0x7FFFFFF), heap.End)

	halted, total := k.CycleStats()
	assert.LessOrEqual(t, halted, total)
	assert.Positive(t, m.CPU.Halts())

	_, err = k.Sbrk(k.HeapMax())
	assert.ErrorIs(t, err, ErrHeapExhausted, "heap capped at the end of its range")

	k.Print([]byte("bye\n"))
	assert.Equal(t, "bye\n", serial.String())

	assert.ErrorIs(t, (*platform)(m).Shutdown(), ErrPoweredOff)
}

func TestShutdownFromAnotherGoroutine(t *testing.T) {
	m, err := New(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	idle := &idleService{started: make(chan struct{})}
	k, err := kernel.New(kernel.DefaultOptions(), m.Hardware(), idle, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- k.Start(kernel.Handoff{}) }()

	select {
	case <-idle.started:
	case <-time.After(10 * time.Second):
		t.Fatal("service never started")
	}
	k.Shutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("halted CPU was not woken")
	}
	assert.Equal(t, capacity.SourceLinker, k.Capacity().Source)
}

func TestDeferReadyReleasedByDevice(t *testing.T) {
	m, err := New(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	idle := &idleService{started: make(chan struct{})}
	k, err := kernel.New(kernel.DefaultOptions(), m.Hardware(), idle, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	var releasedAt atomic.Int64
	require.NoError(t, k.RegisterCustomInit("late device", func() error {
		release := k.DeferReady()
		time.AfterFunc(30*time.Millisecond, func() {
			releasedAt.Store(time.Now().UnixNano())
			release()
		})
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- k.Start(kernel.Handoff{}) }()

	select {
	case <-idle.started:
	case <-time.After(10 * time.Second):
		k.Shutdown()
		<-done
		t.Fatal("halted CPU never noticed the released hold")
	}
	assert.NotZero(t, releasedAt.Load(), "service started before the hold was released")
	k.Shutdown()
	require.NoError(t, <-done)
	assert.Positive(t, m.IRQ.Count(IRQWake))
}

func TestShutdownWhileWaitingForReady(t *testing.T) {
	m, err := New(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	idle := &idleService{started: make(chan struct{})}
	k, err := kernel.New(kernel.DefaultOptions(), m.Hardware(), idle, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, k.RegisterCustomInit("never ready", func() error {
		k.DeferReady()
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- k.Start(kernel.Handoff{}) }()
	time.Sleep(20 * time.Millisecond)
	k.Shutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, kernel.ErrShutdownBeforeReady)
	case <-time.After(10 * time.Second):
		t.Fatal("halted CPU was not woken")
	}
	select {
	case <-idle.started:
		t.Fatal("service started after shutdown")
	default:
	}
}

type idleService struct{ started chan struct{} }

func (s *idleService) BinaryName() string { return "idle.elf" }
func (s *idleService) Name() string       { return "Idle" }
func (s *idleService) Ready()             {}
func (s *idleService) Stop()              {}
func (s *idleService) Start(string)       { close(s.started) }
