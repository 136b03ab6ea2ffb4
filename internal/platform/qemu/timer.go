package qemu

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PITFrequency is the input clock of the 8253/8254 interval timer.
const PITFrequency = 1193182.0

// PIT is the programmable interval timer. The kernel only uses it as a
// fixed-rate reference while calibrating the CPU.
type PIT struct {
	initialized bool
}

func (p *PIT) Init() error {
	p.initialized = true
	return nil
}

// Frequency returns the PIT input clock in Hz.
func (p *PIT) Frequency() float64 { return PITFrequency }

// WaitTicks spins until n ticks of the input clock have elapsed.
func (p *PIT) WaitTicks(n uint32) {
	d := time.Duration(float64(n) / PITFrequency * float64(time.Second))
	deadline := time.Now().Add(d)
	// Sleep most of the interval, then spin for precision.
	if d > 2*time.Millisecond {
		time.Sleep(d - time.Millisecond)
	}
	for time.Now().Before(deadline) {
	}
}

// APICTimer is the local APIC timer in one-shot mode.
type APICTimer struct {
	irq *IRQController
	log *zap.Logger

	// FirstTick is the delay before the interrupt that follows Init.
	FirstTick time.Duration

	mu      sync.Mutex
	handler func()
	t       *time.Timer
	stopped bool
	armed   uint64
}

// NewAPICTimer returns a timer delivering on IRQAPIC.
func NewAPICTimer(irq *IRQController, log *zap.Logger) *APICTimer {
	return &APICTimer{irq: irq, log: log, FirstTick: time.Millisecond}
}

// Init registers the interrupt handler and arms the first tick, which runs
// first. SetHandler replaces the handler for every later tick.
func (a *APICTimer) Init(first func()) error {
	a.mu.Lock()
	a.handler = first
	a.stopped = false
	a.mu.Unlock()

	if err := a.irq.Register(IRQAPIC, a.interrupt); err != nil {
		return err
	}
	a.log.Debug("APIC timer armed", zap.Duration("first_tick", a.FirstTick))
	a.OneShot(a.FirstTick)
	return nil
}

func (a *APICTimer) interrupt() {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h()
	}
}

func (a *APICTimer) SetHandler(h func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// OneShot arms the timer to interrupt once after d, replacing any earlier
// deadline.
func (a *APICTimer) OneShot(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if a.t != nil {
		a.t.Stop()
	}
	a.armed++
	a.t = time.AfterFunc(max(d, 0), func() { a.irq.Raise(IRQAPIC) })
}

// Stop disarms the timer.
func (a *APICTimer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
}

// powerOff disarms the timer for good.
func (a *APICTimer) powerOff() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
}

// Armed returns how many times the timer has been armed.
func (a *APICTimer) Armed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}
