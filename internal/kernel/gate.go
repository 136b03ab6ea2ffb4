package kernel

import (
	"sync"
	"sync/atomic"
)

// Gate is the condition the boot sequence waits on before starting the
// service. It opens once the platform has signalled and every hold taken
// with Hold has been released.
type Gate struct {
	mu       sync.Mutex
	signaled bool
	holds    int
	done     chan struct{}
	open     atomic.Bool
	wake     func()
}

// NewGate returns a closed gate. wake, if not nil, is called each time the
// gate opens so that a halted CPU notices; it may run on any goroutine and
// with the gate's lock held, so it must not call back into the gate.
func NewGate(wake func()) *Gate {
	return &Gate{done: make(chan struct{}), wake: wake}
}

// Signal records platform readiness.
func (g *Gate) Signal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signaled = true
	g.maybeOpen()
}

// Hold delays opening until the returned release func is called. Release is
// safe to call more than once.
func (g *Gate) Hold() (release func()) {
	g.mu.Lock()
	g.holds++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.holds--
			g.maybeOpen()
		})
	}
}

// Reset closes the gate and forgets any earlier signal. Outstanding holds
// are kept.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signaled = false
	if g.open.Load() {
		g.open.Store(false)
		g.done = make(chan struct{})
	}
}

func (g *Gate) maybeOpen() {
	if g.open.Load() || !g.signaled || g.holds > 0 {
		return
	}
	g.open.Store(true)
	close(g.done)
	if g.wake != nil {
		g.wake()
	}
}

// Opened reports whether the gate is open.
func (g *Gate) Opened() bool {
	return g.open.Load()
}

// Done returns a channel closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Wait runs process, then halts, until the gate opens or stop reports true.
// Both conditions are checked after every process and before every halt,
// and stop wins when both hold. It returns whether the gate opened.
func (g *Gate) Wait(process, halt func(), stop func() bool) bool {
	for {
		process()
		if stop() {
			return false
		}
		if g.Opened() {
			return true
		}
		halt()
	}
}
