package kernel

import (
	"go.uber.org/zap"
)

// EventLoop processes interrupts and halts until Shutdown is requested,
// then stops the service and powers off the platform.
//
// Halting only ends on an interrupt. Nothing on the platform is periodic:
// armed timers, Shutdown and the ready gate are what raise one, the latter
// two only when the interrupt controller implements Waker.
func (k *Kernel) EventLoop() {
	k.log.Info("Running", zap.String("service", k.svc.Name()), zap.String("version", k.opts.Version))

	for k.running.Load() {
		k.hw.IRQ.ProcessPending()
		k.halt()
	}

	k.log.Info("Stopping service", zap.String("service", k.svc.Name()))
	k.svc.Stop()
	k.powerOff()
}

func (k *Kernel) powerOff() {
	k.bsp.Info("Powering off")
	if err := k.hw.Platform.Shutdown(); err != nil {
		k.bsp.Error("platform shutdown failed", zap.Error(err))
	}
}

// wake raises the wake-up interrupt if the controller has one.
func (k *Kernel) wake() {
	if w, ok := k.hw.IRQ.(Waker); ok {
		w.Wake()
	}
}

// halt idles the CPU and accounts the cycles spent halted. The total is
// stored after waking as well, so that halted never exceeds total.
func (k *Kernel) halt() {
	k.ctxMu.RLock()
	hlt, total := k.cyclesHlt, k.cyclesTotal
	k.ctxMu.RUnlock()

	if hlt == nil {
		k.hw.CPU.Halt()
		return
	}
	snap := k.hw.CPU.Cycles()
	total.Store(snap)
	k.hw.CPU.Halt()
	now := k.hw.CPU.Cycles()
	total.Store(now)
	hlt.Add(now - snap)
}

// Shutdown asks the event loop to exit. Further calls have no effect.
func (k *Kernel) Shutdown() {
	if !k.running.CompareAndSwap(true, false) {
		return
	}
	k.log.Info("Shutdown requested")
	k.wake()
}

// IsRunning reports whether Shutdown has not yet been requested.
func (k *Kernel) IsRunning() bool {
	return k.running.Load()
}
