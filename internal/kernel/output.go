package kernel

import (
	"io"
	"slices"
	"sync"
)

// OutputHandler receives every span written to the kernel's standard output.
// p is only valid for the duration of the call.
type OutputHandler func(p []byte)

type outputs struct {
	mu       sync.RWMutex
	handlers []OutputHandler
}

func (o *outputs) add(h OutputHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, h)
}

func (o *outputs) print(p []byte) int {
	o.mu.RLock()
	hs := slices.Clone(o.handlers)
	o.mu.RUnlock()

	for _, h := range hs {
		h(p)
	}
	return len(p)
}

// AddOutput registers h. Handlers are called in registration order.
func (k *Kernel) AddOutput(h OutputHandler) {
	k.out.add(h)
}

// Print writes p to every output handler and returns len(p).
func (k *Kernel) Print(p []byte) int {
	return k.out.print(p)
}

// Stdout returns a writer that forwards to Print.
func (k *Kernel) Stdout() io.Writer {
	return stdout{k}
}

type stdout struct{ k *Kernel }

func (w stdout) Write(p []byte) (int, error) {
	return w.k.Print(p), nil
}
