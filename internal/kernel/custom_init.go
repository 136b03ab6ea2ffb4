package kernel

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// CustomInit is a named function run once during boot, after the platform
// is up and before the service starts.
type CustomInit struct {
	Name string
	Func func() error
}

// InitResult records the outcome of one custom init.
type InitResult struct {
	Name string
	Err  error
}

type initRegistry struct {
	mu      sync.Mutex
	entries []CustomInit
	closed  bool
	results []InitResult
}

// RegisterCustomInit appends fn to the custom init list. Registration
// closes when the boot sequence starts running the list.
func (k *Kernel) RegisterCustomInit(name string, fn func() error) error {
	k.inits.mu.Lock()
	defer k.inits.mu.Unlock()
	if k.inits.closed {
		return fmt.Errorf("%w: %s", ErrInitClosed, name)
	}
	k.log.Info("Registering custom init function", zap.String("name", name))
	k.inits.entries = append(k.inits.entries, CustomInit{Name: name, Func: fn})
	return nil
}

// CustomInitResults returns the outcome of every custom init that has run.
func (k *Kernel) CustomInitResults() []InitResult {
	k.inits.mu.Lock()
	defer k.inits.mu.Unlock()
	return slices.Clone(k.inits.results)
}

func (k *Kernel) runCustomInits() {
	k.inits.mu.Lock()
	k.inits.closed = true
	entries := slices.Clone(k.inits.entries)
	k.inits.mu.Unlock()

	k.log.Info("Calling custom initialization functions", zap.Int("count", len(entries)))
	for _, ci := range entries {
		k.log.Info("Calling custom init", zap.String("name", ci.Name))
		err := runCustomInit(ci)
		if err != nil {
			k.log.Error("custom init failed", zap.String("name", ci.Name), zap.Error(err))
		}
		k.inits.mu.Lock()
		k.inits.results = append(k.inits.results, InitResult{Name: ci.Name, Err: err})
		k.inits.mu.Unlock()
	}
}

// runCustomInit turns both a returned error and a panic into an error.
func runCustomInit(ci CustomInit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", ci.Name, r)
		}
	}()
	if ci.Func == nil {
		return nil
	}
	return ci.Func()
}
