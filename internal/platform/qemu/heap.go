package qemu

import (
	"errors"
	"sync"

	"mazos/internal/kernel"
)

// heapAlignment is the granularity of every break adjustment.
const heapAlignment = 16

var ErrHeapExhausted = errors.New("qemu: heap exhausted")

// Heap is a bump allocator over a contiguous region, grown with Sbrk.
type Heap struct {
	mu    sync.Mutex
	begin uintptr
	brk   uintptr
	limit uintptr
}

// NewHeap returns an empty heap starting at begin. A zero limit means the
// heap may grow to the top of the address space.
func NewHeap(begin, limit uintptr) *Heap {
	begin = (begin + heapAlignment - 1) &^ (heapAlignment - 1)
	return &Heap{begin: begin, brk: begin, limit: limit}
}

func (h *Heap) Begin() uintptr { return h.begin }

// End returns the current break.
func (h *Heap) End() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.brk
}

// SetLimit sets the last usable heap address.
func (h *Heap) SetLimit(limit uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limit = limit
}

// Sbrk moves the break up by n bytes, rounded up to the alignment, and
// returns the old break.
func (h *Heap) Sbrk(n uintptr) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n = (n + heapAlignment - 1) &^ (heapAlignment - 1)
	old := h.brk
	next := old + n
	if next < old || (h.limit != 0 && next-1 > h.limit) {
		return 0, ErrHeapExhausted
	}
	h.brk = next
	return old, nil
}

// Release moves the break down by n bytes, never below Begin.
func (h *Heap) Release(n uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n = (n + heapAlignment - 1) &^ (heapAlignment - 1)
	if h.brk-h.begin < n {
		h.brk = h.begin
		return
	}
	h.brk -= n
}

var _ kernel.HeapAllocator = (*Heap)(nil)
