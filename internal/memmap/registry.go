// Package memmap keeps the kernel's map of named physical address ranges.
//
// Ranges are inclusive on both ends and never overlap. The registry is
// populated once during boot and is read-only afterwards; the only value that
// keeps changing is the in-use figure reported by a range's Usage callback.
package memmap

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sync"
)

const (
	// MaxAddr is the highest representable physical address.
	MaxAddr = ^uintptr(0)

	// SpanMax is the largest number of bytes a single range may cover.
	SpanMax = uintptr(math.MaxInt)
)

var (
	ErrInvalidRange = errors.New("memmap: invalid range")
	ErrOverlap      = errors.New("memmap: overlapping range")
	ErrNotMapped    = errors.New("memmap: address not mapped")
)

// Category groups ranges for display.
type Category string

const (
	CategoryEBDA    Category = "EBDA"
	CategoryVGA     Category = "VGA/ROM"
	CategoryELF     Category = "ELF"
	CategoryPreHeap Category = "Pre-heap"
	CategoryStatman Category = "Statman"
	CategoryStack   Category = "Stack"
	CategoryHeap    Category = "Heap"
	CategoryNA      Category = "N/A"
)

// Range is a named, inclusive span of physical addresses.
type Range struct {
	Start       uintptr
	End         uintptr
	Category    Category
	Description string

	// Usage reports the live number of bytes in use. Nil means the whole
	// range is considered in use.
	Usage func() uintptr
}

// Size returns the number of bytes covered by r.
func (r Range) Size() uintptr {
	return r.End - r.Start + 1
}

// InUse returns the bytes in use within r.
func (r Range) InUse() uintptr {
	if r.Usage != nil {
		return r.Usage()
	}
	return r.Size()
}

// Contains reports whether addr lies within r.
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Start && addr <= r.End
}

func (r Range) overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("0x%08x - 0x%08x %s (%s)", r.Start, r.End, r.Category, r.Description)
}

func (r Range) validate(spanMax uintptr) error {
	if r.Start > r.End {
		return fmt.Errorf("%w: start 0x%x after end 0x%x", ErrInvalidRange, r.Start, r.End)
	}
	if r.End-r.Start >= spanMax {
		return fmt.Errorf("%w: %s spans more than 0x%x bytes", ErrInvalidRange, r.Description, spanMax)
	}
	return nil
}

// Registry is an ordered set of non-overlapping ranges.
type Registry struct {
	mu      sync.RWMutex
	ranges  []Range
	spanMax uintptr
}

// New returns an empty registry using SpanMax as the size limit.
func New() *Registry {
	return &Registry{spanMax: SpanMax}
}

// NewWithSpanMax returns an empty registry whose ranges may cover at most
// spanMax bytes each.
func NewWithSpanMax(spanMax uintptr) *Registry {
	return &Registry{spanMax: spanMax}
}

// SpanMax returns the per-range size limit.
func (m *Registry) SpanMax() uintptr {
	return m.spanMax
}

// Assign inserts r. It fails if r is malformed or overlaps an existing range.
func (m *Registry) Assign(r Range) (Range, error) {
	if err := r.validate(m.spanMax); err != nil {
		return Range{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i, _ := slices.BinarySearchFunc(m.ranges, r.Start, cmpStart)
	if i > 0 && m.ranges[i-1].overlaps(r) {
		return Range{}, fmt.Errorf("%w: %s conflicts with %s", ErrOverlap, r, m.ranges[i-1])
	}
	if i < len(m.ranges) && m.ranges[i].overlaps(r) {
		return Range{}, fmt.Errorf("%w: %s conflicts with %s", ErrOverlap, r, m.ranges[i])
	}
	m.ranges = slices.Insert(m.ranges, i, r)
	return r, nil
}

// Lookup returns the range containing addr.
func (m *Registry) Lookup(addr uintptr) (Range, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// First range starting after addr; its predecessor is the only candidate.
	i, found := slices.BinarySearchFunc(m.ranges, addr, cmpStart)
	if found {
		return m.ranges[i], nil
	}
	if i > 0 && m.ranges[i-1].Contains(addr) {
		return m.ranges[i-1], nil
	}
	return Range{}, fmt.Errorf("%w: 0x%x", ErrNotMapped, addr)
}

// At returns the range starting exactly at start.
func (m *Registry) At(start uintptr) (Range, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, found := slices.BinarySearchFunc(m.ranges, start, cmpStart)
	if !found {
		return Range{}, false
	}
	return m.ranges[i], true
}

// All yields the ranges in ascending address order.
func (m *Registry) All() iter.Seq[Range] {
	return func(yield func(Range) bool) {
		m.mu.RLock()
		snapshot := slices.Clone(m.ranges)
		m.mu.RUnlock()

		for _, r := range snapshot {
			if !yield(r) {
				return
			}
		}
	}
}

func (m *Registry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ranges)
}

func (m *Registry) Empty() bool {
	return m.Len() == 0
}

func cmpStart(r Range, addr uintptr) int {
	switch {
	case r.Start < addr:
		return -1
	case r.Start > addr:
		return 1
	}
	return 0
}
