package qemu

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"mazos/internal/kernel"
	"mazos/internal/multiboot"
)

// ErrOutOfRange is returned for accesses beyond the end of RAM.
var ErrOutOfRange = errors.New("qemu: physical address out of range")

// PhysMem is sparse, page-granular guest RAM. Untouched pages read as
// zero and cost nothing.
type PhysMem struct {
	mu    sync.RWMutex
	size  uint64
	pages map[uint64]*[kernel.PageSize]byte
}

// NewPhysMem returns size bytes of zeroed RAM.
func NewPhysMem(size uint64) *PhysMem {
	return &PhysMem{size: size, pages: make(map[uint64]*[kernel.PageSize]byte)}
}

// Size returns the amount of RAM in bytes.
func (m *PhysMem) Size() uint64 { return m.size }

// ReadAt implements io.ReaderAt over physical addresses.
func (m *PhysMem) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrOutOfRange)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := uint64(off)
	if addr >= m.size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && addr < m.size {
		page, in := addr>>kernel.PageShift, addr&(kernel.PageSize-1)
		chunk := min(uint64(len(p)-n), kernel.PageSize-in, m.size-addr)
		if pg, ok := m.pages[page]; ok {
			copy(p[n:], pg[in:in+chunk])
		} else {
			clear(p[n : n+int(chunk)])
		}
		n += int(chunk)
		addr += chunk
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over physical addresses.
func (m *PhysMem) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > m.size {
		return 0, fmt.Errorf("%w: 0x%x+%d", ErrOutOfRange, off, len(p))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := uint64(off)
	n := 0
	for n < len(p) {
		page, in := addr>>kernel.PageShift, addr&(kernel.PageSize-1)
		pg, ok := m.pages[page]
		if !ok {
			pg = new([kernel.PageSize]byte)
			m.pages[page] = pg
		}
		c := copy(pg[in:], p[n:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// Resident returns the number of pages that have been written.
func (m *PhysMem) Resident() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

// MultibootInfoAddr is where the loader places the info block.
const MultibootInfoAddr = 0x9500

// LoadMultiboot writes a multiboot info block describing this memory to
// MultibootInfoAddr and returns the matching handoff.
func (m *PhysMem) LoadMultiboot(cmdline string) (kernel.Handoff, error) {
	low := uint64(kernel.EBDAStart)
	high := uint64(0)
	if m.size > kernel.HighMemStart {
		high = m.size - kernel.HighMemStart
	}
	info := multiboot.Info{
		MemLower: uint32(low / 1024),
		MemUpper: uint32(high / 1024),
		Cmdline:  cmdline,
		MMap: []multiboot.MMapEntry{
			{Addr: 0, Length: low, Type: multiboot.MemAvailable},
			{Addr: low, Length: kernel.HighMemStart - low, Type: multiboot.MemReserved},
		},
	}
	if high > 0 {
		info.MMap = append(info.MMap, multiboot.MMapEntry{
			Addr: kernel.HighMemStart, Length: high, Type: multiboot.MemAvailable,
		})
	}
	blob, err := multiboot.Encode(MultibootInfoAddr, info)
	if err != nil {
		return kernel.Handoff{}, err
	}
	if _, err := m.WriteAt(blob, MultibootInfoAddr); err != nil {
		return kernel.Handoff{}, err
	}
	return kernel.Handoff{
		Magic:    multiboot.BootloaderMagic,
		InfoAddr: MultibootInfoAddr,
		Memory:   m,
	}, nil
}
