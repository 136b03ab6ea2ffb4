package qemu

import (
	"sync"
	"time"

	"mazos/internal/capacity"
	"mazos/internal/kernel"
)

// CMOS register offsets.
const (
	cmosBaseLo = 0x15
	cmosBaseHi = 0x16
	cmosExtLo  = 0x17
	cmosExtHi  = 0x18
)

// CMOS is the battery-backed NVRAM and real-time clock.
type CMOS struct {
	mu    sync.Mutex
	regs  [128]byte
	epoch time.Time
	start time.Time
}

// NewCMOS fills the memory size registers the way firmware does for
// memBytes of RAM. The clock reads epoch at power-on.
func NewCMOS(memBytes uint64, epoch time.Time) *CMOS {
	c := &CMOS{epoch: epoch}
	base := uint16(kernel.EBDAStart / 1024)
	ext := capacity.ExtendedUnknown
	if memBytes > kernel.HighMemStart {
		if kb := (memBytes - kernel.HighMemStart) / 1024; kb < uint64(capacity.ExtendedUnknown) {
			ext = uint16(kb)
		}
	} else {
		ext = 0
	}
	c.regs[cmosBaseLo], c.regs[cmosBaseHi] = byte(base), byte(base>>8)
	c.regs[cmosExtLo], c.regs[cmosExtHi] = byte(ext), byte(ext>>8)
	return c
}

// Read returns register r.
func (c *CMOS) Read(r uint8) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[r&0x7F]
}

// MemInfo implements capacity.MemInfoSource.
func (c *CMOS) MemInfo() (baseKB, extendedKB uint16) {
	baseKB = uint16(c.Read(cmosBaseLo)) | uint16(c.Read(cmosBaseHi))<<8
	extendedKB = uint16(c.Read(cmosExtLo)) | uint16(c.Read(cmosExtHi))<<8
	return baseKB, extendedKB
}

// Init starts the clock.
func (c *CMOS) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = time.Now()
	return nil
}

// Now returns wall-clock time.
func (c *CMOS) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.start.IsZero() {
		return c.epoch
	}
	return c.epoch.Add(time.Since(c.start)).UTC()
}

var (
	_ capacity.MemInfoSource = (*CMOS)(nil)
	_ kernel.Clock           = (*CMOS)(nil)
)
