// Package capacity works out how much physical memory the machine has.
//
// A multiboot info block is authoritative when present. Otherwise the CMOS
// base/extended memory registers are consulted and reconciled against the
// memory ceiling the image was linked for.
package capacity

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"mazos/internal/multiboot"
)

// ExtendedUnknown is the CMOS extended memory value meaning "unknown or
// more than the register can hold".
const ExtendedUnknown uint16 = 0xFFFF

// Source identifies where the resolved high memory size came from.
type Source string

const (
	SourceMultiboot Source = "multiboot"
	SourceCMOS      Source = "cmos"
	SourceLinker    Source = "linker"
)

// MemInfoSource reads the CMOS memory size registers, both in KiB.
type MemInfoSource interface {
	MemInfo() (baseKB, extendedKB uint16)
}

// Input describes the boot handoff and fallback sources.
type Input struct {
	Magic    uint32
	InfoAddr uint32
	Memory   io.ReaderAt

	CMOS MemInfoSource

	// MaxMemMiB is the link-time memory ceiling. Everything above the first
	// MiB of it is usable high memory.
	MaxMemMiB uint32

	// Cmdline is used unless the bootloader provides one.
	Cmdline string
}

// Capacity is the outcome of discovery.
type Capacity struct {
	LowBytes  uint64
	HighBytes uint64
	Cmdline   string
	Source    Source

	// MMap is the firmware memory map when the bootloader provided one. It is
	// informational only.
	MMap []multiboot.MMapEntry
}

// CapBytes is the usable high memory implied by the link-time ceiling.
func CapBytes(maxMemMiB uint32) uint64 {
	if maxMemMiB == 0 {
		return 0
	}
	return uint64(maxMemMiB-1) << 20
}

// Decide reconciles the CMOS extended memory value against the link-time
// cap. The sentinel and any value below the cap both resolve to the cap.
func Decide(extendedKB uint16, capBytes uint64) (uint64, Source) {
	if extendedKB == ExtendedUnknown {
		return capBytes, SourceLinker
	}
	reported := uint64(extendedKB) * 1024
	if reported < capBytes {
		return capBytes, SourceLinker
	}
	return reported, SourceCMOS
}

// Resolve runs discovery. Only an unreadable multiboot header, or having no
// source at all, yields an error. A command line or memory map that cannot
// be decoded is logged and skipped; the memory sizes from the header are
// kept. Discrepancies between sources are settled by Decide.
func Resolve(in Input, log *zap.Logger) (Capacity, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := Capacity{Cmdline: in.Cmdline}

	if in.Magic == multiboot.BootloaderMagic && in.Memory != nil {
		log.Info("Booted with multiboot", zap.String("info", fmt.Sprintf("0x%x", in.InfoAddr)))
		info, err := multiboot.Decode(in.Memory, in.InfoAddr)
		if info == nil {
			return Capacity{}, fmt.Errorf("capacity: %w", err)
		}
		if err != nil {
			log.Warn("Ignoring unreadable multiboot fields", zap.Error(err))
		}
		c.Source = SourceMultiboot
		if !info.Flags.Memory {
			log.Info("No memory info provided in multiboot info")
			return c, nil
		}
		c.LowBytes = uint64(info.MemLower) * 1024
		c.HighBytes = uint64(info.MemUpper) * 1024
		log.Info("Multiboot memory",
			zap.Uint32("lower_kb", info.MemLower),
			zap.Uint32("upper_kb", info.MemUpper))

		if info.Flags.Cmdline {
			c.Cmdline = info.Cmdline
		}
		if info.Flags.MemoryMap {
			c.MMap = info.MMap
			log.Info("Multiboot provided memory map", zap.Int("entries", len(info.MMap)))
			for _, e := range info.MMap {
				log.Info("mmap",
					zap.String("start", fmt.Sprintf("0x%x", e.Addr)),
					zap.String("end", fmt.Sprintf("0x%x", e.Addr+e.Length-1)),
					zap.Stringer("type", e.Type),
					zap.Uint64("kib", e.Length/1024))
			}
		}
		return c, nil
	}

	if in.CMOS == nil {
		return Capacity{}, fmt.Errorf("capacity: no multiboot info and no CMOS source")
	}
	base, ext := in.CMOS.MemInfo()
	capBytes := CapBytes(in.MaxMemMiB)
	c.LowBytes = uint64(base) * 1024
	c.HighBytes, c.Source = Decide(ext, capBytes)
	log.Info("Queried CMOS for memory",
		zap.Uint16("base_kb", base),
		zap.Uint16("extended_kb", ext),
		zap.Uint64("cap_bytes", capBytes),
		zap.String("source", string(c.Source)),
		zap.Uint64("high_bytes", c.HighBytes))
	return c, nil
}
