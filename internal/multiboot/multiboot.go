// Package multiboot decodes the boot information block handed over by a
// multiboot (v1) compliant bootloader.
package multiboot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"mazos/internal/bitfield"
)

// BootloaderMagic is the value a compliant bootloader leaves in EAX.
const BootloaderMagic uint32 = 0x2BADB002

const (
	infoSize      = 52
	mmapEntrySize = 24
	maxCmdline    = 4096
	maxMMapBytes  = 64 * 1024
)

var (
	ErrTruncated  = errors.New("multiboot: truncated info block")
	ErrBadMMap    = errors.New("multiboot: malformed memory map")
	ErrBadCmdline = errors.New("multiboot: unreadable command line")
)

// Flags reports which optional fields of the info block are valid.
type Flags struct {
	Memory         bool   `bitfield:",1"`
	BootDevice     bool   `bitfield:",1"`
	Cmdline        bool   `bitfield:",1"`
	Modules        bool   `bitfield:",1"`
	AOutSymbols    bool   `bitfield:",1"`
	ELFSections    bool   `bitfield:",1"`
	MemoryMap      bool   `bitfield:",1"`
	Drives         bool   `bitfield:",1"`
	ConfigTable    bool   `bitfield:",1"`
	BootloaderName bool   `bitfield:",1"`
	APMTable       bool   `bitfield:",1"`
	VBE            bool   `bitfield:",1"`
	Framebuffer    bool   `bitfield:",1"`
	Reserved       uint32 `bitfield:",19"`
}

// ParseFlags unpacks the raw flag word.
func ParseFlags(raw uint32) Flags {
	var f Flags
	// Flags only holds bool and uint fields, Unpack cannot fail on it.
	_ = bitfield.Unpack(uint64(raw), &f)
	return f
}

// Raw packs f back into a flag word. It fails when Reserved does not fit
// its 19 bits.
func (f Flags) Raw() (uint32, error) {
	v, err := bitfield.Pack(f, &bitfield.Config{NumBits: 32})
	if err != nil {
		return 0, fmt.Errorf("multiboot: packing flags: %w", err)
	}
	return uint32(v), nil
}

// MemoryType classifies a firmware memory map entry.
type MemoryType uint32

const (
	MemAvailable MemoryType = 1
	MemReserved  MemoryType = 2
	MemACPI      MemoryType = 3
	MemNVS       MemoryType = 4
)

func (t MemoryType) String() string {
	if t == MemAvailable {
		return "FREE"
	}
	return "RESERVED"
}

// MMapEntry is one firmware memory descriptor.
type MMapEntry struct {
	Addr   uint64
	Length uint64
	Type   MemoryType
}

// Info is the decoded boot information block.
type Info struct {
	Flags Flags

	// Sizes in KiB of memory below 1 MiB and above 1 MiB.
	MemLower uint32
	MemUpper uint32

	Cmdline string
	MMap    []MMapEntry
}

// Decode reads the info block at addr from physical memory.
//
// Only an unreadable fixed header yields a nil Info. When the command line
// or the memory map cannot be read, the rest of the block is still
// returned, with that field empty and its flag cleared, together with an
// error describing what was dropped.
func Decode(mem io.ReaderAt, addr uint32) (*Info, error) {
	hdr := make([]byte, infoSize)
	if _, err := mem.ReadAt(hdr, int64(addr)); err != nil {
		return nil, fmt.Errorf("%w at 0x%x: %v", ErrTruncated, addr, err)
	}
	le := binary.LittleEndian

	info := &Info{Flags: ParseFlags(le.Uint32(hdr[0:]))}
	if info.Flags.Memory {
		info.MemLower = le.Uint32(hdr[4:])
		info.MemUpper = le.Uint32(hdr[8:])
	}

	var errs []error
	if info.Flags.Cmdline {
		s, err := readCString(mem, int64(le.Uint32(hdr[16:])))
		if err != nil {
			info.Flags.Cmdline = false
			errs = append(errs, fmt.Errorf("%w: %v", ErrBadCmdline, err))
		} else {
			info.Cmdline = s
		}
	}
	if info.Flags.MemoryMap {
		entries, err := readMMap(mem, le.Uint32(hdr[48:]), le.Uint32(hdr[44:]))
		if err != nil {
			info.Flags.MemoryMap = false
			errs = append(errs, err)
		} else {
			info.MMap = entries
		}
	}
	return info, errors.Join(errs...)
}

func readCString(mem io.ReaderAt, off int64) (string, error) {
	buf := make([]byte, 256)
	var out []byte
	for len(out) < maxCmdline {
		n, err := mem.ReadAt(buf, off)
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf[:n]...)
		off += int64(n)
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("string at 0x%x longer than %d bytes", off, maxCmdline)
}

func readMMap(mem io.ReaderAt, addr, length uint32) ([]MMapEntry, error) {
	if length > maxMMapBytes {
		return nil, fmt.Errorf("%w: length %d", ErrBadMMap, length)
	}
	buf := make([]byte, length)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMMap, err)
	}
	le := binary.LittleEndian

	var entries []MMapEntry
	for off := uint32(0); off < length; {
		if length-off < 4 {
			return nil, fmt.Errorf("%w: trailing %d bytes", ErrBadMMap, length-off)
		}
		// The size field does not count itself.
		size := le.Uint32(buf[off:])
		if size < 20 || size > length-off-4 {
			return nil, fmt.Errorf("%w: entry size %d at offset %d", ErrBadMMap, size, off)
		}
		e := buf[off+4:]
		entries = append(entries, MMapEntry{
			Addr:   le.Uint64(e[0:]),
			Length: le.Uint64(e[8:]),
			Type:   MemoryType(le.Uint32(e[16:])),
		})
		off += size + 4
	}
	return entries, nil
}
