package multiboot

import "encoding/binary"

// Encode lays out info as a bootloader would, assuming the block is placed
// at physical address base. The command line and memory map follow the
// fixed header. Flags for the optional fields are derived from their
// presence; info.Flags contributes any other bits.
func Encode(base uint32, info Info) ([]byte, error) {
	le := binary.LittleEndian

	flags := info.Flags
	flags.Memory = flags.Memory || info.MemLower != 0 || info.MemUpper != 0
	flags.Cmdline = info.Cmdline != ""
	flags.MemoryMap = len(info.MMap) > 0

	// Header padded to a 16-byte boundary.
	const hdrLen = (infoSize + 15) &^ 15
	cmdOff := uint32(hdrLen)
	mmapOff := cmdOff + uint32(len(info.Cmdline)) + 1
	mmapOff = (mmapOff + 7) &^ 7
	mmapLen := uint32(len(info.MMap) * mmapEntrySize)

	raw, err := flags.Raw()
	if err != nil {
		return nil, err
	}
	out := make([]byte, mmapOff+mmapLen)
	le.PutUint32(out[0:], raw)
	le.PutUint32(out[4:], info.MemLower)
	le.PutUint32(out[8:], info.MemUpper)
	if flags.Cmdline {
		le.PutUint32(out[16:], base+cmdOff)
		copy(out[cmdOff:], info.Cmdline)
	}
	if flags.MemoryMap {
		le.PutUint32(out[44:], mmapLen)
		le.PutUint32(out[48:], base+mmapOff)
		for i, e := range info.MMap {
			p := out[mmapOff+uint32(i*mmapEntrySize):]
			le.PutUint32(p[0:], mmapEntrySize-4)
			le.PutUint64(p[4:], e.Addr)
			le.PutUint64(p[12:], e.Length)
			le.PutUint32(p[20:], uint32(e.Type))
		}
	}
	return out, nil
}
