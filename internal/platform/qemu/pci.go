package qemu

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"mazos/internal/bitfield"
	"mazos/internal/kernel"
)

// PCI configuration space offsets.
const (
	pciVendorID = 0x00
	pciClass    = 0x08
)

// Well known vendor IDs.
const (
	VendorVirtio = 0x1AF4
	VendorBochs  = 0x1234
	VendorIntel  = 0x8086
)

// pciID is configuration word 0.
type pciID struct {
	Vendor uint16 `bitfield:",16"`
	Device uint16 `bitfield:",16"`
}

// pciClassCode is configuration word 2.
type pciClassCode struct {
	Revision uint8 `bitfield:",8"`
	ProgIF   uint8 `bitfield:",8"`
	Subclass uint8 `bitfield:",8"`
	Class    uint8 `bitfield:",8"`
}

var classNames = map[uint8]string{
	0x01: "storage",
	0x02: "network",
	0x03: "display",
	0x06: "bridge",
	0x07: "communication",
	0xFF: "other",
}

// PCIFunction is one populated slot in the simulated configuration space.
type PCIFunction struct {
	Slot     uint8
	VendorID uint16
	DeviceID uint16
	Class    uint8
	Subclass uint8
	Name     string
}

// DefaultPCIFunctions is the device set of a stock virt machine with one
// virtio network card.
var DefaultPCIFunctions = []PCIFunction{
	{Slot: 0, VendorID: VendorIntel, DeviceID: 0x1237, Class: 0x06, Subclass: 0x00, Name: "host bridge"},
	{Slot: 1, VendorID: VendorIntel, DeviceID: 0x7000, Class: 0x06, Subclass: 0x01, Name: "ISA bridge"},
	{Slot: 2, VendorID: VendorBochs, DeviceID: 0x1111, Class: 0x03, Subclass: 0x00, Name: "bochs-display"},
	{Slot: 3, VendorID: VendorVirtio, DeviceID: 0x1000, Class: 0x02, Subclass: 0x00, Name: "virtio-net"},
}

// PCIBus is a single PCI bus with ECAM-style configuration access.
type PCIBus struct {
	log    *zap.Logger
	config map[uint32]uint32
	names  map[uint8]string

	mu    sync.Mutex
	found []kernel.Device
}

// NewPCIBus populates configuration space with fns.
func NewPCIBus(fns []PCIFunction, log *zap.Logger) (*PCIBus, error) {
	b := &PCIBus{log: log, config: make(map[uint32]uint32), names: make(map[uint8]string)}
	for _, fn := range fns {
		if fn.Slot >= 32 {
			return nil, fmt.Errorf("qemu: pci slot %d out of range", fn.Slot)
		}
		id, err := bitfield.Pack(pciID{Vendor: fn.VendorID, Device: fn.DeviceID}, &bitfield.Config{NumBits: 32})
		if err != nil {
			return nil, err
		}
		cc, err := bitfield.Pack(pciClassCode{Class: fn.Class, Subclass: fn.Subclass}, &bitfield.Config{NumBits: 32})
		if err != nil {
			return nil, err
		}
		b.config[ecam(0, fn.Slot, 0, pciVendorID)] = uint32(id)
		b.config[ecam(0, fn.Slot, 0, pciClass)] = uint32(cc)
		b.names[fn.Slot] = fn.Name
	}
	return b, nil
}

// ecam computes the configuration space offset of a register.
func ecam(bus, slot, fn, offset uint8) uint32 {
	return uint32(bus)<<20 | uint32(slot)<<15 | uint32(fn)<<12 | uint32(offset&0xFC)
}

// ConfigRead32 reads a configuration register. Absent functions read as
// all ones.
func (b *PCIBus) ConfigRead32(bus, slot, fn, offset uint8) uint32 {
	v, ok := b.config[ecam(bus, slot, fn, offset)]
	if !ok {
		return 0xFFFFFFFF
	}
	return v
}

// Init scans bus 0.
func (b *PCIBus) Init() error {
	var found []kernel.Device
	for slot := uint8(0); slot < 32; slot++ {
		for fn := uint8(0); fn < 8; fn++ {
			var id pciID
			if err := bitfield.Unpack(uint64(b.ConfigRead32(0, slot, fn, pciVendorID)), &id); err != nil {
				return err
			}
			if id.Vendor == 0xFFFF || id.Vendor == 0 {
				continue
			}
			var cc pciClassCode
			if err := bitfield.Unpack(uint64(b.ConfigRead32(0, slot, fn, pciClass)), &cc); err != nil {
				return err
			}
			class, ok := classNames[cc.Class]
			if !ok {
				class = fmt.Sprintf("class %02x", cc.Class)
			}
			found = append(found, kernel.Device{
				Bus:      0,
				Slot:     slot,
				VendorID: id.Vendor,
				DeviceID: id.Device,
				Class:    class,
				Name:     b.names[slot],
			})
		}
	}
	b.mu.Lock()
	b.found = found
	b.mu.Unlock()
	b.log.Debug("PCI scan complete", zap.Int("devices", len(found)))
	return nil
}

// Devices returns what the last Init found.
func (b *PCIBus) Devices() []kernel.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.found)
}
