package pci

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const (
	msiControlEnable   = uint16(1 << 0)
	msiControlMMEMask  = uint16(0x7 << 4)
	msiControl64BitCap = uint16(1 << 7)

	msiOffControl = 0x02
	msiOffAddrLo  = 0x04
	msiOffAddrHi  = 0x08
	msiOffData32  = 0x08
	msiOffData64  = 0x0c

	msiCapSize32 = 0x0a
	msiCapSize64 = 0x0e
)

// MSIConfig describes the MSI capability a function advertises.
type MSIConfig struct {
	Vectors    int
	CapOffset  uint8
	NextOffset uint8
	Is64Bit    bool
}

type msiCapability struct {
	offset int
	is64   bool
}

type capabilityRange struct {
	id    uint8
	start int
	end   int
}

// RegisterMSI splices an MSI capability into the header at cfg.CapOffset.
// The capability list pointer is left to the caller.
func (f *Function) RegisterMSI(cfg MSIConfig) error {
	if cfg.Vectors <= 0 || cfg.Vectors > 32 || cfg.Vectors&(cfg.Vectors-1) != 0 {
		return fmt.Errorf("pci: invalid MSI vector count %d", cfg.Vectors)
	}
	off := int(cfg.CapOffset)
	if off < OffsetDeviceSpecific || off%4 != 0 {
		return fmt.Errorf("pci: invalid MSI capability offset %#x", cfg.CapOffset)
	}
	size := msiCapSize32
	if cfg.Is64Bit {
		size = msiCapSize64
	}
	if off+size > ConfigSpaceSize {
		return fmt.Errorf("pci: MSI capability at %#x does not fit the header", cfg.CapOffset)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.msi != nil {
		return fmt.Errorf("pci: MSI capability already registered at %#x", f.msi.offset)
	}
	for _, c := range f.caps {
		if off < c.end && off+size > c.start {
			return fmt.Errorf("pci: MSI capability at %#x overlaps capability %#x at %#x", off, c.id, c.start)
		}
	}

	control := uint16(bits.TrailingZeros(uint(cfg.Vectors))) << 1
	if cfg.Is64Bit {
		control |= msiControl64BitCap
	}

	f.config[off] = CapabilityMSI
	f.config[off+1] = cfg.NextOffset
	binary.LittleEndian.PutUint16(f.config[off+msiOffControl:], control)
	for i := off + msiOffAddrLo; i < off+size; i++ {
		f.config[i] = 0
	}

	for i := off; i < off+size; i++ {
		f.writable[i] = 0
	}
	binary.LittleEndian.PutUint16(f.writable[off+msiOffControl:], msiControlEnable|msiControlMMEMask)
	binary.LittleEndian.PutUint32(f.writable[off+msiOffAddrLo:], 0xffff_fffc)
	if cfg.Is64Bit {
		binary.LittleEndian.PutUint32(f.writable[off+msiOffAddrHi:], 0xffff_ffff)
		binary.LittleEndian.PutUint16(f.writable[off+msiOffData64:], 0xffff)
	} else {
		binary.LittleEndian.PutUint16(f.writable[off+msiOffData32:], 0xffff)
	}

	status := binary.LittleEndian.Uint16(f.config[OffsetStatus:])
	binary.LittleEndian.PutUint16(f.config[OffsetStatus:], status|StatusCapabilitiesList)

	f.msi = &msiCapability{offset: off, is64: cfg.Is64Bit}
	f.caps = append(f.caps, capabilityRange{id: CapabilityMSI, start: off, end: off + size})
	return nil
}

// HasMSI reports whether an MSI capability is registered.
func (f *Function) HasMSI() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msi != nil
}

// MSIEnabled reports whether the guest enabled MSI delivery.
func (f *Function) MSIEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msi == nil {
		return false
	}
	enabled, _, _ := f.msi.messageLocked(f)
	return enabled
}

func (m *msiCapability) messageLocked(f *Function) (bool, uint64, uint32) {
	control := binary.LittleEndian.Uint16(f.config[m.offset+msiOffControl:])
	addr := uint64(binary.LittleEndian.Uint32(f.config[m.offset+msiOffAddrLo:]))
	var data uint16
	if m.is64 {
		addr |= uint64(binary.LittleEndian.Uint32(f.config[m.offset+msiOffAddrHi:])) << 32
		data = binary.LittleEndian.Uint16(f.config[m.offset+msiOffData64:])
	} else {
		data = binary.LittleEndian.Uint16(f.config[m.offset+msiOffData32:])
	}
	return control&msiControlEnable != 0, addr, uint32(data)
}
