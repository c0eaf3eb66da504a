package pci

import (
	"fmt"
	"math/bits"
)

// BARSpace is the address space class a BAR decodes.
type BARSpace uint8

const (
	BARSpaceIO BARSpace = iota
	BARSpaceMemory32
	BARSpaceMemory64
)

func (s BARSpace) String() string {
	switch s {
	case BARSpaceIO:
		return "io"
	case BARSpaceMemory32:
		return "mem32"
	case BARSpaceMemory64:
		return "mem64"
	default:
		return fmt.Sprintf("BARSpace(%d)", uint8(s))
	}
}

// RegionFlags control how the bus hands guest accesses to a region handler.
type RegionFlags uint32

const (
	// RegionReadPassthrough hands reads to the handler at the guest's width.
	// Without it reads are split into naturally aligned accesses of at most
	// four bytes.
	RegionReadPassthrough RegionFlags = 1 << iota
	// RegionWritePassthrough is the write-side equivalent.
	RegionWritePassthrough
	// RegionPrefetchable marks a memory BAR prefetchable.
	RegionPrefetchable
)

// RegionHandler services guest accesses inside a BAR window. Offsets are
// relative to the start of the window.
type RegionHandler interface {
	ReadRegion(offset uint64, data []byte) error
	WriteRegion(offset uint64, data []byte) error
}

// Region is a handle for a window a Function exposes through a BAR.
type Region struct {
	name    string
	size    uint64
	io      bool
	flags   RegionFlags
	handler RegionHandler
}

// NewMMIORegion creates a memory region of the given size.
func NewMMIORegion(name string, size uint64, handler RegionHandler, flags RegionFlags) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("pci: region %q has zero size", name)
	}
	if handler == nil {
		return nil, fmt.Errorf("pci: region %q has no handler", name)
	}
	return &Region{name: name, size: size, flags: flags, handler: handler}, nil
}

// NewIORegion creates a port I/O region of the given size.
func NewIORegion(name string, size uint64, handler RegionHandler) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("pci: region %q has zero size", name)
	}
	if size > 1<<16 {
		return nil, fmt.Errorf("pci: I/O region %q size %#x exceeds port space", name, size)
	}
	if handler == nil {
		return nil, fmt.Errorf("pci: region %q has no handler", name)
	}
	return &Region{name: name, size: size, io: true, handler: handler}, nil
}

func (r *Region) Name() string       { return r.name }
func (r *Region) Size() uint64       { return r.size }
func (r *Region) IsIO() bool         { return r.io }
func (r *Region) Flags() RegionFlags { return r.flags }

// decodeSize is the power-of-two window the BAR register advertises.
func (r *Region) decodeSize() uint64 {
	min := uint64(barMemoryMinimumSize)
	if r.io {
		min = barIOMinimumSize
	}
	size := r.size
	if size < min {
		size = min
	}
	if size&(size-1) != 0 {
		size = 1 << bits.Len64(size)
	}
	return size
}

func (r *Region) access(offset uint64, data []byte, write bool) error {
	if offset+uint64(len(data)) > r.size || offset+uint64(len(data)) < offset {
		return fmt.Errorf("pci: access [%#x+%d) outside region %q (size %#x)", offset, len(data), r.name, r.size)
	}

	passthrough := r.flags&RegionReadPassthrough != 0
	if write {
		passthrough = r.flags&RegionWritePassthrough != 0
	}
	if passthrough {
		if write {
			return r.handler.WriteRegion(offset, data)
		}
		return r.handler.ReadRegion(offset, data)
	}

	for len(data) > 0 {
		chunk := pickAccessSize(offset, len(data))
		var err error
		if write {
			err = r.handler.WriteRegion(offset, data[:chunk])
		} else {
			err = r.handler.ReadRegion(offset, data[:chunk])
		}
		if err != nil {
			return err
		}
		offset += uint64(chunk)
		data = data[chunk:]
	}
	return nil
}

func pickAccessSize(offset uint64, remaining int) int {
	if offset%4 == 0 && remaining >= 4 {
		return 4
	}
	if offset%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}
