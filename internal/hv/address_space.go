package hv

import (
	"fmt"
	"sort"
	"sync"
)

// MMIOAllocationRequest asks the AddressSpace for a window above RAM.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a window handed out by the AddressSpace.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// AddressSpace tracks the guest-physical layout of a VM: where RAM lives and
// which windows above it have been handed out to devices.
type AddressSpace struct {
	mu sync.Mutex

	arch CpuArchitecture

	// ram is sorted by base and never overlaps.
	ram []MemoryRange

	// nextMMIO is the next available address for MMIO allocation (above RAM)
	nextMMIO uint64

	allocations  []MMIOAllocation
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates a layout with a single contiguous RAM range.
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	return NewAddressSpaceRanges(arch, MemoryRange{Base: ramBase, Size: ramSize})
}

// NewAddressSpaceSplit creates a layout with RAM split around the PCI hole,
// as used on x86_64 once RAM exceeds 3 GiB.
func NewAddressSpaceSplit(arch CpuArchitecture, lowBase, lowSize, highBase, highSize uint64) *AddressSpace {
	return NewAddressSpaceRanges(arch,
		MemoryRange{Base: lowBase, Size: lowSize},
		MemoryRange{Base: highBase, Size: highSize},
	)
}

// NewAddressSpaceRanges creates a layout from arbitrary RAM ranges. Empty
// ranges are dropped.
func NewAddressSpaceRanges(arch CpuArchitecture, ranges ...MemoryRange) *AddressSpace {
	a := &AddressSpace{arch: arch}
	for _, r := range ranges {
		if r.Size == 0 {
			continue
		}
		a.ram = append(a.ram, r)
	}
	sort.Slice(a.ram, func(i, j int) bool { return a.ram[i].Base < a.ram[j].Base })
	a.nextMMIO = alignUp(a.RAMEnd(), PageSize)
	return a
}

// Allocate allocates an MMIO region above RAM with the requested alignment.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = PageSize
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := alignUp(a.nextMMIO, alignment)
	size := alignUp(req.Size, alignment)
	if base+size < base {
		return MMIOAllocation{}, fmt.Errorf("address_space: allocation for %s overflows", req.Name)
	}

	alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size
	return alloc, nil
}

// RegisterFixed registers a pre-determined MMIO region. It fails when the
// region overlaps RAM.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	end := base + size
	for _, r := range a.ram {
		if base < r.End() && end > r.Base {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
				name, base, end, r.Base, r.End())
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{Name: name, Base: base, Size: size})
	return nil
}

// Allocations returns a copy of all dynamically allocated MMIO regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MMIOAllocation(nil), a.allocations...)
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MMIOAllocation(nil), a.fixedRegions...)
}

// RAMRanges implements RangeEnumerator.
func (a *AddressSpace) RAMRanges() []MemoryRange {
	return append([]MemoryRange(nil), a.ram...)
}

// RAMSize returns the total amount of RAM.
func (a *AddressSpace) RAMSize() uint64 {
	var total uint64
	for _, r := range a.ram {
		total += r.Size
	}
	return total
}

// RAMEnd returns the first address after the highest RAM range.
func (a *AddressSpace) RAMEnd() uint64 {
	if len(a.ram) == 0 {
		return 0
	}
	return a.ram[len(a.ram)-1].End()
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
