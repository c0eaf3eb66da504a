package hv

import "testing"

func TestAddressSpaceRAMRangesSorted(t *testing.T) {
	as := NewAddressSpaceRanges(ArchitectureX86_64,
		MemoryRange{Base: 0x1_0000_0000, Size: 0x4000_0000},
		MemoryRange{Base: 0, Size: 0},
		MemoryRange{Base: 0, Size: 0xc000_0000},
	)

	ranges := as.RAMRanges()
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %d", len(ranges))
	}
	if ranges[0].Base != 0 || ranges[1].Base != 0x1_0000_0000 {
		t.Fatalf("ranges not sorted: %+v", ranges)
	}
	if got, want := as.RAMSize(), uint64(0x1_0000_0000); got != want {
		t.Fatalf("RAMSize = %#x, want %#x", got, want)
	}
	if got, want := as.RAMEnd(), uint64(0x1_4000_0000); got != want {
		t.Fatalf("RAMEnd = %#x, want %#x", got, want)
	}
}

func TestAddressSpaceAllocateAboveRAM(t *testing.T) {
	as := NewAddressSpace(ArchitectureX86_64, 0, 0x1000_0000)

	first, err := as.Allocate(MMIOAllocationRequest{Name: "bar0", Size: 0x100, Alignment: 0x1000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if first.Base != 0x1000_0000 || first.Size != 0x1000 {
		t.Fatalf("unexpected allocation %+v", first)
	}

	second, err := as.Allocate(MMIOAllocationRequest{Name: "bar2", Size: 0x10_0000, Alignment: 0x10_0000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if second.Base != 0x1010_0000 {
		t.Fatalf("second allocation not aligned: %+v", second)
	}

	if _, err := as.Allocate(MMIOAllocationRequest{Name: "bad", Size: 0x1000, Alignment: 0x3000}); err == nil {
		t.Fatal("expected error for non power-of-two alignment")
	}
	if _, err := as.Allocate(MMIOAllocationRequest{Name: "zero"}); err == nil {
		t.Fatal("expected error for zero-size allocation")
	}
	if got := len(as.Allocations()); got != 2 {
		t.Fatalf("expected 2 allocations, got %d", got)
	}
}

func TestAddressSpaceRegisterFixedRejectsRAMOverlap(t *testing.T) {
	as := NewAddressSpaceSplit(ArchitectureX86_64, 0, 0xc000_0000, 0x1_0000_0000, 0x4000_0000)

	if err := as.RegisterFixed("ioapic", 0xfec0_0000, 0x1000); err != nil {
		t.Fatalf("RegisterFixed in PCI hole: %v", err)
	}
	if err := as.RegisterFixed("clash", 0x1_0000_0000, 0x1000); err == nil {
		t.Fatal("expected overlap with high RAM to fail")
	}
	if err := as.RegisterFixed("clash-low", 0xbfff_f000, 0x2000); err == nil {
		t.Fatal("expected overlap with low RAM to fail")
	}
	if got := len(as.FixedRegions()); got != 1 {
		t.Fatalf("expected 1 fixed region, got %d", got)
	}
}
