package pci

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/passthru/internal/chipset"
	"github.com/tinyrange/passthru/internal/hv"
)

const testECAMBase = 0x3000_0000

func ecamAddr(dev, fn uint8, reg uint16) uint64 {
	return testECAMBase + uint64(dev)<<15 + uint64(fn)<<12 + uint64(reg)
}

type memRegion struct {
	mem []byte
}

func (m *memRegion) ReadRegion(off uint64, data []byte) error {
	copy(data, m.mem[off:])
	return nil
}

func (m *memRegion) WriteRegion(off uint64, data []byte) error {
	copy(m.mem[off:], data)
	return nil
}

func TestHostBridgeConfigAccess(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{ConfigBase: testECAMBase})

	data := make([]byte, 4)
	if err := h.ReadMMIO(ecamAddr(0, 0, 0), data); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(data); got != 0x00011af4 {
		t.Errorf("root id = %#x", got)
	}
	if err := h.ReadMMIO(ecamAddr(0, 0, OffsetClassBase), data[:1]); err != nil {
		t.Fatal(err)
	}
	if data[0] != 0x06 {
		t.Errorf("root class = %#x, want bridge", data[0])
	}

	if err := h.ReadMMIO(ecamAddr(4, 0, 0), data); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(data); got != 0xffffffff {
		t.Errorf("empty slot reads %#x", got)
	}

	f := NewFunction("dev")
	f.SetVendorID(0x10ec)
	f.SetDeviceID(0x8139)
	if _, err := h.RegisterFunction(0, 4, 0, f); err != nil {
		t.Fatal(err)
	}
	if err := h.ReadMMIO(ecamAddr(4, 0, 0), data); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(data); got != 0x813910ec {
		t.Errorf("device id = %#x", got)
	}

	binary.LittleEndian.PutUint16(data, CommandMemorySpace|CommandBusMaster)
	if err := h.WriteMMIO(ecamAddr(4, 0, OffsetCommand), data[:2]); err != nil {
		t.Fatal(err)
	}
	if f.Command() != CommandMemorySpace|CommandBusMaster {
		t.Errorf("command = %#x", f.Command())
	}

	if err := h.ReadMMIO(testECAMBase+h.configSize, data); err == nil {
		t.Error("read beyond the ECAM window succeeded")
	}
}

func TestRegisterFunctionConflicts(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{})
	if _, err := h.RegisterFunction(0, 0, 0, NewFunction("x")); err == nil {
		t.Error("00:00.0 accepted")
	}
	handle, err := h.RegisterFunction(0, 2, 0, NewFunction("a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.RegisterFunction(0, 2, 0, NewFunction("b")); err == nil {
		t.Error("duplicate location accepted")
	}
	if _, err := h.RegisterFunction(1, 2, 0, NewFunction("c")); err == nil {
		t.Error("bus beyond MaxBus accepted")
	}
	if _, err := h.RegisterFunction(0, 0x20, 0, NewFunction("d")); err == nil {
		t.Error("device 0x20 accepted")
	}

	handle.Release()
	if _, err := h.RegisterFunction(0, 2, 0, NewFunction("b")); err != nil {
		t.Errorf("slot not released: %v", err)
	}
}

func TestAssignBARsAndDispatch(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{MMIOBase: 0x4000_0000, MMIOSize: 0x1000_0000, IOBase: 0x1000, IOSize: 0x1000})
	f := NewFunction("dev")

	backing := &memRegion{mem: make([]byte, 0x2000)}
	mem, err := NewMMIORegion("bar0", 0x2000, backing, 0)
	if err != nil {
		t.Fatal(err)
	}
	ports := &memRegion{mem: make([]byte, 0x10)}
	io, err := NewIORegion("bar2", 0x10, ports)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterBAR(0, BARSpaceMemory64, mem); err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterBAR(2, BARSpaceIO, io); err != nil {
		t.Fatal(err)
	}

	handle, err := h.RegisterFunction(0, 1, 0, f)
	if err != nil {
		t.Fatal(err)
	}

	// Nothing decodes until the BARs are programmed and enabled.
	if err := h.HandleMMIO(0x4000_0000, make([]byte, 4), false); err == nil {
		t.Error("MMIO decoded before assignment")
	}

	if err := handle.AssignBARs(); err != nil {
		t.Fatalf("AssignBARs: %v", err)
	}
	memBase, _ := f.BARAddress(0)
	ioBase, _ := f.BARAddress(2)
	if memBase != 0x4000_0000 {
		t.Errorf("BAR0 = %#x", memBase)
	}
	if ioBase != 0x1000 {
		t.Errorf("BAR2 = %#x", ioBase)
	}
	if f.Command()&(CommandMemorySpace|CommandIOSpace) != CommandMemorySpace|CommandIOSpace {
		t.Errorf("decode not enabled: command %#x", f.Command())
	}

	if err := h.HandleMMIO(memBase+0x1ffc, []byte{1, 2, 3, 4}, true); err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}
	if !bytes.Equal(backing.mem[0x1ffc:], []byte{1, 2, 3, 4}) {
		t.Errorf("backing = % x", backing.mem[0x1ffc:])
	}
	if err := h.HandleMMIO(memBase+0x1ffe, make([]byte, 4), false); err == nil {
		t.Error("access straddling the BAR end succeeded")
	}

	if err := h.HandlePIO(uint16(ioBase)+4, []byte{0xaa}, true); err != nil {
		t.Fatalf("HandlePIO: %v", err)
	}
	if ports.mem[4] != 0xaa {
		t.Errorf("port write lost")
	}
	if err := h.HandlePIO(0x2000, []byte{0}, false); err == nil {
		t.Error("unclaimed port decoded")
	}

	// Disabling memory decode hides the window again.
	writeConfig(t, f, OffsetCommand, 2, CommandIOSpace)
	if err := h.HandleMMIO(memBase, make([]byte, 4), false); err == nil {
		t.Error("MMIO decoded with memory space disabled")
	}
}

func TestAssignBARsFromAddressSpace(t *testing.T) {
	space := hv.NewAddressSpace(hv.ArchitectureX86_64, 0, 0x8000_0000)
	h := NewHostBridge(HostBridgeConfig{AddressSpace: space})
	f := NewFunction("dev")
	if err := f.RegisterBAR(0, BARSpaceMemory32, mustMMIORegion(t, 0x1000, 0)); err != nil {
		t.Fatal(err)
	}
	handle, err := h.RegisterFunction(0, 1, 0, f)
	if err != nil {
		t.Fatal(err)
	}
	if err := handle.AssignBARs(); err != nil {
		t.Fatal(err)
	}
	if addr, _ := f.BARAddress(0); addr != 0x8000_0000 {
		t.Errorf("BAR0 = %#x, want first address above RAM", addr)
	}
	if allocs := space.Allocations(); len(allocs) != 1 || allocs[0].Size != 0x1000 {
		t.Errorf("allocations = %+v", allocs)
	}
}

func TestRegisterFunctionWiresInterrupts(t *testing.T) {
	var got []string
	lines := chipset.NewLineSet(chipset.InterruptSinkFunc(func(line uint8, level bool) {
		if level {
			got = append(got, "high")
		} else {
			got = append(got, "low")
		}
		if line != 11 {
			t.Errorf("line = %d, want 11", line)
		}
	}))
	h := NewHostBridge(HostBridgeConfig{Lines: lines})
	f := NewFunction("dev")
	f.SetInterruptLine(11)
	f.SetInterruptPin(1)
	handle, err := h.RegisterFunction(0, 5, 0, f)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.SetIRQ(0, true); err != nil {
		t.Fatal(err)
	}
	if !lines.Level(11) {
		t.Error("line 11 not asserted")
	}
	if err := f.SetIRQ(0, false); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "high" || got[1] != "low" {
		t.Errorf("sink saw %v", got)
	}

	if err := f.SetIRQ(0, true); err != nil {
		t.Fatal(err)
	}
	handle.Release()
	if lines.Level(11) {
		t.Error("released function still holds line 11")
	}
	if snap := lines.Snapshot(); len(snap) != 1 || snap[0].Sharers != 0 {
		t.Errorf("snapshot after release = %+v", snap)
	}
}
