//go:build linux

package vfio

import (
	"bytes"
	"testing"

	"github.com/tinyrange/passthru/internal/devices/pci"
)

func TestMMIOHandlerWidths(t *testing.T) {
	mem := unsafeBytes(make([]uint64, 4))
	h := mmioHandler{mem: mem}

	for _, width := range []int{1, 2, 4, 8} {
		for i := range mem {
			mem[i] = 0
		}
		in := []byte{0xa1, 0xb2, 0xc3, 0xd4, 0xe5, 0xf6, 0x07, 0x18}[:width]
		if err := h.WriteRegion(8, in); err != nil {
			t.Fatalf("WriteRegion width %d: %v", width, err)
		}
		if !bytes.Equal(mem[8:8+width], in) {
			t.Errorf("width %d stored % x, want % x", width, mem[8:8+width], in)
		}
		if mem[8+width] != 0 || mem[7] != 0 {
			t.Errorf("width %d touched neighbouring bytes", width)
		}
		out := make([]byte, width)
		if err := h.ReadRegion(8, out); err != nil {
			t.Fatalf("ReadRegion width %d: %v", width, err)
		}
		if !bytes.Equal(out, in) {
			t.Errorf("width %d read % x, want % x", width, out, in)
		}
	}
}

func TestMMIOHandlerOddWidthCopies(t *testing.T) {
	mem := unsafeBytes(make([]uint64, 2))
	h := mmioHandler{mem: mem}
	in := []byte{1, 2, 3}
	if err := h.WriteRegion(5, in); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	if !bytes.Equal(mem[5:8], in) || mem[8] != 0 {
		t.Errorf("mem = % x", mem)
	}
	out := make([]byte, 3)
	if err := h.ReadRegion(5, out); err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("read % x, want % x", out, in)
	}
}

func TestMMIOHandlerBounds(t *testing.T) {
	h := mmioHandler{mem: unsafeBytes(make([]uint64, 2))}
	if err := h.ReadRegion(12, make([]byte, 8)); err == nil {
		t.Error("read past the end succeeded")
	}
	if err := h.WriteRegion(^uint64(0), make([]byte, 2)); err == nil {
		t.Error("write at wrapped offset succeeded")
	}
}

func TestPortHandlerStubs(t *testing.T) {
	data := []byte{0xff, 0xff}
	if err := (portHandler{}).ReadRegion(0, data); err != nil {
		t.Fatal(err)
	}
	if data[0] != 0 || data[1] != 0 {
		t.Errorf("port read = % x, want zeros", data)
	}
	if err := (portHandler{}).WriteRegion(0, data); err != nil {
		t.Fatal(err)
	}
}

func TestRegionClassification(t *testing.T) {
	tests := []struct {
		name  string
		setup func(k *fakeKernel)
		want  RegionKind
	}{
		{"absent", func(k *fakeKernel) {}, RegionDisabled},
		{"mappable", func(k *fakeKernel) { k.addMemoryBAR(0, 0x2000, false, false) }, RegionMMIO},
		{"port", func(k *fakeKernel) { k.addPortBAR(0, 0x40) }, RegionPortIO},
		{"read-only not mappable", func(k *fakeKernel) {
			k.regions[0] = RegionInfo{Index: 0, Flags: RegionInfoFlagRead, Size: 0x10}
		}, RegionPortIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newFakeKernel()
			tt.setup(k)
			d := attachedDevice(k)
			if err := d.setupRegion(0, 0); err != nil {
				t.Fatalf("setupRegion: %v", err)
			}
			r := d.Region(0)
			if r.Kind() != tt.want {
				t.Fatalf("kind = %s, want %s", r.Kind(), tt.want)
			}
			if r.BAR() != 0 {
				t.Errorf("BAR = %d", r.BAR())
			}
			_, _, registered := d.fn.BARRegion(0)
			if registered != (tt.want != RegionDisabled) {
				t.Errorf("registered on function = %v", registered)
			}
			if p, ok := r.(*PortIORegion); ok && p.Base != k.regions[0].Offset {
				t.Errorf("port base = %#x, want %#x", p.Base, k.regions[0].Offset)
			}
		})
	}
}

func TestMMIORegionThroughBus(t *testing.T) {
	k := newFakeKernel()
	k.addMemoryBAR(0, 0x1000, false, false)
	d := attachedDevice(k)
	if err := d.setupRegion(0, 0); err != nil {
		t.Fatalf("setupRegion: %v", err)
	}
	bridge := pci.NewHostBridge(pci.HostBridgeConfig{MMIOBase: 0x4000_0000, MMIOSize: 0x100_0000})
	handle, err := bridge.RegisterFunction(0, 1, 0, d.fn)
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}
	if err := handle.AssignBARs(); err != nil {
		t.Fatalf("AssignBARs: %v", err)
	}
	base, ok := d.fn.BARAddress(0)
	if !ok {
		t.Fatal("BAR0 has no address")
	}

	if err := bridge.HandleMMIO(base+0x10, []byte{0xef, 0xbe, 0xad, 0xde}, true); err != nil {
		t.Fatalf("HandleMMIO write: %v", err)
	}
	mapping := d.Region(0).(*MMIORegion).mapping
	if !bytes.Equal(mapping[0x10:0x14], []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("mapping = % x", mapping[0x10:0x14])
	}
	out := make([]byte, 8)
	if err := bridge.HandleMMIO(base+0x10, out, false); err != nil {
		t.Fatalf("HandleMMIO read: %v", err)
	}
	if !bytes.Equal(out[:4], []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("read back % x", out)
	}
}

func TestMMIOHandlerHonoursProtection(t *testing.T) {
	mem := unsafeBytes(make([]uint64, 2))
	mem[0] = 0x5a

	ro := mmioHandler{mem: mem, noWrite: true}
	if err := ro.WriteRegion(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	if mem[0] != 0x5a || mem[1] != 0 {
		t.Errorf("read-only mapping modified: % x", mem[:4])
	}
	out := make([]byte, 1)
	if err := ro.ReadRegion(0, out); err != nil || out[0] != 0x5a {
		t.Errorf("ReadRegion = %#x, %v", out[0], err)
	}

	wo := mmioHandler{mem: mem, noRead: true}
	out = make([]byte, 4)
	if err := wo.ReadRegion(0, out); err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if !bytes.Equal(out, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("write-only read = % x", out)
	}
}

func TestReadOnlyBARDropsGuestWrites(t *testing.T) {
	k := newFakeKernel()
	k.addMemoryBAR(0, 0x1000, false, false)
	info := k.regions[0]
	info.Flags &^= RegionInfoFlagWrite
	k.regions[0] = info

	d := attachedDevice(k)
	if err := d.setupRegion(0, 0); err != nil {
		t.Fatalf("setupRegion: %v", err)
	}
	region, _, ok := d.fn.BARRegion(0)
	if !ok {
		t.Fatal("BAR0 not registered")
	}
	if region.Flags()&pci.RegionWritePassthrough != 0 {
		t.Error("read-only BAR registered with write passthrough")
	}

	bridge := pci.NewHostBridge(pci.HostBridgeConfig{MMIOBase: 0x4000_0000, MMIOSize: 0x100_0000})
	handle, err := bridge.RegisterFunction(0, 1, 0, d.fn)
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}
	if err := handle.AssignBARs(); err != nil {
		t.Fatalf("AssignBARs: %v", err)
	}
	base, _ := d.fn.BARAddress(0)
	if err := bridge.HandleMMIO(base+8, []byte{0xef, 0xbe, 0xad, 0xde}, true); err != nil {
		t.Fatalf("HandleMMIO write: %v", err)
	}
	mapping := d.Region(0).(*MMIORegion).mapping
	if !bytes.Equal(mapping[8:12], make([]byte, 4)) {
		t.Errorf("read-only BAR written: % x", mapping[8:12])
	}
}
