//go:build linux

package vfio

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/passthru/internal/devices/pci"
)

// RegionKind classifies a BAR slot.
type RegionKind int

const (
	RegionDisabled RegionKind = iota
	RegionPortIO
	RegionMMIO
)

func (k RegionKind) String() string {
	switch k {
	case RegionDisabled:
		return "disabled"
	case RegionPortIO:
		return "portio"
	case RegionMMIO:
		return "mmio"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// Region is the state of one BAR slot: DisabledRegion, *PortIORegion or
// *MMIORegion.
type Region interface {
	Kind() RegionKind
	BAR() int
}

// DisabledRegion is a BAR the hardware does not implement.
type DisabledRegion struct {
	bar int
}

func (DisabledRegion) Kind() RegionKind { return RegionDisabled }
func (r DisabledRegion) BAR() int       { return r.bar }

// PortIORegion is an I/O BAR. Guest accesses read as zero and writes are
// dropped.
type PortIORegion struct {
	// Base is the region offset inside the device file.
	Base uint64
	Size uint64

	bar    int
	region *pci.Region
}

func (*PortIORegion) Kind() RegionKind { return RegionPortIO }
func (r *PortIORegion) BAR() int       { return r.bar }

// MMIORegion is a memory BAR backed by a mapping of the device file.
type MMIORegion struct {
	Space pci.BARSpace

	bar     int
	mapping []byte
	region  *pci.Region
}

func (*MMIORegion) Kind() RegionKind { return RegionMMIO }
func (r *MMIORegion) BAR() int       { return r.bar }
func (r *MMIORegion) Size() uint64   { return uint64(len(r.mapping)) }

// setupRegion classifies hardware region index and exposes it as bar.
func (d *Device) setupRegion(bar int, index uint32) error {
	info, err := d.kernel.RegionInfo(d.deviceFD, index)
	if err != nil {
		return indexError("get region info", int(index), err)
	}
	d.logRegion(bar, info)

	switch {
	case info.Flags&RegionInfoFlagMmap != 0:
		return d.setupMMIORegion(bar, info)
	case info.Flags != 0:
		return d.setupPortRegion(bar, info)
	default:
		if info.Size != 0 {
			assertf(nil, "region %d reports no flags but size %#x", index, info.Size)
		}
		d.regions[bar] = DisabledRegion{bar: bar}
		return nil
	}
}

func (d *Device) setupMMIORegion(bar int, info RegionInfo) error {
	readable := info.Flags&RegionInfoFlagRead != 0
	writable := info.Flags&RegionInfoFlagWrite != 0
	prot := 0
	if readable {
		prot |= unix.PROT_READ
	}
	if writable {
		prot |= unix.PROT_WRITE
	}

	// The hardware BAR register says whether the window is 64-bit and
	// prefetchable.
	raw, err := d.readField(uint64(pci.OffsetBAR0+bar*pci.BARStride), 4)
	if err != nil {
		return err
	}
	space := pci.BARSpaceMemory32
	var flags pci.RegionFlags
	if readable {
		flags |= pci.RegionReadPassthrough
	}
	if writable {
		flags |= pci.RegionWritePassthrough
	}
	if (raw>>1)&0x3 == 0x2 {
		space = pci.BARSpaceMemory64
	}
	if raw&0x8 != 0 {
		flags |= pci.RegionPrefetchable
	}

	mapping, err := d.kernel.Mmap(d.deviceFD, int64(info.Offset), int(info.Size), prot)
	if err != nil {
		return indexError("mmap region", int(info.Index), err)
	}
	r := &MMIORegion{Space: space, bar: bar, mapping: mapping}
	d.regions[bar] = r

	region, err := pci.NewMMIORegion(fmt.Sprintf("vfio%d-bar%d", d.instance, bar), info.Size, mmioHandler{mem: mapping, noRead: !readable, noWrite: !writable}, flags)
	if err != nil {
		return fmt.Errorf("vfio: BAR%d: %w", bar, err)
	}
	if err := d.fn.RegisterBAR(bar, space, region); err != nil {
		return fmt.Errorf("vfio: BAR%d: %w", bar, err)
	}
	r.region = region
	d.metrics.region(d.instance, RegionMMIO, 1)
	d.log.Info("vfio: mapped BAR", "bar", bar, "space", space.String(), "size", units.BytesSize(float64(info.Size)))
	return nil
}

func (d *Device) setupPortRegion(bar int, info RegionInfo) error {
	region, err := pci.NewIORegion(fmt.Sprintf("vfio%d-bar%d", d.instance, bar), info.Size, portHandler{})
	if err != nil {
		return fmt.Errorf("vfio: BAR%d: %w", bar, err)
	}
	if err := d.fn.RegisterBAR(bar, pci.BARSpaceIO, region); err != nil {
		return fmt.Errorf("vfio: BAR%d: %w", bar, err)
	}
	d.regions[bar] = &PortIORegion{Base: info.Offset, Size: info.Size, bar: bar, region: region}
	d.metrics.region(d.instance, RegionPortIO, 1)
	return nil
}

func (d *Device) releaseRegion(r Region) error {
	switch r := r.(type) {
	case *PortIORegion:
		d.metrics.region(d.instance, RegionPortIO, -1)
	case *MMIORegion:
		if r.region != nil {
			d.metrics.region(d.instance, RegionMMIO, -1)
		}
		if r.mapping == nil {
			return nil
		}
		if err := d.kernel.Munmap(r.mapping); err != nil {
			return indexError("munmap region", r.bar, err)
		}
		r.mapping = nil
	}
	return nil
}

// mmioHandler performs accesses of width 1, 2, 4 and 8 as one load or store
// on the mapping. Writes to a mapping without PROT_WRITE are dropped and
// reads from one without PROT_READ return all ones.
type mmioHandler struct {
	mem     []byte
	noRead  bool
	noWrite bool
}

func (h mmioHandler) check(offset uint64, n int) error {
	if offset > uint64(len(h.mem)) || uint64(n) > uint64(len(h.mem))-offset {
		return fmt.Errorf("vfio: access [%#x+%d) outside BAR of %#x bytes", offset, n, len(h.mem))
	}
	return nil
}

func (h mmioHandler) ReadRegion(offset uint64, data []byte) error {
	if err := h.check(offset, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if h.noRead {
		for i := range data {
			data[i] = 0xff
		}
		return nil
	}
	p := unsafe.Pointer(&h.mem[offset])
	switch len(data) {
	case 1:
		data[0] = *(*uint8)(p)
	case 2:
		binary.NativeEndian.PutUint16(data, *(*uint16)(p))
	case 4:
		binary.NativeEndian.PutUint32(data, *(*uint32)(p))
	case 8:
		binary.NativeEndian.PutUint64(data, *(*uint64)(p))
	default:
		copy(data, h.mem[offset:])
	}
	return nil
}

func (h mmioHandler) WriteRegion(offset uint64, data []byte) error {
	if err := h.check(offset, len(data)); err != nil {
		return err
	}
	if len(data) == 0 || h.noWrite {
		return nil
	}
	p := unsafe.Pointer(&h.mem[offset])
	switch len(data) {
	case 1:
		*(*uint8)(p) = data[0]
	case 2:
		*(*uint16)(p) = binary.NativeEndian.Uint16(data)
	case 4:
		*(*uint32)(p) = binary.NativeEndian.Uint32(data)
	case 8:
		*(*uint64)(p) = binary.NativeEndian.Uint64(data)
	default:
		copy(h.mem[offset:], data)
	}
	return nil
}

// portHandler stands in for port I/O, which is not forwarded to hardware.
type portHandler struct{}

func (portHandler) ReadRegion(_ uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (portHandler) WriteRegion(uint64, []byte) error { return nil }

var (
	_ Region            = DisabledRegion{}
	_ Region            = (*PortIORegion)(nil)
	_ Region            = (*MMIORegion)(nil)
	_ pci.RegionHandler = mmioHandler{}
	_ pci.RegionHandler = portHandler{}
)
