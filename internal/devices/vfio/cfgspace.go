//go:build linux

package vfio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/passthru/internal/devices/pci"
)

// setupConfigSpace locates the config region and shadows the standard
// header into the virtual function.
func (d *Device) setupConfigSpace() error {
	info, err := d.kernel.RegionInfo(d.deviceFD, PCIConfigRegionIndex)
	if err != nil {
		return indexError("get config region info", PCIConfigRegionIndex, err)
	}
	d.log.Info("vfio: config region",
		"flags", fmt.Sprintf("%#x", info.Flags),
		"size", info.Size,
		"offset", fmt.Sprintf("%#x", info.Offset),
	)
	if info.Flags&(RegionInfoFlagRead|RegionInfoFlagWrite) != RegionInfoFlagRead|RegionInfoFlagWrite {
		return indexError("get config region info", PCIConfigRegionIndex,
			fmt.Errorf("config region is not read/write (flags %#x)", info.Flags))
	}
	if info.Size < pci.ConfigSpaceSize {
		return indexError("get config region info", PCIConfigRegionIndex,
			fmt.Errorf("config region too small (%d bytes)", info.Size))
	}
	d.window = cfgWindow{offset: info.Offset, size: info.Size}

	read := func(off uint64, width int) (uint64, error) {
		v, err := d.readField(off, width)
		if err != nil {
			return 0, fmt.Errorf("vfio: shadow config %#x: %w", off, err)
		}
		return v, nil
	}

	fields := []struct {
		off   uint64
		width int
		set   func(uint64)
	}{
		{pci.OffsetVendorID, 2, func(v uint64) { d.fn.SetVendorID(uint16(v)) }},
		{pci.OffsetDeviceID, 2, func(v uint64) { d.fn.SetDeviceID(uint16(v)) }},
		{pci.OffsetCommand, 2, func(v uint64) { d.fn.SetCommand(uint16(v)) }},
		{pci.OffsetStatus, 2, func(v uint64) { d.fn.SetStatus(uint16(v)) }},
		{pci.OffsetRevisionID, 1, func(v uint64) { d.fn.SetRevisionID(uint8(v)) }},
		{pci.OffsetClassProg, 1, func(v uint64) { d.fn.SetClassProg(uint8(v)) }},
		{pci.OffsetClassSub, 1, func(v uint64) { d.fn.SetClassSub(uint8(v)) }},
		{pci.OffsetClassBase, 1, func(v uint64) { d.fn.SetClassBase(uint8(v)) }},
		{pci.OffsetHeaderType, 1, func(v uint64) { d.fn.SetHeaderType(uint8(v)) }},
		{pci.OffsetBIST, 1, func(v uint64) { d.fn.SetBIST(uint8(v)) }},
		{pci.OffsetInterruptLine, 1, func(v uint64) { d.fn.SetInterruptLine(uint8(v)) }},
		{pci.OffsetInterruptPin, 1, func(v uint64) { d.fn.SetInterruptPin(uint8(v)) }},
	}
	for _, f := range fields {
		v, err := read(f.off, f.width)
		if err != nil {
			return err
		}
		f.set(v)
	}

	d.fn.SetCapabilityList(capabilityOffset)
	d.fn.SetCapabilitiesListed(true)

	base, sub, prog := d.fn.ClassCode()
	d.log.Info("vfio: config header",
		"vendor", fmt.Sprintf("%04x", d.fn.VendorID()),
		"device", fmt.Sprintf("%04x", d.fn.DeviceID()),
		"class", fmt.Sprintf("%02x%02x%02x", base, sub, prog),
		"revision", d.fn.RevisionID(),
	)
	return nil
}

// readField reads width bytes of config space at off.
func (d *Device) readField(off uint64, width int) (uint64, error) {
	if err := checkFieldWidth(width); err != nil {
		return 0, err
	}
	var buf [8]byte
	n, err := d.kernel.Pread(d.deviceFD, buf[:width], int64(d.window.offset+off))
	if err != nil {
		return 0, indexError("pread config", int(off), err)
	}
	if n != width {
		return 0, indexError("pread config", int(off), fmt.Errorf("%w: %d of %d bytes", ErrShortTransfer, n, width))
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// writeField writes the low width bytes of value to config space at off.
func (d *Device) writeField(off uint64, width int, value uint64) error {
	if err := checkFieldWidth(width); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	n, err := d.kernel.Pwrite(d.deviceFD, buf[:width], int64(d.window.offset+off))
	if err != nil {
		return indexError("pwrite config", int(off), err)
	}
	if n != width {
		return indexError("pwrite config", int(off), fmt.Errorf("%w: %d of %d bytes", ErrShortTransfer, n, width))
	}
	return nil
}

func checkFieldWidth(width int) error {
	switch width {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("vfio: unsupported config access width %d", width)
}

// configInterceptor routes guest header accesses to the hardware. The BAR
// array is always left to the bus.
type configInterceptor struct {
	d *Device
}

func (c configInterceptor) InterceptConfigRead(offset uint16, size uint8) (uint32, bool, error) {
	if pci.IsBAROffset(offset) || !c.d.cfg.LiveConfigReads || !liveReadable(offset, size) {
		return 0, false, nil
	}
	v, err := c.d.readField(uint64(offset), int(size))
	if err != nil {
		return 0, false, err
	}
	return uint32(v), true, nil
}

func (c configInterceptor) InterceptConfigWrite(offset uint16, size uint8, value uint32) (bool, error) {
	if pci.IsBAROffset(offset) {
		return false, nil
	}
	switch size {
	case 1, 2, 4:
	default:
		return false, nil
	}
	if err := c.d.writeField(uint64(offset), int(size), uint64(value)); err != nil {
		return false, err
	}
	c.d.metrics.configWrite(c.d.instance)
	return false, nil
}

// liveReadable limits live reads to the standard header, minus the
// capability pointer that points at the emulated capability list.
func liveReadable(offset uint16, size uint8) bool {
	end := offset + uint16(size)
	if end > pci.OffsetDeviceSpecific {
		return false
	}
	return !(offset <= pci.OffsetCapabilities && end > pci.OffsetCapabilities)
}

var _ pci.ConfigInterceptor = configInterceptor{}
