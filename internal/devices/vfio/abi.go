//go:build linux

package vfio

// Kernel ABI for the VFIO cdev interface and iommufd, from
// include/uapi/linux/vfio.h and include/uapi/linux/iommufd.h.

const (
	vfioType = 0x3b // ';'
	vfioBase = 100

	iommufdType    = vfioType
	iommufdCmdBase = 0x80
)

func ioc(typ, nr uintptr) uintptr { return typ<<8 | nr }

var (
	vfioDeviceGetInfo       = ioc(vfioType, vfioBase+7)
	vfioDeviceGetRegionInfo = ioc(vfioType, vfioBase+8)
	vfioDeviceGetIRQInfo    = ioc(vfioType, vfioBase+9)
	vfioDeviceSetIRQs       = ioc(vfioType, vfioBase+10)
	vfioDeviceReset         = ioc(vfioType, vfioBase+11)
	vfioDeviceBindIOMMUFD   = ioc(vfioType, vfioBase+18)
	vfioDeviceAttachPT      = ioc(vfioType, vfioBase+19)
	vfioDeviceDetachPT      = ioc(vfioType, vfioBase+20)

	iommuDestroy   = ioc(iommufdType, iommufdCmdBase+0x0)
	iommuIOASAlloc = ioc(iommufdType, iommufdCmdBase+0x1)
	iommuIOASMap   = ioc(iommufdType, iommufdCmdBase+0x5)
)

// Device info flags.
const (
	DeviceFlagsReset = 1 << 0
	DeviceFlagsPCI   = 1 << 1
)

// Region info flags.
const (
	RegionInfoFlagRead  = 1 << 0
	RegionInfoFlagWrite = 1 << 1
	RegionInfoFlagMmap  = 1 << 2
)

// Fixed region indices of a PCI function.
const (
	PCIBAR0RegionIndex   = 0
	PCIROMRegionIndex    = 6
	PCIConfigRegionIndex = 7
)

const irqInfoEventfd = 1 << 0

// Set-IRQs flags.
const (
	irqSetDataNone      = 1 << 0
	irqSetDataBool      = 1 << 1
	irqSetDataEventfd   = 1 << 2
	irqSetActionMask    = 1 << 3
	irqSetActionUnmask  = 1 << 4
	irqSetActionTrigger = 1 << 5
)

// IOAS map flags.
const (
	ioasMapFixedIOVA = 1 << 0
	ioasMapWriteable = 1 << 1
	ioasMapReadable  = 1 << 2
)

// DeviceInfo mirrors struct vfio_device_info.
type DeviceInfo struct {
	Argsz      uint32
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
	CapOffset  uint32
	pad        uint32
}

// RegionInfo mirrors struct vfio_region_info.
type RegionInfo struct {
	Argsz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

// IRQInfo mirrors struct vfio_irq_info.
type IRQInfo struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Count uint32
}

// SupportsEventfd reports whether the source can signal through an eventfd.
func (i IRQInfo) SupportsEventfd() bool { return i.Flags&irqInfoEventfd != 0 }

// irqSetEventfd is struct vfio_irq_set carrying a single eventfd.
type irqSetEventfd struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
	FD    int32
}

type deviceBindIOMMUFD struct {
	Argsz    uint32
	Flags    uint32
	IOMMUFD  int32
	OutDevID uint32
}

type deviceAttachPT struct {
	Argsz uint32
	Flags uint32
	PTID  uint32
}

type deviceDetachPT struct {
	Argsz uint32
	Flags uint32
}

type ioasAlloc struct {
	Size      uint32
	Flags     uint32
	OutIOASID uint32
}

type iommuDestroyCmd struct {
	Size uint32
	ID   uint32
}

type ioasMap struct {
	Size     uint32
	Flags    uint32
	IOASID   uint32
	reserved uint32
	UserVA   uint64
	Length   uint64
	IOVA     uint64
}
