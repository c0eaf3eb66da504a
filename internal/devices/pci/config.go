package pci

// Type-0 configuration header layout.
const (
	ConfigSpaceSize = 256

	OffsetVendorID      = 0x00
	OffsetDeviceID      = 0x02
	OffsetCommand       = 0x04
	OffsetStatus        = 0x06
	OffsetRevisionID    = 0x08
	OffsetClassProg     = 0x09
	OffsetClassSub      = 0x0a
	OffsetClassBase     = 0x0b
	OffsetCacheLineSize = 0x0c
	OffsetLatencyTimer  = 0x0d
	OffsetHeaderType    = 0x0e
	OffsetBIST          = 0x0f
	OffsetBAR0          = 0x10
	OffsetCardbusCIS    = 0x28
	OffsetSubsystemVID  = 0x2c
	OffsetSubsystemID   = 0x2e
	OffsetROMAddress    = 0x30
	OffsetCapabilities  = 0x34
	OffsetInterruptLine = 0x3c
	OffsetInterruptPin  = 0x3d

	// First byte available to capability structures.
	OffsetDeviceSpecific = 0x40
)

const (
	BARCount  = 6
	BARStride = 4
)

// Command register bits.
const (
	CommandIOSpace      = 1 << 0
	CommandMemorySpace  = 1 << 1
	CommandBusMaster    = 1 << 2
	CommandINTxDisable  = 1 << 10
	commandWritableMask = 0x07ff
)

// Status register bits.
const (
	StatusInterrupt        = 1 << 3
	StatusCapabilitiesList = 1 << 4
)

// Capability IDs.
const (
	CapabilityMSI  = 0x05
	CapabilityMSIX = 0x11
)

const (
	barMemoryAttrMask uint32 = 0xf
	barIOAttrMask     uint32 = 0x3

	barMemoryType64      uint32 = 0x4
	barMemoryPrefetch    uint32 = 0x8
	barIOSpaceIndicator  uint32 = 0x1
	barMemoryMinimumSize        = 16
	barIOMinimumSize            = 4
)

// IsBAROffset reports whether a config offset falls inside the BAR array.
func IsBAROffset(offset uint16) bool {
	return offset >= OffsetBAR0 && offset < OffsetCardbusCIS
}
