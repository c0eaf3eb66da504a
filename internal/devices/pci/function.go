package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/passthru/internal/chipset"
	"github.com/tinyrange/passthru/internal/hv"
)

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// ConfigInterceptor sees config accesses before the default emulation. A
// callback that returns handled=false lets the Function apply its default
// behaviour afterwards.
type ConfigInterceptor interface {
	InterceptConfigRead(offset uint16, size uint8) (value uint32, handled bool, err error)
	InterceptConfigWrite(offset uint16, size uint8, value uint32) (handled bool, err error)
}

type barSlot struct {
	region *Region
	space  BARSpace
	// upper is set on the slot holding the high dword of a 64-bit BAR.
	upper bool
}

// Function is a type-0 PCI function with an emulated configuration header.
// The bus owns BAR values and capability bookkeeping; devices populate the
// header and attach regions.
type Function struct {
	name string

	mu       sync.Mutex
	config   [ConfigSpaceSize]byte
	writable [ConfigSpaceSize]byte
	bars     [BARCount]barSlot
	msi      *msiCapability
	caps     []capabilityRange

	intercept ConfigInterceptor
	line      chipset.Line
	signaler  hv.MSISignaler
}

// NewFunction returns a function with an empty header.
func NewFunction(name string) *Function {
	f := &Function{
		name: name,
		line: chipset.DetachedLine(),
	}
	binary.LittleEndian.PutUint16(f.writable[OffsetCommand:], commandWritableMask)
	f.writable[OffsetCacheLineSize] = 0xff
	f.writable[OffsetLatencyTimer] = 0xff
	f.writable[OffsetInterruptLine] = 0xff
	for i := OffsetDeviceSpecific; i < ConfigSpaceSize; i++ {
		f.writable[i] = 0xff
	}
	return f
}

func (f *Function) Name() string { return f.name }

func (f *Function) setU8(off int, v uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config[off] = v
}

func (f *Function) setU16(off int, v uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	binary.LittleEndian.PutUint16(f.config[off:], v)
}

func (f *Function) getU8(off int) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config[off]
}

func (f *Function) getU16(off int) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return binary.LittleEndian.Uint16(f.config[off:])
}

func (f *Function) SetVendorID(v uint16)      { f.setU16(OffsetVendorID, v) }
func (f *Function) SetDeviceID(v uint16)      { f.setU16(OffsetDeviceID, v) }
func (f *Function) SetCommand(v uint16)       { f.setU16(OffsetCommand, v) }
func (f *Function) SetStatus(v uint16)        { f.setU16(OffsetStatus, v) }
func (f *Function) SetRevisionID(v uint8)     { f.setU8(OffsetRevisionID, v) }
func (f *Function) SetClassProg(v uint8)      { f.setU8(OffsetClassProg, v) }
func (f *Function) SetClassSub(v uint8)       { f.setU8(OffsetClassSub, v) }
func (f *Function) SetClassBase(v uint8)      { f.setU8(OffsetClassBase, v) }
func (f *Function) SetHeaderType(v uint8)     { f.setU8(OffsetHeaderType, v) }
func (f *Function) SetBIST(v uint8)           { f.setU8(OffsetBIST, v) }
func (f *Function) SetInterruptLine(v uint8)  { f.setU8(OffsetInterruptLine, v) }
func (f *Function) SetInterruptPin(v uint8)   { f.setU8(OffsetInterruptPin, v) }
func (f *Function) SetCapabilityList(v uint8) { f.setU8(OffsetCapabilities, v) }

func (f *Function) VendorID() uint16      { return f.getU16(OffsetVendorID) }
func (f *Function) DeviceID() uint16      { return f.getU16(OffsetDeviceID) }
func (f *Function) Command() uint16       { return f.getU16(OffsetCommand) }
func (f *Function) Status() uint16        { return f.getU16(OffsetStatus) }
func (f *Function) RevisionID() uint8     { return f.getU8(OffsetRevisionID) }
func (f *Function) HeaderType() uint8     { return f.getU8(OffsetHeaderType) }
func (f *Function) InterruptLine() uint8  { return f.getU8(OffsetInterruptLine) }
func (f *Function) InterruptPin() uint8   { return f.getU8(OffsetInterruptPin) }
func (f *Function) CapabilityList() uint8 { return f.getU8(OffsetCapabilities) }
func (f *Function) ClassCode() (base, sub, prog uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config[OffsetClassBase], f.config[OffsetClassSub], f.config[OffsetClassProg]
}

// SetCapabilitiesListed sets or clears the status bit advertising a
// capability list.
func (f *Function) SetCapabilitiesListed(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := binary.LittleEndian.Uint16(f.config[OffsetStatus:])
	if on {
		status |= StatusCapabilitiesList
	} else {
		status &^= StatusCapabilitiesList
	}
	binary.LittleEndian.PutUint16(f.config[OffsetStatus:], status)
}

// InterceptConfigAccesses routes config accesses through ic first.
func (f *Function) InterceptConfigAccesses(ic ConfigInterceptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intercept = ic
}

// ConfigSpace returns the function itself; it implements ConfigSpace.
func (f *Function) ConfigSpace() ConfigSpace { return f }

// ReadConfig implements ConfigSpace.
func (f *Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkConfigAccess(offset, size); err != nil {
		return 0, err
	}

	f.mu.Lock()
	ic := f.intercept
	f.mu.Unlock()

	if ic != nil {
		value, handled, err := ic.InterceptConfigRead(offset, size)
		if err != nil {
			return 0, err
		}
		if handled {
			return maskValue(value, size), nil
		}
	}
	return f.readDefault(offset, size), nil
}

// WriteConfig implements ConfigSpace.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkConfigAccess(offset, size); err != nil {
		return err
	}

	f.mu.Lock()
	ic := f.intercept
	f.mu.Unlock()

	if ic != nil {
		handled, err := ic.InterceptConfigWrite(offset, size, value)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
	f.writeDefault(offset, size, value)
	return nil
}

func checkConfigAccess(offset uint16, size uint8) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("pci: unsupported config access size %d", size)
	}
	if int(offset)+int(size) > ConfigSpaceSize {
		return fmt.Errorf("pci: config access %#x+%d beyond header", offset, size)
	}
	return nil
}

func (f *Function) readDefault(offset uint16, size uint8) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	value := uint32(0)
	for i := uint16(0); i < uint16(size); i++ {
		value |= uint32(f.config[offset+i]) << (8 * i)
	}
	return value
}

func (f *Function) writeDefault(offset uint16, size uint8, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if IsBAROffset(offset) {
		base := offset &^ (BARStride - 1)
		current := binary.LittleEndian.Uint32(f.config[base:])
		shift := (offset - base) * 8
		mask := uint32((uint64(1) << (uint32(size) * 8)) - 1)
		merged := (current &^ (mask << shift)) | ((value & mask) << shift)
		f.writeBARLocked(int((base-OffsetBAR0)/BARStride), merged)
		return
	}

	for i := uint16(0); i < uint16(size); i++ {
		b := byte(value >> (8 * i))
		w := f.writable[offset+i]
		f.config[offset+i] = (f.config[offset+i] &^ w) | (b & w)
	}
}

// RegisterBAR attaches a region to a BAR slot. A 64-bit memory BAR also
// occupies the following slot.
func (f *Function) RegisterBAR(index int, space BARSpace, region *Region) error {
	if region == nil {
		return fmt.Errorf("pci: BAR %d region is nil", index)
	}
	if index < 0 || index >= BARCount {
		return fmt.Errorf("pci: BAR index %d out of range", index)
	}
	if region.io != (space == BARSpaceIO) {
		return fmt.Errorf("pci: BAR %d space %s does not match region %q", index, space, region.name)
	}
	if space == BARSpaceMemory64 && index == BARCount-1 {
		return fmt.Errorf("pci: 64-bit BAR cannot start at the last slot")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bars[index].region != nil || f.bars[index].upper {
		return fmt.Errorf("pci: BAR %d already registered", index)
	}
	if space == BARSpaceMemory64 && (f.bars[index+1].region != nil || f.bars[index+1].upper) {
		return fmt.Errorf("pci: BAR %d upper half already in use", index+1)
	}

	f.bars[index] = barSlot{region: region, space: space}
	binary.LittleEndian.PutUint32(f.config[OffsetBAR0+index*BARStride:], barAttributes(space, region))
	if space == BARSpaceMemory64 {
		f.bars[index+1] = barSlot{upper: true}
		binary.LittleEndian.PutUint32(f.config[OffsetBAR0+(index+1)*BARStride:], 0)
	}
	return nil
}

// BARRegion returns the region and space registered at index.
func (f *Function) BARRegion(index int) (*Region, BARSpace, bool) {
	if index < 0 || index >= BARCount {
		return nil, 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	slot := f.bars[index]
	if slot.region == nil {
		return nil, 0, false
	}
	return slot.region, slot.space, true
}

// BARAddress returns the address currently programmed into a BAR.
func (f *Function) BARAddress(index int) (uint64, bool) {
	if index < 0 || index >= BARCount {
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.barAddressLocked(index)
}

func barAttributes(space BARSpace, region *Region) uint32 {
	switch space {
	case BARSpaceIO:
		return barIOSpaceIndicator
	case BARSpaceMemory64:
		attrs := barMemoryType64
		if region.flags&RegionPrefetchable != 0 {
			attrs |= barMemoryPrefetch
		}
		return attrs
	default:
		if region.flags&RegionPrefetchable != 0 {
			return barMemoryPrefetch
		}
		return 0
	}
}

// writeBARLocked stores a guest value into a BAR register. Address bits
// below the decode size are hardwired to zero so all-ones writes read back
// as the size mask.
func (f *Function) writeBARLocked(index int, value uint32) {
	reg := OffsetBAR0 + index*BARStride
	slot := f.bars[index]

	if slot.upper {
		lower := f.bars[index-1]
		mask := ^(lower.region.decodeSize() - 1)
		binary.LittleEndian.PutUint32(f.config[reg:], value&uint32(mask>>32))
		return
	}
	if slot.region == nil {
		binary.LittleEndian.PutUint32(f.config[reg:], 0)
		return
	}

	attrMask := barMemoryAttrMask
	if slot.space == BARSpaceIO {
		attrMask = barIOAttrMask
	}
	mask := uint32(^(slot.region.decodeSize() - 1)) &^ attrMask
	binary.LittleEndian.PutUint32(f.config[reg:], (value&mask)|barAttributes(slot.space, slot.region))
}

func (f *Function) barAddressLocked(index int) (uint64, bool) {
	slot := f.bars[index]
	if slot.region == nil {
		return 0, false
	}
	low := binary.LittleEndian.Uint32(f.config[OffsetBAR0+index*BARStride:])
	switch slot.space {
	case BARSpaceIO:
		return uint64(low &^ barIOAttrMask), true
	case BARSpaceMemory64:
		high := binary.LittleEndian.Uint32(f.config[OffsetBAR0+(index+1)*BARStride:])
		return uint64(high)<<32 | uint64(low&^barMemoryAttrMask), true
	default:
		return uint64(low &^ barMemoryAttrMask), true
	}
}

// findRegion returns the region decoding addr, honouring the command
// register's decode enables.
func (f *Function) findRegion(addr uint64, length int, io bool) (*Region, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	command := binary.LittleEndian.Uint16(f.config[OffsetCommand:])
	if io && command&CommandIOSpace == 0 {
		return nil, 0, false
	}
	if !io && command&CommandMemorySpace == 0 {
		return nil, 0, false
	}

	for i := range f.bars {
		slot := f.bars[i]
		if slot.region == nil || slot.region.io != io {
			continue
		}
		base, ok := f.barAddressLocked(i)
		if !ok || base == 0 {
			continue
		}
		end := base + slot.region.size
		if addr >= base && addr+uint64(length) <= end {
			return slot.region, addr - base, true
		}
	}
	return nil, 0, false
}

func (f *Function) attach(line chipset.Line, signaler hv.MSISignaler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if line != nil {
		f.line = line
	}
	f.signaler = signaler
}

// SetIRQ drives interrupt pin line (0 = INTA) of the function. When the
// guest enabled MSI and a signaller is attached, an asserted level is
// delivered as one message instead.
func (f *Function) SetIRQ(line int, level bool) error {
	if line != 0 {
		return fmt.Errorf("pci: function %q has no interrupt line %d", f.name, line)
	}

	f.mu.Lock()
	msi := f.msi
	signaler := f.signaler
	var (
		msiEnabled bool
		addr       uint64
		data       uint32
	)
	if msi != nil {
		msiEnabled, addr, data = msi.messageLocked(f)
	}
	command := binary.LittleEndian.Uint16(f.config[OffsetCommand:])
	status := binary.LittleEndian.Uint16(f.config[OffsetStatus:])
	if level {
		status |= StatusInterrupt
	} else {
		status &^= StatusInterrupt
	}
	binary.LittleEndian.PutUint16(f.config[OffsetStatus:], status)
	irq := f.line
	f.mu.Unlock()

	if msiEnabled && signaler != nil {
		if !level {
			return nil
		}
		if err := signaler.SignalMSI(addr, data, 0); err != nil {
			return fmt.Errorf("pci: signal MSI for %q: %w", f.name, err)
		}
		return nil
	}
	if command&CommandINTxDisable != 0 {
		return nil
	}
	irq.SetLevel(level)
	return nil
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	default:
		return value
	}
}

var _ ConfigSpace = (*Function)(nil)
