package pci

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/passthru/internal/chipset"
	"github.com/tinyrange/passthru/internal/hv"
)

// BARAllocator reserves address space for BAR windows.
type BARAllocator interface {
	Allocate(io bool, size uint64, align uint64) (uint64, error)
}

type linearAllocator struct {
	memBase, memSize, memNext uint64
	ioBase, ioSize, ioNext    uint64
}

func newLinearAllocator(memBase, memSize, ioBase, ioSize uint64) *linearAllocator {
	return &linearAllocator{
		memBase: memBase, memSize: memSize, memNext: memBase,
		ioBase: ioBase, ioSize: ioSize, ioNext: ioBase,
	}
}

func (a *linearAllocator) Allocate(io bool, size uint64, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	next, base, limit := &a.memNext, a.memBase, a.memBase+a.memSize
	if io {
		next, base, limit = &a.ioNext, a.ioBase, a.ioBase+a.ioSize
	}
	start := (*next + align - 1) &^ (align - 1)
	if start < base || start+size < start || start+size > limit {
		if io {
			return 0, fmt.Errorf("PCI I/O space exhausted")
		}
		return 0, fmt.Errorf("PCI MMIO space exhausted")
	}
	*next = start + size
	return start, nil
}

// addressSpaceAllocator hands out memory BARs from the VM's AddressSpace
// and I/O BARs from a linear port window.
type addressSpaceAllocator struct {
	space *hv.AddressSpace
	io    *linearAllocator
}

func (a *addressSpaceAllocator) Allocate(io bool, size uint64, align uint64) (uint64, error) {
	if io {
		return a.io.Allocate(true, size, align)
	}
	alloc, err := a.space.Allocate(hv.MMIOAllocationRequest{Name: "pci-bar", Size: size, Alignment: align})
	if err != nil {
		return 0, err
	}
	return alloc.Base, nil
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

// DeviceHandle exposes helper methods for registered functions.
type DeviceHandle struct {
	host *HostBridge
	key  deviceKey
	fn   *Function
	line chipset.Line
}

// Location returns the bus/device/function string of the handle.
func (h *DeviceHandle) Location() string { return h.key.String() }

// AssignBARs places every registered BAR in guest address space and enables
// decoding, the way firmware would before handing over to the guest. All
// writes go through the function's config path.
func (h *DeviceHandle) AssignBARs() error {
	if h == nil || h.host == nil {
		return fmt.Errorf("pci device handle is nil")
	}
	var command uint16
	for i := 0; i < BARCount; i++ {
		region, space, ok := h.fn.BARRegion(i)
		if !ok {
			continue
		}
		size := region.decodeSize()
		base, err := h.host.barAllocator.Allocate(region.io, size, size)
		if err != nil {
			return fmt.Errorf("allocate BAR%d of %s: %w", i, h.key, err)
		}
		if space != BARSpaceMemory64 && base+size > 1<<32 {
			return fmt.Errorf("BAR%d of %s placed at %#x beyond 32-bit decode", i, h.key, base)
		}
		reg := uint16(OffsetBAR0 + i*BARStride)
		if err := h.fn.WriteConfig(reg, 4, uint32(base)); err != nil {
			return fmt.Errorf("program BAR%d of %s: %w", i, h.key, err)
		}
		if space == BARSpaceMemory64 {
			if err := h.fn.WriteConfig(reg+BARStride, 4, uint32(base>>32)); err != nil {
				return fmt.Errorf("program BAR%d of %s: %w", i+1, h.key, err)
			}
		}
		if region.io {
			command |= CommandIOSpace
		} else {
			command |= CommandMemorySpace
		}
	}
	if command == 0 {
		return nil
	}
	current, err := h.fn.ReadConfig(OffsetCommand, 2)
	if err != nil {
		return err
	}
	return h.fn.WriteConfig(OffsetCommand, 2, current|uint32(command))
}

// Release removes the function from the bus.
func (h *DeviceHandle) Release() {
	if h == nil || h.host == nil {
		return
	}
	h.host.mu.Lock()
	if h.host.devices[h.key] == h.fn {
		delete(h.host.devices, h.key)
	}
	h.host.mu.Unlock()

	if h.line != nil && h.host.lines != nil {
		h.host.lines.FreeLine(h.line)
		h.line = nil
	}
}

// HostBridgeConfig describes the MMIO layout for config accesses and BAR windows.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64
	MMIOBase     uint64
	MMIOSize     uint64
	IOBase       uint64
	IOSize       uint64
	RootVendorID uint16
	RootDeviceID uint16
	MaxBus       uint8
	BARAllocator BARAllocator

	// AddressSpace, when set, places memory BARs above guest RAM.
	AddressSpace *hv.AddressSpace
	// Lines provides legacy interrupt lines, indexed by the interrupt line
	// register of each function.
	Lines *chipset.LineSet
	// MSI delivers message-signalled interrupts.
	MSI hv.MSISignaler
}

// HostBridge implements a minimal ECAM-capable PCI root complex.
type HostBridge struct {
	configBase uint64
	configSize uint64

	rootVendorID uint16
	rootDeviceID uint16
	maxBus       uint8

	barAllocator BARAllocator
	lines        *chipset.LineSet
	msi          hv.MSISignaler

	mu      sync.Mutex
	devices map[deviceKey]*Function
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultConfigSize = 1 << 20 // 1 MiB covers bus 0
		defaultMMIOBase   = 0x20000000
		defaultMMIOSize   = 0x10000000
		defaultIOBase     = 0xc000
		defaultIOSize     = 0x4000
	)

	h := &HostBridge{
		configBase:   cfg.ConfigBase,
		configSize:   cfg.ConfigSize,
		rootVendorID: cfg.RootVendorID,
		rootDeviceID: cfg.RootDeviceID,
		maxBus:       cfg.MaxBus,
		lines:        cfg.Lines,
		msi:          cfg.MSI,
		devices:      make(map[deviceKey]*Function),
	}
	if h.rootVendorID == 0 {
		h.rootVendorID = 0x1af4
	}
	if h.rootDeviceID == 0 {
		h.rootDeviceID = 0x0001
	}
	if h.configSize == 0 {
		h.configSize = defaultConfigSize
	}
	mmioBase, mmioSize := cfg.MMIOBase, cfg.MMIOSize
	if mmioBase == 0 {
		mmioBase = defaultMMIOBase
	}
	if mmioSize == 0 {
		mmioSize = defaultMMIOSize
	}
	ioBase, ioSize := cfg.IOBase, cfg.IOSize
	if ioBase == 0 {
		ioBase = defaultIOBase
	}
	if ioSize == 0 {
		ioSize = defaultIOSize
	}
	linear := newLinearAllocator(mmioBase, mmioSize, ioBase, ioSize)
	switch {
	case cfg.BARAllocator != nil:
		h.barAllocator = cfg.BARAllocator
	case cfg.AddressSpace != nil:
		h.barAllocator = &addressSpaceAllocator{space: cfg.AddressSpace, io: linear}
	default:
		h.barAllocator = linear
	}
	return h
}

// Init implements hv.Device.
func (*HostBridge) Init() error {
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	if h.configSize == 0 {
		return nil
	}
	return []hv.MMIORegion{{
		Address: h.configBase,
		Size:    h.configSize,
	}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}

	cursor := 0
	for cursor < len(data) {
		key, reg, ok := h.decodeConfigAddress(offset + uint64(cursor))
		if !ok {
			data[cursor] = 0xff
			cursor++
			continue
		}
		chunk := pickAccessSize(uint64(reg), len(data)-cursor)
		value := h.readConfig(key, reg, uint8(chunk))
		for i := 0; i < chunk; i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += chunk
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}

	cursor := 0
	for cursor < len(data) {
		key, reg, ok := h.decodeConfigAddress(offset + uint64(cursor))
		if !ok {
			break
		}
		chunk := pickAccessSize(uint64(reg), len(data)-cursor)
		value := uint32(0)
		for i := 0; i < chunk; i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		if err := h.writeConfig(key, reg, uint8(chunk), value); err != nil {
			return err
		}
		cursor += chunk
	}
	return nil
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (deviceKey, uint16, bool) {
	bus := uint8((offset >> 20) & 0xff)
	device := uint8((offset >> 15) & 0x1f)
	function := uint8((offset >> 12) & 0x7)
	if bus > h.maxBus {
		return deviceKey{}, 0, false
	}
	reg := uint16(offset & 0xfff)
	if reg >= ConfigSpaceSize {
		return deviceKey{}, 0, false
	}
	return deviceKey{bus: bus, dev: device, fn: function}, reg, true
}

func (h *HostBridge) readConfig(key deviceKey, offset uint16, size uint8) uint32 {
	if key == (deviceKey{}) {
		return h.readRootConfig(offset, size)
	}
	fn := h.function(key)
	if fn == nil {
		return 0xffff_ffff
	}
	value, err := fn.ReadConfig(offset, size)
	if err != nil {
		return 0xffff_ffff
	}
	return maskValue(value, size)
}

func (h *HostBridge) writeConfig(key deviceKey, offset uint16, size uint8, value uint32) error {
	if key == (deviceKey{}) {
		return nil
	}
	fn := h.function(key)
	if fn == nil {
		return nil
	}
	if err := fn.WriteConfig(offset, size, value); err != nil {
		return fmt.Errorf("pci host bridge: config write %s+%#x: %w", key, offset, err)
	}
	return nil
}

func (h *HostBridge) readRootConfig(offset uint16, size uint8) uint32 {
	var buf [ConfigSpaceSize]byte
	binary.LittleEndian.PutUint16(buf[OffsetVendorID:], h.rootVendorID)
	binary.LittleEndian.PutUint16(buf[OffsetDeviceID:], h.rootDeviceID)
	buf[OffsetClassBase] = 0x06
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(buf[int(offset)+int(i)]) << (8 * i)
	}
	return value
}

// RegisterFunction places fn at the supplied location and wires its
// interrupt delivery.
func (h *HostBridge) RegisterFunction(bus, device, function uint8, fn *Function) (*DeviceHandle, error) {
	if fn == nil {
		return nil, fmt.Errorf("pci function cannot be nil")
	}
	if bus > h.maxBus {
		return nil, fmt.Errorf("bus %d beyond max bus %d", bus, h.maxBus)
	}
	if device > 0x1f || function > 7 {
		return nil, fmt.Errorf("invalid device location %02x.%x", device, function)
	}
	key := deviceKey{bus: bus, dev: device, fn: function}
	if key == (deviceKey{}) {
		return nil, fmt.Errorf("00:00.0 is reserved for the host bridge")
	}

	h.mu.Lock()
	if _, exists := h.devices[key]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	h.devices[key] = fn
	h.mu.Unlock()

	var line chipset.Line
	if h.lines != nil {
		line = h.lines.AllocateLine(fn.InterruptLine())
	}
	fn.attach(line, h.msi)
	return &DeviceHandle{host: h, key: key, fn: fn, line: line}, nil
}

func (h *HostBridge) function(key deviceKey) *Function {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[key]
}

func (h *HostBridge) sortedFunctions() []*Function {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]deviceKey, 0, len(h.devices))
	for k := range h.devices {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.bus != b.bus {
			return a.bus < b.bus
		}
		if a.dev != b.dev {
			return a.dev < b.dev
		}
		return a.fn < b.fn
	})
	out := make([]*Function, 0, len(keys))
	for _, k := range keys {
		out = append(out, h.devices[k])
	}
	return out
}

// HandleMMIO dispatches a guest memory access to the BAR window decoding it.
func (h *HostBridge) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if addr+uint64(len(data)) < addr {
		return fmt.Errorf("pci host bridge: MMIO access overflow at 0x%016x", addr)
	}
	for _, fn := range h.sortedFunctions() {
		if region, off, ok := fn.findRegion(addr, len(data), false); ok {
			return region.access(off, data, isWrite)
		}
	}
	return fmt.Errorf("pci host bridge: no BAR decodes MMIO address 0x%016x", addr)
}

// HandlePIO dispatches a guest port access to the I/O BAR decoding it.
func (h *HostBridge) HandlePIO(port uint16, data []byte, isWrite bool) error {
	for _, fn := range h.sortedFunctions() {
		if region, off, ok := fn.findRegion(uint64(port), len(data), true); ok {
			return region.access(off, data, isWrite)
		}
	}
	return fmt.Errorf("pci host bridge: no BAR decodes I/O port 0x%04x", port)
}

var (
	_ hv.Device               = (*HostBridge)(nil)
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
)
