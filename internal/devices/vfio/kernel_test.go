//go:build linux

package vfio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

type cfgWrite struct {
	off   uint64
	width int
	value uint64
}

type ioasMapping struct {
	iova   uint64
	userVA uintptr
	length uint64
}

// fakeKernel emulates one VFIO PCI function and an iommufd.
type fakeKernel struct {
	mu sync.Mutex

	nextFD int
	paths  map[int]string
	closed []int
	calls  []string
	fail   map[string]error

	deviceFlags uint32
	numRegions  uint32
	cfgOffset   uint64
	config      [256]byte
	regions     map[uint32]RegionInfo
	irqs        map[uint32]IRQInfo

	short    bool
	writes   []cfgWrite
	unmapped int
	bound    map[uint32]int
	channels []EventChannel

	ioasID   uint32
	mappings []ioasMapping
	mapFail  func(iova uint64) bool
}

func newFakeKernel() *fakeKernel {
	k := &fakeKernel{
		nextFD:      100,
		paths:       make(map[int]string),
		fail:        make(map[string]error),
		deviceFlags: DeviceFlagsPCI | DeviceFlagsReset,
		numRegions:  9,
		cfgOffset:   0x70000000000,
		regions:     make(map[uint32]RegionInfo),
		irqs:        make(map[uint32]IRQInfo),
		bound:       make(map[uint32]int),
		ioasID:      7,
	}
	binary.LittleEndian.PutUint16(k.config[0x00:], 0x8086)
	binary.LittleEndian.PutUint16(k.config[0x02:], 0x10d3)
	binary.LittleEndian.PutUint16(k.config[0x04:], 0x0006)
	binary.LittleEndian.PutUint16(k.config[0x06:], 0x0010)
	k.config[0x08] = 0x03
	k.config[0x09] = 0x00
	k.config[0x0a] = 0x00
	k.config[0x0b] = 0x02
	k.config[0x3c] = 0x0b
	k.config[0x3d] = 0x01

	k.regions[PCIConfigRegionIndex] = RegionInfo{
		Index:  PCIConfigRegionIndex,
		Flags:  RegionInfoFlagRead | RegionInfoFlagWrite,
		Size:   256,
		Offset: k.cfgOffset,
	}
	return k
}

// addMemoryBAR describes a mappable BAR and writes its hardware register.
func (k *fakeKernel) addMemoryBAR(index uint32, size uint64, is64, prefetch bool) {
	k.regions[index] = RegionInfo{
		Index:  index,
		Flags:  RegionInfoFlagRead | RegionInfoFlagWrite | RegionInfoFlagMmap,
		Size:   size,
		Offset: uint64(index) << 40,
	}
	reg := uint32(0xfe000000)
	if is64 {
		reg |= 0x4
	}
	if prefetch {
		reg |= 0x8
	}
	binary.LittleEndian.PutUint32(k.config[0x10+4*index:], reg)
}

func (k *fakeKernel) addPortBAR(index uint32, size uint64) {
	k.regions[index] = RegionInfo{
		Index:  index,
		Flags:  RegionInfoFlagRead | RegionInfoFlagWrite,
		Size:   size,
		Offset: uint64(index) << 40,
	}
	binary.LittleEndian.PutUint32(k.config[0x10+4*index:], 0xc001)
}

func (k *fakeKernel) call(op string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, op)
	return k.fail[op]
}

func (k *fakeKernel) called(op string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, c := range k.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (k *fakeKernel) Open(path string) (int, error) {
	if err := k.call("open " + path); err != nil {
		return -1, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	fd := k.nextFD
	k.nextFD++
	k.paths[fd] = path
	return fd, nil
}

func (k *fakeKernel) Close(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, "close")
	if _, ok := k.paths[fd]; !ok {
		return unix.EBADF
	}
	delete(k.paths, fd)
	k.closed = append(k.closed, fd)
	return nil
}

func (k *fakeKernel) BindIOMMUFD(deviceFD, iommuFD int) error { return k.call("bind") }

func (k *fakeKernel) AllocIOAS(iommuFD int) (uint32, error) {
	if err := k.call("alloc"); err != nil {
		return 0, err
	}
	return k.ioasID, nil
}

func (k *fakeKernel) AttachIOAS(deviceFD int, ioasID uint32) error { return k.call("attach") }
func (k *fakeKernel) DetachIOAS(deviceFD int) error                { return k.call("detach") }
func (k *fakeKernel) DestroyIOAS(iommuFD int, ioasID uint32) error { return k.call("destroy") }
func (k *fakeKernel) ResetDevice(deviceFD int) error               { return k.call("reset") }

func (k *fakeKernel) MapIOAS(iommuFD int, ioasID uint32, userVA uintptr, length, iova uint64) error {
	if err := k.call("map"); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.mapFail != nil && k.mapFail(iova) {
		return unix.ENOMEM
	}
	k.mappings = append(k.mappings, ioasMapping{iova: iova, userVA: userVA, length: length})
	return nil
}

func (k *fakeKernel) DeviceInfo(deviceFD int) (DeviceInfo, error) {
	if err := k.call("device info"); err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{Flags: k.deviceFlags, NumRegions: k.numRegions, NumIRQs: 5}, nil
}

func (k *fakeKernel) RegionInfo(deviceFD int, index uint32) (RegionInfo, error) {
	if err := k.call("region info"); err != nil {
		return RegionInfo{}, err
	}
	if info, ok := k.regions[index]; ok {
		return info, nil
	}
	return RegionInfo{Index: index}, nil
}

func (k *fakeKernel) IRQInfo(deviceFD int, index uint32) (IRQInfo, error) {
	if err := k.call("irq info"); err != nil {
		return IRQInfo{}, err
	}
	if info, ok := k.irqs[index]; ok {
		return info, nil
	}
	return IRQInfo{Index: index}, nil
}

func (k *fakeKernel) SetIRQEventfd(deviceFD int, index uint32, eventFD int) error {
	if err := k.call("set irqs"); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.bound[index] = eventFD
	return nil
}

func (k *fakeKernel) Pread(fd int, p []byte, off int64) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rel := uint64(off) - k.cfgOffset
	if uint64(off) < k.cfgOffset || rel+uint64(len(p)) > uint64(len(k.config)) {
		return 0, unix.EINVAL
	}
	n := copy(p, k.config[rel:])
	if k.short && n > 0 {
		n--
	}
	return n, nil
}

func (k *fakeKernel) Pwrite(fd int, p []byte, off int64) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rel := uint64(off) - k.cfgOffset
	if uint64(off) < k.cfgOffset || rel+uint64(len(p)) > uint64(len(k.config)) {
		return 0, unix.EINVAL
	}
	var buf [8]byte
	copy(buf[:], p)
	k.writes = append(k.writes, cfgWrite{off: rel, width: len(p), value: binary.LittleEndian.Uint64(buf[:])})
	if k.short {
		return len(p) - 1, nil
	}
	return len(p), nil
}

func (k *fakeKernel) Mmap(fd int, offset int64, length int, prot int) ([]byte, error) {
	if err := k.call("mmap"); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, fmt.Errorf("mmap of %d bytes", length)
	}
	// uint64 backing keeps the mapping 8-byte aligned.
	words := make([]uint64, (length+7)/8)
	return unsafeBytes(words)[:length], nil
}

func (k *fakeKernel) Munmap(b []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unmapped++
	return nil
}

func (k *fakeKernel) NewEventChannel() (EventChannel, error) {
	if err := k.call("eventfd"); err != nil {
		return nil, err
	}
	ev, err := eventfd.Create()
	if err != nil {
		return nil, err
	}
	ch := &trackedChannel{Eventfd: ev}
	k.mu.Lock()
	k.channels = append(k.channels, ch)
	k.mu.Unlock()
	return ch, nil
}

func unsafeBytes(words []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

type trackedChannel struct {
	eventfd.Eventfd
	closed bool
}

func (c *trackedChannel) Close() error {
	c.closed = true
	return c.Eventfd.Close()
}

var _ Kernel = (*fakeKernel)(nil)
