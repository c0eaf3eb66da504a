//go:build linux

package vfio

// EventChannel is a counter-backed kernel notification descriptor.
type EventChannel interface {
	FD() int
	// Read drains the counter and returns its value.
	Read() (uint64, error)
	Notify() error
	Close() error
}

// Kernel is the host kernel surface used by the bridge. Every method maps to
// one system call or ioctl.
type Kernel interface {
	Open(path string) (int, error)
	Close(fd int) error

	BindIOMMUFD(deviceFD, iommuFD int) error
	AllocIOAS(iommuFD int) (uint32, error)
	AttachIOAS(deviceFD int, ioasID uint32) error
	DetachIOAS(deviceFD int) error
	DestroyIOAS(iommuFD int, ioasID uint32) error
	MapIOAS(iommuFD int, ioasID uint32, userVA uintptr, length, iova uint64) error

	ResetDevice(deviceFD int) error
	DeviceInfo(deviceFD int) (DeviceInfo, error)
	RegionInfo(deviceFD int, index uint32) (RegionInfo, error)
	IRQInfo(deviceFD int, index uint32) (IRQInfo, error)
	SetIRQEventfd(deviceFD int, index uint32, eventFD int) error

	Pread(fd int, p []byte, off int64) (int, error)
	Pwrite(fd int, p []byte, off int64) (int, error)
	Mmap(fd int, offset int64, length int, prot int) ([]byte, error)
	Munmap(b []byte) error

	NewEventChannel() (EventChannel, error)
}
