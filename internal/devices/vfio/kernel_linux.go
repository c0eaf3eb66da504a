//go:build linux

package vfio

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

func ioctl(fd uintptr, request uintptr, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd int, request uintptr, arg unsafe.Pointer) error {
	for {
		_, err := ioctl(uintptr(fd), request, uintptr(arg))
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

type linuxKernel struct{}

// HostKernel returns the Kernel backed by real system calls.
func HostKernel() Kernel { return linuxKernel{} }

func (linuxKernel) Open(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func (linuxKernel) Close(fd int) error { return unix.Close(fd) }

func (linuxKernel) BindIOMMUFD(deviceFD, iommuFD int) error {
	bind := deviceBindIOMMUFD{IOMMUFD: int32(iommuFD)}
	bind.Argsz = uint32(unsafe.Sizeof(bind))
	return ioctlWithRetry(deviceFD, vfioDeviceBindIOMMUFD, unsafe.Pointer(&bind))
}

func (linuxKernel) AllocIOAS(iommuFD int) (uint32, error) {
	alloc := ioasAlloc{}
	alloc.Size = uint32(unsafe.Sizeof(alloc))
	if err := ioctlWithRetry(iommuFD, iommuIOASAlloc, unsafe.Pointer(&alloc)); err != nil {
		return 0, err
	}
	return alloc.OutIOASID, nil
}

func (linuxKernel) AttachIOAS(deviceFD int, ioasID uint32) error {
	attach := deviceAttachPT{PTID: ioasID}
	attach.Argsz = uint32(unsafe.Sizeof(attach))
	return ioctlWithRetry(deviceFD, vfioDeviceAttachPT, unsafe.Pointer(&attach))
}

func (linuxKernel) DetachIOAS(deviceFD int) error {
	detach := deviceDetachPT{}
	detach.Argsz = uint32(unsafe.Sizeof(detach))
	return ioctlWithRetry(deviceFD, vfioDeviceDetachPT, unsafe.Pointer(&detach))
}

func (linuxKernel) DestroyIOAS(iommuFD int, ioasID uint32) error {
	destroy := iommuDestroyCmd{ID: ioasID}
	destroy.Size = uint32(unsafe.Sizeof(destroy))
	return ioctlWithRetry(iommuFD, iommuDestroy, unsafe.Pointer(&destroy))
}

func (linuxKernel) MapIOAS(iommuFD int, ioasID uint32, userVA uintptr, length, iova uint64) error {
	m := ioasMap{
		Flags:  ioasMapFixedIOVA | ioasMapWriteable | ioasMapReadable,
		IOASID: ioasID,
		UserVA: uint64(userVA),
		Length: length,
		IOVA:   iova,
	}
	m.Size = uint32(unsafe.Sizeof(m))
	return ioctlWithRetry(iommuFD, iommuIOASMap, unsafe.Pointer(&m))
}

func (linuxKernel) ResetDevice(deviceFD int) error {
	return ioctlWithRetry(deviceFD, vfioDeviceReset, nil)
}

func (linuxKernel) DeviceInfo(deviceFD int) (DeviceInfo, error) {
	info := DeviceInfo{}
	info.Argsz = uint32(unsafe.Sizeof(info))
	err := ioctlWithRetry(deviceFD, vfioDeviceGetInfo, unsafe.Pointer(&info))
	return info, err
}

func (linuxKernel) RegionInfo(deviceFD int, index uint32) (RegionInfo, error) {
	info := RegionInfo{Index: index}
	info.Argsz = uint32(unsafe.Sizeof(info))
	err := ioctlWithRetry(deviceFD, vfioDeviceGetRegionInfo, unsafe.Pointer(&info))
	return info, err
}

func (linuxKernel) IRQInfo(deviceFD int, index uint32) (IRQInfo, error) {
	info := IRQInfo{Index: index}
	info.Argsz = uint32(unsafe.Sizeof(info))
	err := ioctlWithRetry(deviceFD, vfioDeviceGetIRQInfo, unsafe.Pointer(&info))
	return info, err
}

func (linuxKernel) SetIRQEventfd(deviceFD int, index uint32, eventFD int) error {
	set := irqSetEventfd{
		Flags: irqSetDataEventfd | irqSetActionTrigger,
		Index: index,
		Start: 0,
		Count: 1,
		FD:    int32(eventFD),
	}
	set.Argsz = uint32(unsafe.Sizeof(set))
	return ioctlWithRetry(deviceFD, vfioDeviceSetIRQs, unsafe.Pointer(&set))
}

func (linuxKernel) Pread(fd int, p []byte, off int64) (int, error) {
	return unix.Pread(fd, p, off)
}

func (linuxKernel) Pwrite(fd int, p []byte, off int64) (int, error) {
	return unix.Pwrite(fd, p, off)
}

func (linuxKernel) Mmap(fd int, offset int64, length int, prot int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED)
}

func (linuxKernel) Munmap(b []byte) error { return unix.Munmap(b) }

func (linuxKernel) NewEventChannel() (EventChannel, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return nil, err
	}
	return ev, nil
}

var _ Kernel = linuxKernel{}
