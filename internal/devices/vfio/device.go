//go:build linux

// Package vfio passes a host PCI function through to the guest using the
// VFIO cdev interface and an iommufd I/O address space.
package vfio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/passthru/internal/devices/pci"
)

// capabilityOffset is where the MSI capability is spliced into the header.
const capabilityOffset = 0x50

const unsetFD = -1

// Options wires a Device to its surroundings.
type Options struct {
	// Instance is a diagnostic index carried on every log line.
	Instance int

	// Bus receives the function at Bus/Slot/Func. When nil the function is
	// built but not placed on a bus.
	Bus  *pci.HostBridge
	BusN uint8
	Slot uint8
	Func uint8

	Kernel  Kernel
	Logger  *slog.Logger
	Metrics *Metrics
}

type cfgWindow struct {
	offset uint64
	size   uint64
}

// Device is one host PCI function assigned to the guest.
type Device struct {
	instance int
	kernel   Kernel
	log      *slog.Logger
	metrics  *Metrics

	bus              *pci.HostBridge
	busN, slot, fnum uint8

	cfg Config

	deviceFD  int
	iommuFD   int
	ioasID    uint32
	ioasValid bool

	window  cfgWindow
	fn      *pci.Function
	handle  *pci.DeviceHandle
	regions [pci.BARCount]Region

	channels [2]irqChannel
	poller   *poller

	mu     sync.Mutex
	ready  bool
	closed bool
}

// NewDevice returns a device with every handle unset.
func NewDevice(opts Options) *Device {
	k := opts.Kernel
	if k == nil {
		k = HostKernel()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		instance: opts.Instance,
		kernel:   k,
		log:      log.With("instance", opts.Instance),
		metrics:  opts.Metrics,
		bus:      opts.Bus,
		busN:     opts.BusN,
		slot:     opts.Slot,
		fnum:     opts.Func,
		deviceFD: unsetFD,
		iommuFD:  unsetFD,
	}
	for i := range d.regions {
		d.regions[i] = DisabledRegion{bar: i}
	}
	return d
}

// Open validates cfg, constructs a device and releases it again if any step
// fails.
func Open(cfg Config, opts Options) (*Device, error) {
	d := NewDevice(opts)
	if err := d.Construct(cfg); err != nil {
		if cerr := d.Close(); cerr != nil {
			d.log.Warn("vfio: release after failed construction", "error", cerr)
		}
		return nil, err
	}
	return d, nil
}

// Construct binds the host device, populates the virtual function and starts
// interrupt delivery. A failure leaves already opened handles recorded so
// Close can release them; the device is never marked ready.
func (d *Device) Construct(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("vfio: construct on closed device")
	}
	if d.deviceFD != unsetFD || d.iommuFD != unsetFD {
		return fmt.Errorf("vfio: device already constructed")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg, err := cfg.resolve()
	if err != nil {
		return err
	}
	d.cfg = cfg

	fd, err := d.kernel.Open(cfg.DevicePath)
	if err != nil {
		return opError("open", cfg.DevicePath, err)
	}
	d.deviceFD = fd

	fd, err = d.kernel.Open(cfg.IOMMUPath)
	if err != nil {
		return opError("open", cfg.IOMMUPath, err)
	}
	d.iommuFD = fd

	if err := d.kernel.BindIOMMUFD(d.deviceFD, d.iommuFD); err != nil {
		return opError("bind iommufd", cfg.DevicePath, err)
	}

	id, err := d.kernel.AllocIOAS(d.iommuFD)
	if err != nil {
		return opError("allocate IOAS", cfg.IOMMUPath, err)
	}
	d.ioasID = id
	d.ioasValid = true

	if err := d.kernel.AttachIOAS(d.deviceFD, d.ioasID); err != nil {
		return opError("attach IOAS", cfg.DevicePath, err)
	}
	d.log.Info("vfio: device attached", "device", cfg.DevicePath, "ioas", d.ioasID)

	info, err := d.kernel.DeviceInfo(d.deviceFD)
	if err != nil {
		return opError("get device info", cfg.DevicePath, err)
	}
	d.log.Info("vfio: device info",
		"flags", fmt.Sprintf("%#x", info.Flags),
		"regions", info.NumRegions,
		"irqs", info.NumIRQs,
		"cap_offset", info.CapOffset,
	)
	if info.Flags&DeviceFlagsPCI == 0 {
		return opError("get device info", cfg.DevicePath, fmt.Errorf("not a PCI function (flags %#x)", info.Flags))
	}
	if info.NumRegions <= PCIConfigRegionIndex {
		return opError("get device info", cfg.DevicePath, fmt.Errorf("device reports only %d regions", info.NumRegions))
	}

	if cfg.ResetOnAttach {
		if info.Flags&DeviceFlagsReset != 0 {
			if err := d.kernel.ResetDevice(d.deviceFD); err != nil {
				return opError("reset", cfg.DevicePath, err)
			}
		} else {
			d.log.Warn("vfio: device does not support reset")
		}
	}

	d.fn = pci.NewFunction(fmt.Sprintf("vfio%d", d.instance))
	if err := d.setupConfigSpace(); err != nil {
		return err
	}

	d.fn.InterceptConfigAccesses(configInterceptor{d})
	if d.bus != nil {
		handle, err := d.bus.RegisterFunction(d.busN, d.slot, d.fnum, d.fn)
		if err != nil {
			return fmt.Errorf("vfio: register on bus: %w", err)
		}
		d.handle = handle
	}

	for bar := 0; bar < pci.BARCount; bar++ {
		if err := d.setupRegion(bar, uint32(PCIBAR0RegionIndex+bar)); err != nil {
			return err
		}
	}

	for _, src := range cfg.Interrupts {
		if err := d.setupInterrupt(src); err != nil {
			return err
		}
	}
	// The header points at capabilityOffset; withdraw it when nothing was
	// placed there.
	if !d.fn.HasMSI() {
		d.fn.SetCapabilityList(0)
		d.fn.SetCapabilitiesListed(false)
	}

	p, err := newPoller(d)
	if err != nil {
		return err
	}
	d.poller = p
	p.start()

	d.ready = true
	d.log.Info("vfio: device ready", "location", d.Location())
	return nil
}

// Ready reports whether construction completed.
func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Function returns the virtual PCI function backing the device.
func (d *Device) Function() *pci.Function { return d.fn }

// BusHandle returns the bus registration, or nil when detached.
func (d *Device) BusHandle() *pci.DeviceHandle { return d.handle }

// Location returns the bus address of the function, or "" when detached.
func (d *Device) Location() string {
	if d.handle == nil {
		return ""
	}
	return d.handle.Location()
}

// Region returns the state of a BAR slot.
func (d *Device) Region(bar int) Region {
	if bar < 0 || bar >= pci.BARCount {
		return nil
	}
	return d.regions[bar]
}

// Close releases everything construction acquired. Detach and destroy
// failures are logged; close failures are returned together. Calling Close
// more than once is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.ready = false

	var result error

	if d.poller != nil {
		if err := d.poller.stop(); err != nil {
			result = multierror.Append(result, err)
		}
		d.poller = nil
	}

	if d.handle != nil {
		d.handle.Release()
		d.handle = nil
	}

	for i, r := range d.regions {
		if err := d.releaseRegion(r); err != nil {
			result = multierror.Append(result, err)
		}
		d.regions[i] = DisabledRegion{bar: i}
	}

	for i := range d.channels {
		if d.channels[i].ch == nil {
			continue
		}
		if err := d.channels[i].ch.Close(); err != nil {
			result = multierror.Append(result, indexError("close eventfd", i, err))
		}
		d.channels[i] = irqChannel{}
	}

	if d.deviceFD != unsetFD && d.iommuFD != unsetFD {
		if err := d.kernel.DetachIOAS(d.deviceFD); err != nil {
			d.log.Warn("vfio: detach IOAS", "error", err)
		}
		if d.ioasValid {
			if err := d.kernel.DestroyIOAS(d.iommuFD, d.ioasID); err != nil {
				d.log.Warn("vfio: destroy IOAS", "ioas", d.ioasID, "error", err)
			}
		}
	}
	d.ioasValid = false

	if d.deviceFD != unsetFD {
		if err := d.kernel.Close(d.deviceFD); err != nil {
			result = multierror.Append(result, opError("close", d.cfg.DevicePath, err))
		}
		d.deviceFD = unsetFD
	}
	if d.iommuFD != unsetFD {
		if err := d.kernel.Close(d.iommuFD); err != nil {
			result = multierror.Append(result, opError("close", d.cfg.IOMMUPath, err))
		}
		d.iommuFD = unsetFD
	}

	if result != nil {
		d.log.Warn("vfio: teardown incomplete", "error", result)
	}
	return result
}

func (d *Device) logRegion(bar int, info RegionInfo) {
	d.log.Info("vfio: region info",
		"bar", bar,
		"index", info.Index,
		"flags", fmt.Sprintf("%#x", info.Flags),
		"size", units.BytesSize(float64(info.Size)),
		"offset", fmt.Sprintf("%#x", info.Offset),
	)
}
