//go:build linux

package vfio

import (
	"golang.org/x/sys/unix"

	"github.com/tinyrange/passthru/internal/devices/pci"
)

// poll(2) bits x/sys does not export on Linux.
const (
	pollRdNorm = 0x40
	pollRdBand = 0x80
)

const pollEvents = unix.POLLIN | pollRdNorm | pollRdBand | unix.POLLPRI | unix.POLLERR

type irqChannel struct {
	ch     EventChannel
	events int16
}

// setupInterrupt binds an eventfd to src when the hardware implements it.
func (d *Device) setupInterrupt(src InterruptSource) error {
	info, err := d.kernel.IRQInfo(d.deviceFD, uint32(src))
	if err != nil {
		return indexError("get irq info", int(src), err)
	}
	d.log.Info("vfio: irq info",
		"source", src.String(),
		"flags", info.Flags,
		"count", info.Count,
	)
	if info.Count == 0 {
		return nil
	}
	if info.Count != 1 {
		assertf(nil, "irq %s reports %d vectors, want 1", src, info.Count)
	}
	if !info.SupportsEventfd() {
		assertf(nil, "irq %s cannot signal an eventfd (flags %#x)", src, info.Flags)
	}

	ch, err := d.kernel.NewEventChannel()
	if err != nil {
		return indexError("create eventfd", int(src), err)
	}
	d.channels[src] = irqChannel{ch: ch, events: pollEvents}

	if err := d.kernel.SetIRQEventfd(d.deviceFD, uint32(src), ch.FD()); err != nil {
		return indexError("set irqs", int(src), err)
	}

	if src == SourceMSI {
		err := d.fn.RegisterMSI(pci.MSIConfig{
			Vectors:   1,
			CapOffset: capabilityOffset,
			Is64Bit:   true,
		})
		if err != nil {
			d.log.Warn("vfio: MSI capability unavailable", "error", err)
			d.fn.SetCapabilityList(0)
			d.fn.SetCapabilitiesListed(false)
		}
	}
	return nil
}
