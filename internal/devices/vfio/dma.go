//go:build linux

package vfio

import (
	"errors"

	"github.com/docker/go-units"

	"github.com/tinyrange/passthru/internal/hv"
)

// SyncOptions tune the power-on DMA walk.
type SyncOptions struct {
	// Progress, if set, is called with the number of guest bytes walked
	// since the previous call.
	Progress func(delta uint64)
}

// MappedRun is one contiguous guest range handed to the IOMMU.
type MappedRun struct {
	GuestPhys uint64
	HostVirt  uintptr
	Length    uint64
	Err       error
}

// SyncReport lists the runs attempted during PowerOn.
type SyncReport struct {
	Runs        []MappedRun
	MappedBytes uint64
	Failures    int
}

// progressStride is how many pages are walked between progress callbacks.
const progressStride = 256

// SyncSpan is the number of guest bytes PowerOn will walk for mem.
func (d *Device) SyncSpan(mem hv.GuestMemory) uint64 {
	var total uint64
	for _, r := range d.syncRanges(mem) {
		total += r.Size
	}
	return total
}

func (d *Device) syncRanges(mem hv.GuestMemory) []hv.MemoryRange {
	if e, ok := mem.(hv.RangeEnumerator); ok {
		return e.RAMRanges()
	}
	return []hv.MemoryRange{{Base: 0, Size: d.cfg.scanLimit()}}
}

// PowerOn maps every host-backed guest page into the device's I/O address
// space with IOVA equal to the guest physical address. Pages are coalesced
// into runs that are contiguous on both sides. A run that fails to map is
// logged and skipped.
func (d *Device) PowerOn(mem hv.GuestMemory, opts SyncOptions) (SyncReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready || !d.ioasValid {
		return SyncReport{}, ErrNotReady
	}

	s := dmaSync{d: d}
	var walked uint64
	pages := 0
	for _, r := range d.syncRanges(mem) {
		start := r.Base &^ (hv.PageSize - 1)
		for gpa := start; gpa < r.End() && gpa >= start; gpa += hv.PageSize {
			s.page(mem, gpa)
			walked += hv.PageSize
			pages++
			if opts.Progress != nil && pages%progressStride == 0 {
				opts.Progress(walked)
				walked = 0
			}
		}
		s.flush()
	}
	if opts.Progress != nil && walked > 0 {
		opts.Progress(walked)
	}

	d.metrics.dmaMapped(d.instance, s.report.MappedBytes)
	d.log.Info("vfio: DMA mappings installed",
		"runs", len(s.report.Runs),
		"mapped", units.BytesSize(float64(s.report.MappedBytes)),
		"failures", s.report.Failures,
	)
	return s.report, nil
}

type dmaSync struct {
	d      *Device
	active bool
	run    MappedRun
	report SyncReport
}

func (s *dmaSync) page(mem hv.GuestMemory, gpa uint64) {
	m, err := mem.AcquirePage(gpa)
	if err != nil {
		if !errors.Is(err, hv.ErrPageNotBacked) {
			s.d.log.Debug("vfio: page lookup failed", "gpa", gpa, "error", err)
		}
		s.flush()
		return
	}
	host := m.HostAddress
	m.Release()

	if s.active &&
		host == s.run.HostVirt+uintptr(s.run.Length) &&
		gpa == s.run.GuestPhys+s.run.Length {
		s.run.Length += hv.PageSize
		return
	}
	s.flush()
	s.active = true
	s.run = MappedRun{GuestPhys: gpa, HostVirt: host, Length: hv.PageSize}
}

func (s *dmaSync) flush() {
	if !s.active {
		return
	}
	s.active = false
	run := s.run
	d := s.d
	if err := d.kernel.MapIOAS(d.iommuFD, d.ioasID, run.HostVirt, run.Length, run.GuestPhys); err != nil {
		run.Err = opError("map IOAS", d.cfg.IOMMUPath, err)
		s.report.Failures++
		d.metrics.dmaFailure(d.instance)
		d.log.Error("vfio: map guest memory for DMA",
			"gpa", run.GuestPhys,
			"host", run.HostVirt,
			"length", run.Length,
			"error", err,
		)
	} else {
		s.report.MappedBytes += run.Length
	}
	s.report.Runs = append(s.report.Runs, run)
}
