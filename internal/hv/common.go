package hv

import "errors"

var (
	ErrPageNotBacked = errors.New("guest page has no host backing")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// PageSize is the granularity guest memory is resolved at.
const PageSize = 0x1000

type Device interface {
	Init() error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MemoryRange is a span of guest-physical address space.
type MemoryRange struct {
	Base uint64
	Size uint64
}

// End returns the first address after the range.
func (r MemoryRange) End() uint64 { return r.Base + r.Size }

// PageMapping is a resolved guest page. Release must be called once the
// caller is done with HostAddress.
type PageMapping struct {
	HostAddress uintptr
	release     func()
}

// NewPageMapping builds a PageMapping; release may be nil.
func NewPageMapping(host uintptr, release func()) PageMapping {
	return PageMapping{HostAddress: host, release: release}
}

// Release drops the lock taken by AcquirePage.
func (m PageMapping) Release() {
	if m.release != nil {
		m.release()
	}
}

// GuestMemory resolves guest-physical pages to their host backing.
type GuestMemory interface {
	// AcquirePage looks up the page containing gpa. It returns
	// ErrPageNotBacked (possibly wrapped) when nothing backs the page.
	AcquirePage(gpa uint64) (PageMapping, error)
}

// RangeEnumerator is implemented by guest memory that can list its RAM.
type RangeEnumerator interface {
	RAMRanges() []MemoryRange
}

// MSISignaler delivers message-signalled interrupts.
type MSISignaler interface {
	SignalMSI(addr uint64, data uint32, flags uint32) error
}
