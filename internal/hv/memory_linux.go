//go:build linux

package hv

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

type ramSlot struct {
	rng MemoryRange
	mem []byte
}

// AnonymousMemory backs every RAM range of an AddressSpace with its own
// anonymous host mapping.
type AnonymousMemory struct {
	// mu is held for reading while a page is acquired so Close cannot
	// unmap memory out from under a caller.
	mu    sync.RWMutex
	slots []ramSlot
}

// NewAnonymousMemory maps host memory for each RAM range in layout.
func NewAnonymousMemory(layout *AddressSpace) (*AnonymousMemory, error) {
	m := &AnonymousMemory{}
	maxInt := uint64(^uint(0) >> 1)
	for _, r := range layout.RAMRanges() {
		if r.Size > maxInt {
			m.Close()
			return nil, fmt.Errorf("allocate memory: size %d exceeds host address limit", r.Size)
		}
		mem, err := unix.Mmap(-1, 0, int(r.Size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
		)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("allocate memory at %#x: %w", r.Base, err)
		}
		m.slots = append(m.slots, ramSlot{rng: r, mem: mem})
	}
	return m, nil
}

// RAMRanges implements RangeEnumerator.
func (m *AnonymousMemory) RAMRanges() []MemoryRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MemoryRange, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s.rng)
	}
	return out
}

// AcquirePage implements GuestMemory.
func (m *AnonymousMemory) AcquirePage(gpa uint64) (PageMapping, error) {
	m.mu.RLock()
	page := gpa &^ (PageSize - 1)
	for _, s := range m.slots {
		if page >= s.rng.Base && page < s.rng.End() {
			host := uintptr(unsafe.Pointer(&s.mem[page-s.rng.Base]))
			return NewPageMapping(host, m.mu.RUnlock), nil
		}
	}
	m.mu.RUnlock()
	return PageMapping{}, fmt.Errorf("gpa %#x: %w", gpa, ErrPageNotBacked)
}

// Close unmaps all guest RAM.
func (m *AnonymousMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, s := range m.slots {
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap guest memory at %#x: %w", s.rng.Base, err)
		}
	}
	m.slots = nil
	return firstErr
}

var (
	_ GuestMemory     = (*AnonymousMemory)(nil)
	_ RangeEnumerator = (*AnonymousMemory)(nil)
)
