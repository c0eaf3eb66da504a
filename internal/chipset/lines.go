// Package chipset routes level-triggered interrupt lines from devices to an
// interrupt controller.
package chipset

import (
	"sort"
	"sync"
)

// Line is one interrupt line as seen by a device.
type Line interface {
	SetLevel(high bool)
}

// LineFunc adapts a function to Line.
type LineFunc func(high bool)

func (f LineFunc) SetLevel(high bool) {
	if f != nil {
		f(high)
	}
}

type detachedLine struct{}

func (detachedLine) SetLevel(bool) {}

// DetachedLine returns a Line that drops every level change.
func DetachedLine() Line { return detachedLine{} }

// InterruptSink is the controller side of a LineSet.
type InterruptSink interface {
	SetIRQ(irq uint8, high bool)
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(irq uint8, high bool)

func (f InterruptSinkFunc) SetIRQ(irq uint8, high bool) { f(irq, high) }

// LineState is a snapshot of one line.
type LineState struct {
	IRQ     uint8
	High    bool
	Asserts uint64
	Sharers int
}

// LineSet owns the lines handed to devices. Lines with the same IRQ number
// are wire-ORed: the sink sees the line high while any sharer holds it high,
// and only level transitions are forwarded.
type LineSet struct {
	mu    sync.Mutex
	sink  InterruptSink
	lines map[uint8]*lineState
}

type lineState struct {
	sharers []*lineHandle
	high    bool
	asserts uint64
}

// NewLineSet returns a LineSet forwarding transitions to sink. A nil sink
// discards them.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = InterruptSinkFunc(func(uint8, bool) {})
	}
	return &LineSet{sink: sink, lines: make(map[uint8]*lineState)}
}

// AllocateLine attaches a new sharer to irq.
func (l *LineSet) AllocateLine(irq uint8) Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.lines[irq]
	if st == nil {
		st = &lineState{}
		l.lines[irq] = st
	}
	h := &lineHandle{owner: l, irq: irq}
	st.sharers = append(st.sharers, h)
	return h
}

// Level reports whether irq is currently asserted.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.lines[irq]; st != nil {
		return st.high
	}
	return false
}

// Snapshot returns every allocated line ordered by IRQ number.
func (l *LineSet) Snapshot() []LineState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LineState, 0, len(l.lines))
	for irq, st := range l.lines {
		out = append(out, LineState{IRQ: irq, High: st.high, Asserts: st.asserts, Sharers: len(st.sharers)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IRQ < out[j].IRQ })
	return out
}

// FreeLine detaches a line returned by AllocateLine. Its contribution to the
// shared level is withdrawn and later level changes on it are ignored.
func (l *LineSet) FreeLine(line Line) {
	h, ok := line.(*lineHandle)
	if !ok || h.owner != l {
		return
	}
	l.mu.Lock()
	st := l.lines[h.irq]
	if h.freed || st == nil {
		l.mu.Unlock()
		return
	}
	h.freed = true
	for i, s := range st.sharers {
		if s == h {
			st.sharers = append(st.sharers[:i], st.sharers[i+1:]...)
			break
		}
	}
	wasHigh := h.high
	h.high = false
	l.mu.Unlock()

	if wasHigh {
		l.recompute(h.irq)
	}
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
	high  bool
	freed bool
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.update(h, high)
}

func (l *LineSet) update(h *lineHandle, high bool) {
	l.mu.Lock()
	if h.freed {
		l.mu.Unlock()
		return
	}
	h.high = high
	l.mu.Unlock()
	l.recompute(h.irq)
}

func (l *LineSet) recompute(irq uint8) {
	l.mu.Lock()
	st := l.lines[irq]
	level := false
	for _, s := range st.sharers {
		level = level || s.high
	}
	changed := level != st.high
	st.high = level
	if changed && level {
		st.asserts++
	}
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, level)
	}
}
