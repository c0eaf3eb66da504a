//go:build linux

package vfio

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PollerState is the lifecycle of the interrupt poller.
type PollerState int32

const (
	PollerInitializing PollerState = iota
	PollerRunning
	PollerTerminated
)

func (s PollerState) String() string {
	switch s {
	case PollerInitializing:
		return "initializing"
	case PollerRunning:
		return "running"
	case PollerTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("PollerState(%d)", int32(s))
	}
}

// interruptTarget is the virtual function side of the poller.
type interruptTarget interface {
	SetIRQ(line int, level bool) error
}

type polledChannel struct {
	src    InterruptSource
	ch     EventChannel
	events int16
}

// poller turns eventfd signals into virtual interrupt assertions.
type poller struct {
	instance int
	log      *slog.Logger
	metrics  *Metrics
	target   interruptTarget

	channels []polledChannel
	wake     EventChannel

	state    atomic.Int32
	stopping atomic.Bool
	running  chan struct{}
	done     chan struct{}
}

func newPoller(d *Device) (*poller, error) {
	wake, err := d.kernel.NewEventChannel()
	if err != nil {
		return nil, opError("create wake eventfd", "", err)
	}
	p := &poller{
		instance: d.instance,
		log:      d.log,
		metrics:  d.metrics,
		target:   d.fn,
		wake:     wake,
		running:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i, c := range d.channels {
		if c.ch == nil {
			continue
		}
		p.channels = append(p.channels, polledChannel{src: InterruptSource(i), ch: c.ch, events: c.events})
	}
	return p, nil
}

// start launches the loop and returns once it is running.
func (p *poller) start() {
	go p.run()
	<-p.running
}

func (p *poller) State() PollerState {
	return PollerState(p.state.Load())
}

// stop asks the loop to exit, wakes it and waits.
func (p *poller) stop() error {
	p.stopping.Store(true)
	if err := p.wake.Notify(); err != nil {
		return opError("wake poller", "", err)
	}
	<-p.done
	if err := p.wake.Close(); err != nil {
		return opError("close wake eventfd", "", err)
	}
	return nil
}

func (p *poller) run() {
	defer close(p.done)
	defer p.state.Store(int32(PollerTerminated))

	p.state.Store(int32(PollerRunning))
	close(p.running)

	fds := make([]unix.PollFd, len(p.channels)+1)
	wakeIdx := len(p.channels)

	for !p.stopping.Load() {
		for i, c := range p.channels {
			fds[i] = unix.PollFd{Fd: int32(c.ch.FD()), Events: c.events}
		}
		fds[wakeIdx] = unix.PollFd{Fd: int32(p.wake.FD()), Events: unix.POLLIN}

		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			p.log.Error("vfio: poll failed", "error", err)
			assertf(err, "poll interrupt channels")
		}

		if fds[wakeIdx].Revents != 0 {
			if _, err := p.wake.Read(); err != nil {
				assertf(err, "drain wake eventfd")
			}
			continue
		}

		if len(p.channels) == 1 && n != 1 {
			p.log.Error("vfio: unexpected poll result", "ready", n)
			assertf(nil, "poll reported %d ready channels, want 1", n)
		}

		for i := range p.channels {
			if fds[i].Revents == 0 {
				continue
			}
			fds[i].Revents = 0
			p.service(p.channels[i])
		}
	}
}

func (p *poller) service(c polledChannel) {
	if _, err := c.ch.Read(); err != nil {
		p.log.Error("vfio: drain interrupt eventfd", "source", c.src.String(), "error", err)
		assertf(err, "drain %s eventfd", c.src)
	}
	if err := p.target.SetIRQ(0, true); err != nil {
		p.log.Warn("vfio: assert interrupt", "source", c.src.String(), "error", err)
		return
	}
	p.metrics.interrupt(p.instance, c.src)
}
