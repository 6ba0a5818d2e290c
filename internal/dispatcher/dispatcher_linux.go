//go:build linux

// Package dispatcher implements the single-threaded, cooperative
// event/timer loop of spec.md §4.6 and §5: one epoll instance, one
// TIMER_INTERVAL-spaced wakeup for periodic bookkeeping, and a typed Ref
// attached to every registered descriptor so the right engine handles each
// event. Grounded on _examples/original_source/passt.h's `union epoll_ref`
// and tcp.h's TCP_TIMER_INTERVAL, using golang.org/x/sys/unix directly for
// epoll control rather than Go's per-goroutine netpoller, since spec.md §5
// requires an explicit single execution context owning every registered fd.
package dispatcher

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// TimerInterval is the dispatcher's wakeup cadence for periodic tasks
// (spec.md §4.6 TIMER_INTERVAL, matching tcp.h's TCP_TIMER_INTERVAL).
const TimerInterval = 1000 * time.Millisecond

// Handler processes one ready event for its Ref.Type.
type Handler func(ref Ref, events uint32)

// Dispatcher owns the epoll instance and the table of per-Type handlers.
type Dispatcher struct {
	epfd     int
	handlers [TypeTapListen + 1]Handler

	periodics []func(now time.Time)
	evbuf     []unix.EpollEvent
}

// New creates a dispatcher backed by a fresh epoll instance.
func New() (*Dispatcher, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: epoll_create1: %w", err)
	}
	return &Dispatcher{epfd: fd, evbuf: make([]unix.EpollEvent, 256)}, nil
}

// Close releases the epoll instance.
func (d *Dispatcher) Close() error {
	return unix.Close(d.epfd)
}

// SetHandler registers the callback invoked for events carrying Refs of
// the given Type.
func (d *Dispatcher) SetHandler(t Type, h Handler) {
	d.handlers[t] = h
}

// OnPeriodic registers a function run once per TimerInterval tick, after
// all ready events for that iteration have been drained (spec.md §4.6 step
// 3: "periodic timers (TCP and UDP refill/rebind) and the flow-table
// deferred sweep").
func (d *Dispatcher) OnPeriodic(fn func(now time.Time)) {
	d.periodics = append(d.periodics, fn)
}

// Add registers fd for the given event mask (EPOLLIN, EPOLLOUT, ...) under
// ref.
func (d *Dispatcher) Add(fd int, events uint32, ref Ref) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	ev.SetUint64(ref.Pack())
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("dispatcher: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Modify updates the event mask/ref registered for fd.
func (d *Dispatcher) Modify(fd int, events uint32, ref Ref) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	ev.SetUint64(ref.Pack())
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("dispatcher: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

// Remove unregisters fd.
func (d *Dispatcher) Remove(fd int) error {
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("dispatcher: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// RunOnce blocks on the epoll instance for up to TimerInterval, dispatches
// any ready events to their registered handlers, and then (regardless of
// whether the wait timed out or returned events) runs the periodic
// callbacks. This is exactly one iteration of spec.md §4.6's dispatch loop.
func (d *Dispatcher) RunOnce() error {
	n, err := unix.EpollWait(d.epfd, d.evbuf, int(TimerInterval/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("dispatcher: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ref := Unpack(d.evbuf[i].Uint64())
		h := d.handlers[ref.Type]
		if h == nil {
			continue
		}
		h(ref, d.evbuf[i].Events)
	}

	now := time.Now()
	for _, fn := range d.periodics {
		fn(now)
	}
	return nil
}

// Run loops RunOnce until stop is closed.
func (d *Dispatcher) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := d.RunOnce(); err != nil {
			return err
		}
	}
}
