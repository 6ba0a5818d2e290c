//go:build !linux

package dispatcher

import (
	"fmt"
	"time"
)

// TimerInterval is the dispatcher's wakeup cadence for periodic tasks
// (spec.md §4.6 TIMER_INTERVAL).
const TimerInterval = 1000 * time.Millisecond

// Handler processes one ready event for its Ref.Type.
type Handler func(ref Ref, events uint32)

// Dispatcher is unsupported outside Linux: epoll is a Linux-specific
// facility and this module's single-threaded event loop design (spec.md §5)
// depends on it directly rather than on a portable abstraction.
type Dispatcher struct{}

func New() (*Dispatcher, error) {
	return nil, fmt.Errorf("dispatcher: epoll-based dispatcher is only supported on linux")
}

func (d *Dispatcher) Close() error                                { return nil }
func (d *Dispatcher) SetHandler(t Type, h Handler)                 {}
func (d *Dispatcher) OnPeriodic(fn func(now time.Time))            {}
func (d *Dispatcher) Add(fd int, events uint32, ref Ref) error     { return fmt.Errorf("unsupported") }
func (d *Dispatcher) Modify(fd int, events uint32, ref Ref) error  { return fmt.Errorf("unsupported") }
func (d *Dispatcher) Remove(fd int) error                          { return fmt.Errorf("unsupported") }
func (d *Dispatcher) RunOnce() error                               { return fmt.Errorf("unsupported") }
func (d *Dispatcher) Run(stop <-chan struct{}) error                { return fmt.Errorf("unsupported") }
