package tcpengine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SockPoolSize is TCP_SOCK_POOL_SIZE of spec.md §5.
const SockPoolSize = 8

// SockPool is the pre-allocated pool of nonblocking TCP sockets described
// in spec.md §5: "consumed O(1) on each new outbound connection, avoiding
// socket() latency on the hot path", refilled by the periodic timer.
type SockPool struct {
	family int // unix.AF_INET or unix.AF_INET6
	fds    []int
}

// NewSockPool creates an empty pool for the given address family and fills
// it immediately.
func NewSockPool(family int) (*SockPool, error) {
	p := &SockPool{family: family}
	if err := p.Refill(); err != nil {
		return nil, err
	}
	return p, nil
}

// Refill tops the pool back up to SockPoolSize, creating fresh nonblocking
// sockets as needed. Intended to be called from the dispatcher's periodic
// timer (spec.md §4.6 step 3).
func (p *SockPool) Refill() error {
	for len(p.fds) < SockPoolSize {
		fd, err := unix.Socket(p.family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
		if err != nil {
			return fmt.Errorf("tcpengine: sock pool refill: %w", err)
		}
		p.fds = append(p.fds, fd)
	}
	return nil
}

// Take removes and returns one socket from the pool, or ok=false if empty
// (the caller must fall back to socket() directly in that case).
func (p *SockPool) Take() (fd int, ok bool) {
	if len(p.fds) == 0 {
		return 0, false
	}
	n := len(p.fds) - 1
	fd = p.fds[n]
	p.fds = p.fds[:n]
	return fd, true
}

// Len reports how many sockets are currently pooled.
func (p *SockPool) Len() int {
	return len(p.fds)
}

// Close releases every pooled socket, for process shutdown.
func (p *SockPool) Close() {
	for _, fd := range p.fds {
		unix.Close(fd)
	}
	p.fds = nil
}
