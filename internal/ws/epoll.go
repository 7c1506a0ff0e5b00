//go:build linux

package ws

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller multiplexes read readiness over Linux epoll. It holds no
// per-connection state: ready descriptors come back as raw fds and the
// caller resolves them through the registry's fd index.
type Poller struct {
	fd     int
	events []unix.EpollEvent // reusable buffer; Wait has a single caller
}

// NewPoller creates an epoll instance via epoll_create1.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:     fd,
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers fd on the interest list for EPOLLIN and EPOLLHUP. The
// net.Conn argument exists for the non-Linux fallback and is unused here.
func (p *Poller) Add(fd int, _ net.Conn) error {
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
}

// Remove drops fd from the interest list.
func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until one or more registered descriptors are ready to read
// and returns their fds. A returned fd may already have been removed from
// the registry; the caller skips those.
func (p *Poller) Wait() ([]int, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fds = append(fds, int(p.events[i].Fd))
	}
	return fds, nil
}

// Close closes the epoll descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

// socketFD extracts the descriptor from a net.Conn without duplicating it
// (File() would dup, leaving epoll registered on a different fd). Returns -1
// when the conn does not expose a descriptor.
func socketFD(nc net.Conn) int {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
