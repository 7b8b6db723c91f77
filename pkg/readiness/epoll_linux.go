//go:build linux

package readiness

import (
	"sync"

	"golang.org/x/sys/unix"
)

// EpollPoller wraps a real Linux epoll instance, the kernel-path half of
// readiness: Wakeups registered here surface through unix.EpollWait
// instead of being polled directly by a worker tick. Grounded on the
// gnet netpoll epoll poller's OpenPoller/AddRead/Polling shape, adapted
// to dispatch into Wakeup.Notify instead of a raw fd callback.
type EpollPoller struct {
	fd int

	mu   sync.Mutex
	byFD map[int32]*Wakeup
	fdOf map[*Wakeup]int32
}

// OpenEpollPoller creates a new epoll instance.
func OpenEpollPoller() (*EpollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollPoller{
		fd:   fd,
		byFD: make(map[int32]*Wakeup),
		fdOf: make(map[*Wakeup]int32),
	}, nil
}

// Close releases the epoll instance.
func (p *EpollPoller) Close() error {
	return unix.Close(p.fd)
}

// FD returns the underlying epoll file descriptor.
func (p *EpollPoller) FD() int {
	return p.fd
}

// Add registers fd for the given event mask, associating it with w so a
// later Wait dispatch calls w.Notify on readiness.
func (p *EpollPoller) Add(fd int, mask uint32, w *Wakeup) error {
	p.mu.Lock()
	p.byFD[int32(fd)] = w
	p.fdOf[w] = int32(fd)
	p.mu.Unlock()
	w.EpollFD = p.fd
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: mask})
}

// Mod changes the registered event mask for fd (used to toggle EPOLLOUT
// interest, for instance, once a send-residue clears).
func (p *EpollPoller) Mod(fd int, mask uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: mask})
}

// Remove unregisters fd.
func (p *EpollPoller) Remove(fd int) error {
	p.mu.Lock()
	if w, ok := p.byFD[int32(fd)]; ok {
		delete(p.fdOf, w)
	}
	delete(p.byFD, int32(fd))
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks (up to timeoutMS milliseconds, or indefinitely if -1) for
// at least one registered fd to become ready, dispatching each ready
// fd's event mask into its Wakeup via Notify. It returns the number of
// fds that became ready.
func (p *EpollPoller) Wait(timeoutMS int) (int, error) {
	var events [128]unix.EpollEvent
	n, err := unix.EpollWait(p.fd, events[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	p.mu.Lock()
	for i := 0; i < n; i++ {
		if w, ok := p.byFD[events[i].Fd]; ok {
			w.Notify(events[i].Events)
		}
	}
	p.mu.Unlock()
	return n, nil
}
