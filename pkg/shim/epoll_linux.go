//go:build linux

package shim

import (
	"github.com/corestack/upath/pkg/descriptor"
	"github.com/corestack/upath/pkg/readiness"
)

// EpollCreate implements epoll_create1(2): it allocates a real Linux
// epoll instance (pkg/readiness.EpollPoller) and hands back a
// descriptor id standing in for the epoll fd.
func (s *Shim) EpollCreate() (descriptor.ID, error) {
	p, err := readiness.OpenEpollPoller()
	if err != nil {
		return 0, err
	}
	id := descriptor.NewID()
	s.mu.Lock()
	s.epolls[id] = p
	s.mu.Unlock()
	return id, nil
}

// EpollCtl implements epoll_ctl(2). op is one of EpollCtlAdd/Mod/Del;
// mask is an EPOLLIN/EPOLLOUT/... bitmask (readiness.EventIn etc, kept
// numerically aligned with the real EPOLL bits). Adding an fd attaches a
// fresh readiness.Wakeup to it if it doesn't already have one, so
// RXPump/TXPump notifications reach this epoll instance's Wait.
func (s *Shim) EpollCtl(epfd descriptor.ID, op int, fd descriptor.ID, mask uint32) error {
	p, ok := s.epollPoller(epfd)
	if !ok {
		return EBADF
	}

	switch op {
	case EpollCtlAdd:
		w := readiness.New(readiness.KindEpoll, p.FD())
		if err := s.AttachNotifier(fd, w); err != nil {
			return err
		}
		return p.Add(int(fd), mask, w)
	case EpollCtlMod:
		return p.Mod(int(fd), mask)
	case EpollCtlDel:
		return p.Remove(int(fd))
	default:
		return EINVAL
	}
}

// EpollWait implements epoll_wait(2): blocks up to timeoutMS
// milliseconds (or indefinitely if negative) for at least one fd
// registered with epfd to become ready.
func (s *Shim) EpollWait(epfd descriptor.ID, timeoutMS int) (int, error) {
	p, ok := s.epollPoller(epfd)
	if !ok {
		return 0, EBADF
	}
	return p.Wait(timeoutMS)
}

func (s *Shim) epollPoller(epfd descriptor.ID) (*readiness.EpollPoller, bool) {
	s.mu.RLock()
	inst, ok := s.epolls[epfd]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p, ok := inst.(*readiness.EpollPoller)
	return p, ok
}
