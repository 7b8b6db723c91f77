//go:build !linux

package shim

import "github.com/corestack/upath/pkg/descriptor"

// EpollCreate, EpollCtl and EpollWait are Linux-only — epoll(7) has no
// portable equivalent, the same way pkg/tcpinfo's TCP_INFO introspection
// is only wired up for linux/darwin. Non-Linux builds return ENOSYS so a
// caller falls back to Poll/Select, exactly as glibc does on a platform
// without a real epoll.
func (s *Shim) EpollCreate() (descriptor.ID, error) {
	return 0, ENOSYS
}

func (s *Shim) EpollCtl(epfd descriptor.ID, op int, fd descriptor.ID, mask uint32) error {
	return ENOSYS
}

func (s *Shim) EpollWait(epfd descriptor.ID, timeoutMS int) (int, error) {
	return 0, ENOSYS
}
