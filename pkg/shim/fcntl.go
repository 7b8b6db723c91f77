package shim

import "github.com/corestack/upath/pkg/descriptor"

// fcntl(2)/ioctl(2) command constants, kept numerically aligned with
// their Linux values the way errors.go keeps its sentinels
// syscall.Errno-compatible — callers porting existing F_GETFL/FIONREAD
// call sites don't need a translation table.
const (
	FGetFL = 3
	FSetFL = 4

	ONonblock = 0x800

	FIONREAD = 0x541B
)

// Fcntl implements the subset of fcntl(2) this stack has a fast-path
// equivalent for: F_GETFL/F_SETFL's O_NONBLOCK bit. The fast path is
// already non-blocking end to end (Read/Write/Accept never block unless
// a caller explicitly asks, via the blocking bool / context deadline),
// so this call is bookkeeping for callers that query or toggle the flag
// rather than a behavior switch.
func (s *Shim) Fcntl(fd descriptor.ID, cmd int, arg int) (int, error) {
	e, ok := s.get(fd)
	if !ok {
		return -1, EBADF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd {
	case FGetFL:
		if e.nonblock {
			return ONonblock, nil
		}
		return 0, nil
	case FSetFL:
		e.nonblock = arg&ONonblock != 0
		return 0, nil
	default:
		return -1, EINVAL
	}
}

// Ioctl implements the one ioctl(2) request this stack has data to back:
// FIONREAD, reporting how many buffers are queued for the application to
// read (descriptor.RecvRingLen plus any residue) without consuming them.
// It reports a buffer count rather than an exact byte count, the same
// advisory granularity RecvRingLen itself documents.
func (s *Shim) Ioctl(fd descriptor.ID, req int) (int, error) {
	e, ok := s.get(fd)
	if !ok {
		return 0, EBADF
	}
	if req != FIONREAD {
		return 0, EINVAL
	}
	if e.worker == nil {
		return 0, nil
	}
	d, ok := e.worker.Lookup(fd)
	if !ok {
		return 0, EBADF
	}
	n := d.RecvRingLen()
	if d.HasPendingRecvData() && n == 0 {
		n = 1
	}
	return n, nil
}
