// Package readiness implements the Wakeup object (spec.md data model,
// component C7): the thing a descriptor's AddEvent command targets and
// that an epoll/poll/select caller blocks on. It is deliberately tiny —
// a ready-event bitmask and a back-link to whichever OS polling primitive
// is watching it — with the actual multiplexing done by EpollPoller
// (epoll_linux.go), grounded on the gnet epoll poller shape.
package readiness

import "sync"

// Kind distinguishes which OS polling primitive a Wakeup is registered
// with, per spec.md's "type tag {POLL, EPOLL}".
type Kind int

const (
	KindPoll Kind = iota
	KindEpoll
)

// Event mask bits, deliberately mirroring EPOLLIN/EPOLLOUT/EPOLLERR/EPOLLHUP
// numerically so they can be passed straight to unix.EpollEvent.Events.
const (
	EventIn  uint32 = 0x001
	EventOut uint32 = 0x004
	EventErr uint32 = 0x008
	EventHup uint32 = 0x010
)

// Wakeup is the readiness side of a descriptor. The spec describes its
// synchronization as a spinlock; a sync.Mutex is used here since Go does
// not expose a native spinlock primitive and the critical section (an OR
// into a bitmask) is too short to justify hand-rolling one with
// atomic.CompareAndSwap busy-loops.
type Wakeup struct {
	Kind Kind

	mu    sync.Mutex
	ready uint32

	// EpollFD is the epoll instance this Wakeup is registered with, or -1
	// if Kind is KindPoll (no back-link needed for a plain poll/select
	// caller, which re-scans its fd set directly).
	EpollFD int

	// next is a link field for chaining Wakeups into a list; EpollPoller
	// tracks its Wakeups in maps and does not set it.
	next *Wakeup
}

// New creates a Wakeup of the given kind. epollFD is the owning epoll
// instance's fd for KindEpoll, or -1 otherwise.
func New(kind Kind, epollFD int) *Wakeup {
	return &Wakeup{Kind: kind, EpollFD: epollFD}
}

// Notify ORs mask into the ready-event set. It implements
// descriptor.Notifier so the data-plane pumps can call it without
// importing this package. Level-triggered re-assertion (spec.md section
// 4.4 step 4) is just calling Notify again with the same bit already set
// — ORing is idempotent.
func (w *Wakeup) Notify(mask uint32) {
	w.mu.Lock()
	w.ready |= mask
	w.mu.Unlock()
}

// Ready reports the current ready-event set without clearing it.
func (w *Wakeup) Ready() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// TakeAndClear atomically reads and resets the ready-event set, used by
// edge-triggered consumers. Level-triggered callers should prefer Ready
// and let RXPump/TXPump re-assert bits that still apply.
func (w *Wakeup) TakeAndClear() uint32 {
	w.mu.Lock()
	r := w.ready
	w.ready = 0
	w.mu.Unlock()
	return r
}

// Clear unsets the given bits, called once the application has consumed
// everything a bit represented (e.g. EventIn cleared once a read drains
// both ring and residue).
func (w *Wakeup) Clear(mask uint32) {
	w.mu.Lock()
	w.ready &^= mask
	w.mu.Unlock()
}
