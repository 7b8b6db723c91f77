package readiness

// PollSet is the portable (non-epoll) KindPoll side of readiness: a flat
// list of Wakeups a worker tick scans directly, used when stack_mode_rtc
// bypasses dedicated epoll registration or on platforms without epoll.
// Unlike EpollPoller it performs no syscalls of its own; it is driven by
// whatever already computed that a descriptor's state changed (RXPump,
// TXPump) calling Notify.
type PollSet struct {
	members []*Wakeup
}

// Register adds w to the set.
func (s *PollSet) Register(w *Wakeup) {
	w.Kind = KindPoll
	w.EpollFD = -1
	s.members = append(s.members, w)
}

// Unregister removes w from the set.
func (s *PollSet) Unregister(w *Wakeup) {
	for i, m := range s.members {
		if m == w {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return
		}
	}
}

// ReadyAny scans the set once and returns every Wakeup whose ready-event
// set intersects mask, without clearing anything — the caller (a
// blocking poll()/select() shim entry point) decides what to consume.
func (s *PollSet) ReadyAny(mask uint32) []*Wakeup {
	var out []*Wakeup
	for _, w := range s.members {
		if w.Ready()&mask != 0 {
			out = append(out, w)
		}
	}
	return out
}

// Len reports how many Wakeups are registered.
func (s *PollSet) Len() int {
	return len(s.members)
}
