package descriptor

import "github.com/corestack/upath/pkg/buffer"

// RecvList is a worker-owned singly-linked list of descriptors that have
// residual engine data which didn't fit in their receive ring on the last
// RXPump. It exists only to support the drain in spec.md section 4.4:
// "walk the recv-list; for each descriptor with free receive-ring
// capacity, re-invoke the engine's receive entry point... use a
// first-node sentinel to terminate a single lap and prevent livelock
// when an element re-adds itself."
//
// Only the owning worker ever touches a RecvList, so no synchronization
// is needed on its links.
type RecvList struct {
	head *Descriptor
	tail *Descriptor
	n    int
}

// Add appends d to the list if it is not already linked (invariant I4: a
// descriptor appears in a worker's recv-list at most once).
func (l *RecvList) Add(d *Descriptor) {
	if d.inRecvList {
		return
	}
	d.inRecvList = true
	d.nextRecv = nil
	if l.tail == nil {
		l.head = d
		l.tail = d
	} else {
		l.tail.nextRecv = d
		l.tail = d
	}
	l.n++
}

// removeHead unlinks the list's current head and returns it, or nil if empty.
func (l *RecvList) removeHead() *Descriptor {
	d := l.head
	if d == nil {
		return nil
	}
	l.head = d.nextRecv
	if l.head == nil {
		l.tail = nil
	}
	d.nextRecv = nil
	d.inRecvList = false
	l.n--
	return d
}

// Len reports how many descriptors are currently linked.
func (l *RecvList) Len() int {
	return l.n
}

// Drain walks the recv-list once, re-invoking RXPump for each descriptor
// that still has free receive-ring capacity, and re-links any descriptor
// that still has residual data after the retry. A first-node sentinel —
// the list's length at the start of the lap — bounds the walk to exactly
// that many visits, so a descriptor that re-adds itself is seen again
// only on the *next* worker tick, never in the same lap (preventing
// livelock per spec.md's edge-case list: "at most len(recv-list)
// descriptors are visited per tick").
func (l *RecvList) Drain(pool *buffer.Pool) {
	lap := l.Len()
	for i := 0; i < lap; i++ {
		d := l.removeHead()
		if d == nil {
			return
		}
		recvListVisits.Add(1)
		if d.Closed() {
			continue
		}
		if d.recvRing.Full() {
			l.Add(d)
			continue
		}
		if residual := d.RXPump(pool, false); residual {
			l.Add(d)
		}
	}
}
