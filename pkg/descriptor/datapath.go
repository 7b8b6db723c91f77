package descriptor

import (
	"errors"

	"github.com/corestack/upath/pkg/buffer"
)

// ErrWouldBlock is returned by ApplicationRead when neither residue nor
// the receive ring has any data (maps to EAGAIN at the shim boundary).
var ErrWouldBlock = errors.New("descriptor: operation would block")

// TXPump drains up to one unit of work from d's send side per call, per
// spec.md section 4.4's TX pump: if send-residue is present use it, else
// dequeue one buffer from the send ring; if the ring is empty, stop. It
// queries the engine's available window and, if the buffer doesn't fit,
// parks it back as send-residue (backpressure) rather than sending a
// truncated write. Called from the owning worker's loop only.
func (d *Descriptor) TXPump() {
	pkt := d.sendResidue
	if pkt == nil {
		var ok bool
		pkt, ok = d.sendRing.Pop()
		if !ok {
			return
		}
	}
	d.sendResidue = nil

	window := d.Engine.SendWindow(d.PCB)
	if window < pkt.Len {
		d.sendResidue = pkt
		return
	}

	n, err := d.Engine.Send(d.PCB, pkt.Bytes())
	if err != nil || n < pkt.Len {
		// Partial (or failed) acceptance: record the drop and stop: per
		// spec.md section 4.4, "on partial acceptance, record a
		// write-drop and stop" rather than silently re-queuing the
		// remainder.
		writeDrops.Add(1)
		pkt.Release()
		return
	}
	pkt.Release()
}

// RXPump is the worker-tick receive step (spec.md section 4.4 step 1):
// for a descriptor with a non-empty engine receive mailbox and a
// non-full receive ring, pull min(free, available) buffers from the
// engine into the receive ring. If peek is true, data is read but not
// consumed from the engine's mailbox. pool supplies the buffers the
// engine's bytes are copied into. It returns true if residual engine
// data remains that did not fit (the caller should add d to the
// recv-list).
func (d *Descriptor) RXPump(pool *buffer.Pool, peek bool) (residual bool) {
	for {
		if d.recvRing.Full() {
			return d.Engine.RecvMailboxCount(d.PCB) > 0
		}
		avail := d.Engine.RecvMailboxCount(d.PCB)
		if avail == 0 {
			return false
		}

		pkt := pool.Get()
		n, err := d.Engine.RecvMailboxDequeue(d.PCB, pkt.Data, peek)
		if err != nil || n == 0 {
			pkt.Release()
			return false
		}
		pkt.Len = n
		pkt.Offset = 0

		if !d.recvRing.Push(pkt) {
			// The worker is the ring's only producer, so the Full() check
			// above normally rules this out. If Push does fail, the
			// dequeued bytes are released (dropped) and residual is
			// reported so the recv-list revisits the descriptor.
			pkt.Release()
			return true
		}
		if peek {
			// Peeking must not drain the mailbox across iterations: one
			// pass is enough to mirror what's currently available.
			return d.Engine.RecvMailboxCount(d.PCB) > 0
		}
	}
}

// ApplicationRead is the application-side read entry point (spec.md
// section 4.4 step 3): consume from recv-residue if present, else
// dequeue one buffer from the receive ring; copy up to len(dst) bytes
// into dst. If the source buffer still has bytes left after the copy,
// the consumed prefix is sliced off and the tail kept as recv-residue;
// otherwise the buffer is released. Repeats until dst is full or the
// ring (and residue) are drained.
func (d *Descriptor) ApplicationRead(dst []byte) (int, error) {
	total := 0
	for total < len(dst) {
		pkt := d.recvResidue
		if pkt == nil {
			var ok bool
			pkt, ok = d.recvRing.Pop()
			if !ok {
				break
			}
		}
		d.recvResidue = nil

		n := copy(dst[total:], pkt.Bytes())
		total += n

		if n < pkt.Len {
			pkt.ConsumePrefix(n)
			d.recvResidue = pkt
		} else {
			pkt.Release()
		}
	}

	if total == 0 {
		return 0, ErrWouldBlock
	}
	return total, nil
}

// Peek behaves like ApplicationRead but consumes no bytes (MSG_PEEK
// semantics): it copies from the front of the recv residue if present;
// otherwise it pops the ring's head buffer, copies from it and keeps it as
// recv residue, so the next read still returns those bytes.
func (d *Descriptor) Peek(dst []byte) (int, error) {
	if d.recvResidue != nil {
		n := copy(dst, d.recvResidue.Bytes())
		return n, nil
	}
	pkt, ok := d.recvRing.Pop()
	if !ok {
		return 0, ErrWouldBlock
	}
	n := copy(dst, pkt.Bytes())
	// Put it back as residue so the data is not lost: PEEK must leave
	// the stream position unchanged.
	d.recvResidue = pkt
	return n, nil
}

// NeedsReadinessRepost reports whether, after a read, ring data or
// residue remains — the condition under which the caller must re-post
// AddEvent(EPOLLIN) to keep level-triggered readiness asserted (spec.md
// section 4.4 step 4).
func (d *Descriptor) NeedsReadinessRepost() bool {
	return d.HasPendingRecvData()
}
