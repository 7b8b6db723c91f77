// Package descriptor implements DescriptorState, the per-socket fast-path
// state spec.md section 3 describes, and the send/receive ring discipline
// of section 4.4. Every field is partitioned by writer — worker-only,
// app-only or shared-read-only — so the hot path never takes a mutex
// (spec.md section 9, "Concurrent mutable state").
package descriptor

import (
	"sync/atomic"

	"github.com/corestack/upath/pkg/buffer"
	"github.com/corestack/upath/pkg/engine"
	"github.com/corestack/upath/pkg/ring"
)

// ID is a process-local descriptor handle, a plain incrementing counter —
// not an xid.ID, which is reserved for connection correlation in logs and
// metrics (spec.md data model note).
type ID int32

var nextID atomic.Int32

// NewID allocates the next descriptor handle.
func NewID() ID {
	return ID(nextID.Add(1))
}

// Process-wide counters pkg/metrics reads at scrape time (spec.md
// section 4.4/8: app-write-drop count, recv-list-visit count). They are
// package-level rather than per-descriptor since a dropped write or a
// recv-list visit still matters after the descriptor that produced it is
// closed and gone.
var (
	writeDrops     atomic.Uint64
	recvListVisits atomic.Uint64
)

// WriteDropsTotal reports how many TXPump calls observed the engine only
// partially (or not at all) accept a buffer it had room to send.
func WriteDropsTotal() uint64 { return writeDrops.Load() }

// RecvListVisitsTotal reports how many descriptor visits RecvList.Drain
// has made, counting visits that skip RXPump (closed descriptor or full
// receive ring) as well as those that call it.
func RecvListVisitsTotal() uint64 { return recvListVisits.Load() }

// Kind tags which connection-kind path a descriptor belongs to.
type Kind int

const (
	KindLIBOS Kind = iota // fully userspace/loopback path
	KindHOST               // destination resolved to the local host
	KindUDP
	KindTCP
)

// Notifier is the readiness side of a descriptor: posting a notification
// re-asserts level-triggered readiness (spec.md section 4.4 step 4,
// "post AddEvent so readiness stays asserted"). pkg/readiness.Wakeup
// implements this; the interface exists here so pkg/descriptor does not
// need to import pkg/readiness.
type Notifier interface {
	Notify(mask uint32)
}

// Descriptor is the fast-path state for one socket. Field groups:
//
//   - worker-only: recvRing producer end, sendRing consumer end,
//     sendResidue, recv-list link, pcb, the owning worker never changes
//     after creation so reads of it from app threads are safe.
//   - app-only: sendRing producer end, recvRing consumer end, recvResidue
//     writes, EventMask writes.
//   - shared-read: ID, Kind, Owner, MasterClone.
type Descriptor struct {
	ID    ID
	Kind  Kind
	Owner uintptr // opaque owning-worker identifier, set once at creation

	Engine engine.Engine
	PCB    engine.PCB

	recvRing *ring.SPSC[*buffer.Packet] // producer: worker. consumer: app.
	sendRing *ring.SPSC[*buffer.Packet] // producer: app. consumer: worker.

	recvResidue *buffer.Packet // written by app reads (ApplicationRead, Peek); the worker only reads it via HasPendingRecvData
	sendResidue *buffer.Packet // worker-only

	EventMask atomic.Uint32

	Notifier Notifier

	// recv-list linkage; touched only by the owning worker.
	inRecvList bool
	nextRecv   *Descriptor

	// NextClone links shadow descriptors into a cyclic chain of length W
	// (pkg/fanout owns chain construction; this is just the link field).
	NextClone   *Descriptor
	MasterClone bool

	closed atomic.Bool
}

// Config bundles the ring sizing a new descriptor is built with.
type Config struct {
	RecvRingCapacity int
	SendRingCapacity int
}

// New allocates a descriptor bound to eng/pcb, with empty send/receive
// rings of the given capacities (each must be a power of two).
func New(kind Kind, owner uintptr, eng engine.Engine, pcb engine.PCB, cfg Config) *Descriptor {
	return &Descriptor{
		ID:       NewID(),
		Kind:     kind,
		Owner:    owner,
		Engine:   eng,
		PCB:      pcb,
		recvRing: ring.NewSPSC[*buffer.Packet](cfg.RecvRingCapacity),
		sendRing: ring.NewSPSC[*buffer.Packet](cfg.SendRingCapacity),
	}
}

// Closed reports whether the descriptor has been closed. Per invariant
// I6, once true no new commands may be enqueued for it, though in-flight
// ones must still complete safely.
func (d *Descriptor) Closed() bool {
	return d.closed.Load()
}

// MarkClosed sets the closed flag. It does not tear down rings or wake
// anyone; callers (the RPC close handler) are responsible for draining
// and releasing any buffers still held.
func (d *Descriptor) MarkClosed() {
	d.closed.Store(true)
}

// EnqueueSend is the application-side entry point for a write/send call:
// it pushes buf onto the send ring for the worker to drain. It reports
// false (map to EAGAIN) if the ring is full — this is the only backpressure
// signal visible to the application side (invariant I2: only app threads
// write the send ring).
func (d *Descriptor) EnqueueSend(pkt *buffer.Packet) bool {
	return d.sendRing.Push(pkt)
}

// SendRingLen reports the number of buffers currently queued for
// transmission (advisory; used by introspection and EPOLLOUT logic).
func (d *Descriptor) SendRingLen() int {
	return d.sendRing.Len()
}

// RecvRingLen reports the number of buffers currently queued for the
// application to read (advisory).
func (d *Descriptor) RecvRingLen() int {
	return d.recvRing.Len()
}

// HasPendingRecvData reports whether a read right now would return data
// without blocking: residue present, or the ring non-empty.
func (d *Descriptor) HasPendingRecvData() bool {
	return d.recvResidue != nil || d.recvRing.Len() > 0
}

// InRecvList reports whether the descriptor is currently linked into its
// worker's recv-list (invariant I4: at most once).
func (d *Descriptor) InRecvList() bool {
	return d.inRecvList
}
