// Package buffer implements PacketBuffer and the per-worker idle transmit
// ring that replenishes it (spec.md section 3, "PacketBuffer" and
// "IdleRing"; section 4.5, "Idle Buffer Pump").
package buffer

import (
	"sync"
	"sync/atomic"
)

// Packet is a reference-counted byte buffer carrying a length, a header
// offset and flags, allocated from a per-worker transmit pool. When its
// last reference drops, its free hook (set by whichever pool produced it)
// returns it to that pool instead of letting the garbage collector reclaim
// it — the teacher's "custom free hook" pattern.
type Packet struct {
	Data   []byte
	Len    int
	Offset int
	Flags  uint32

	refs     atomic.Int32
	freeHook func(*Packet)
}

// Flags bits.
const (
	FlagPush uint32 = 1 << iota
	FlagURG
	FlagFIN
)

// Ref increments the reference count and returns p, so callers can chain
// `q := p.Ref()` when handing a buffer to a second owner (e.g. both a
// descriptor's send ring and a retransmit queue inside the engine).
func (p *Packet) Ref() *Packet {
	p.refs.Add(1)
	return p
}

// Release drops one reference. When the count reaches zero the buffer is
// returned to its pool via freeHook (or discarded if it has none, which
// only happens for buffers never handed out by a Pool).
func (p *Packet) Release() {
	if p.refs.Add(-1) == 0 {
		p.Len = 0
		p.Offset = 0
		p.Flags = 0
		if p.freeHook != nil {
			p.freeHook(p)
		}
	}
}

// Bytes returns the buffer's valid payload, respecting Offset and Len.
func (p *Packet) Bytes() []byte {
	return p.Data[p.Offset : p.Offset+p.Len]
}

// Truncate shortens the buffer's logical length to n bytes (used after a
// partial copy-in, per spec.md section 4.4 step 2: "truncate buffer length
// to the copied bytes").
func (p *Packet) Truncate(n int) {
	if n < p.Len {
		p.Len = n
	}
}

// ConsumePrefix drops the first n bytes of the buffer's payload in place,
// used to turn a partially-read buffer into recv-residue (spec.md section
// 4.4 step 3: "slice off the consumed prefix and store the tail as
// recv-residue").
func (p *Packet) ConsumePrefix(n int) {
	if n >= p.Len {
		p.Offset += p.Len
		p.Len = 0
		return
	}
	p.Offset += n
	p.Len -= n
}

// Pool is a fixed-segment-size mempool that Packets are allocated from and
// returned to. It is the "underlying transmit mempool" referenced by
// spec.md section 4.5.
type Pool struct {
	segmentSize int
	mu          sync.Mutex
	free        []*Packet
	allocated   atomic.Int64
}

// NewPool creates a pool producing buffers of segmentSize bytes.
func NewPool(segmentSize int) *Pool {
	return &Pool{segmentSize: segmentSize}
}

// Get returns one buffer, allocating a fresh one if the free list is
// empty. The returned buffer carries refs=1 and this pool's free hook.
func (p *Pool) Get() *Packet {
	p.mu.Lock()
	n := len(p.free)
	var pkt *Packet
	if n > 0 {
		pkt = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if pkt == nil {
		pkt = &Packet{Data: make([]byte, p.segmentSize)}
		p.allocated.Add(1)
	}
	pkt.refs.Store(1)
	pkt.freeHook = p.put
	return pkt
}

// GetN allocates n buffers at once. Pool never refuses to grow, so the
// returned slice always holds exactly n buffers.
func (p *Pool) GetN(n int) []*Packet {
	out := make([]*Packet, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.Get())
	}
	return out
}

func (p *Pool) put(pkt *Packet) {
	p.mu.Lock()
	p.free = append(p.free, pkt)
	p.mu.Unlock()
}

// Allocated reports the total number of buffers this pool has ever
// created (free-list hits don't count), used by metrics to track pool
// growth pressure.
func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}

// SegmentSize returns the fixed per-buffer payload size.
func (p *Pool) SegmentSize() int {
	return p.segmentSize
}
