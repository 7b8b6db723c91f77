package buffer

import "github.com/corestack/upath/pkg/ring"

// IdleRing is a worker-owned SPSC ring of pre-allocated, ready-to-use
// Packets, kept topped up so the send/receive pumps never have to wait on
// Pool.Get (and its mutex) on the hot path (spec.md section 4.5, "Idle
// Buffer Pump"). The owning worker is the single producer (Replenish) and
// the application's write path is the single consumer (Take); there is no
// cross-worker sharing.
type IdleRing struct {
	pool *Pool
	ring *ring.SPSC[*Packet]
}

// NewIdleRing creates an idle ring of the given capacity (must be a power
// of two), drawing replacement buffers from pool.
func NewIdleRing(pool *Pool, capacity int) *IdleRing {
	return &IdleRing{
		pool: pool,
		ring: ring.NewSPSC[*Packet](capacity),
	}
}

// Take removes one ready buffer from the ring, or nil if the ring is
// currently empty (the caller falls back to pool.Get directly, paying the
// mutex, rather than blocking).
func (r *IdleRing) Take() *Packet {
	p, ok := r.ring.Pop()
	if !ok {
		return nil
	}
	return p
}

// Replenish fills the ring with buffers from the pool until it is full and
// returns how many it added (spec.md section 4.5). Callers invoke it once
// LowWatermark reports that more than one quarter of the ring is free.
func (r *IdleRing) Replenish() int {
	n := 0
	for !r.ring.Full() {
		pkt := r.pool.Get()
		if !r.ring.Push(pkt) {
			pkt.Release()
			break
		}
		n++
	}
	return n
}

// LowWatermark reports whether the ring's free slots exceed one quarter
// of capacity, the condition spec.md section 4.5 uses to trigger a
// Replenish.
func (r *IdleRing) LowWatermark() bool {
	return (r.ring.Cap()-r.ring.Len())*4 > r.ring.Cap()
}

// Len reports the number of ready buffers currently queued.
func (r *IdleRing) Len() int {
	return r.ring.Len()
}

// Cap reports the ring's fixed capacity.
func (r *IdleRing) Cap() int {
	return r.ring.Cap()
}
