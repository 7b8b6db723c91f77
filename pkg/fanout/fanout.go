// Package fanout implements the Fan-out Operations (spec.md component
// C8): broadcasting bind/listen/close/shutdown across a shadow listener's
// per-worker clones, and load-balanced accept across the resulting
// chain. A Chain is an arena of clone records addressed by integer index
// — not a web of owning pointers — so the cyclic W-length topology
// invariant (I5) is just "index i's next is (i+1) mod len(clones)"
// rather than something that can be corrupted by a dangling link.
package fanout

import (
	"errors"
	"net"

	"github.com/corestack/upath/pkg/descriptor"
	"github.com/corestack/upath/pkg/readiness"
	"github.com/corestack/upath/pkg/registry"
	"github.com/corestack/upath/pkg/rpcqueue"
	"github.com/corestack/upath/pkg/worker"
)

// Clone is one member of a fan-out chain: a descriptor living on a
// specific worker.
type Clone struct {
	Worker   *worker.Worker
	Fd       descriptor.ID
	IsMaster bool
}

// Chain is the cyclic sequence of clones sharing one local address
// tuple (invariant I5: every clone has the same local address; the
// chain has length W, one clone per worker).
type Chain struct {
	Addr   net.Addr
	clones []Clone
}

// Len returns the chain's length (W).
func (c *Chain) Len() int { return len(c.clones) }

// At returns the clone at index i, wrapping modulo the chain length so
// callers can walk it as a ring starting from any index.
func (c *Chain) At(i int) Clone {
	return c.clones[((i%len(c.clones))+len(c.clones))%len(c.clones)]
}

// Clones returns a copy of the chain's members.
func (c *Chain) Clones() []Clone {
	out := make([]Clone, len(c.clones))
	copy(out, c.clones)
	return out
}

func submit(w *worker.Worker, cmd *rpcqueue.Command) error {
	return w.RPC.Submit(cmd)
}

// BroadcastBind binds originFd (already created, unbound, on origin) to
// addr, then clones it onto every worker in others via ShadowFd. Any
// clone failure rolls the whole chain back with a broadcast close and
// returns the failure (spec.md section 4.6, "Broadcast bind").
func BroadcastBind(origin *worker.Worker, originFd descriptor.ID, others []*worker.Worker, addr net.Addr) (*Chain, error) {
	bind := &rpcqueue.Command{Op: rpcqueue.OpBind, Fd: int32(originFd), Addr: addr}
	if err := submit(origin, bind); err != nil {
		return nil, err
	}

	chain := &Chain{Addr: addr, clones: []Clone{{Worker: origin, Fd: originFd}}}

	for _, w := range others {
		shadow := &rpcqueue.Command{
			Op:          rpcqueue.OpShadowFd,
			ShadowSrcFd: int32(originFd),
			ShadowAddr:  addr,
		}
		if err := submit(w, shadow); err != nil {
			BroadcastClose(chain, 0)
			return nil, err
		}
		chain.clones = append(chain.clones, Clone{Worker: w, Fd: descriptor.ID(shadow.ResultFd)})
	}

	return chain, nil
}

// BroadcastListen issues Listen(backlog) to every clone in the chain and
// elects the clone whose worker currently has the fewest connections as
// master (spec.md section 4.6, "Broadcast listen"), applying the same
// min-connection-count rule pkg/registry.MinConnWorker uses for a named
// bind-group. Any failure rolls the chain back with a broadcast close.
func BroadcastListen(chain *Chain, backlog int) error {
	candidates := make([]registry.Worker, len(chain.clones))
	for i, cl := range chain.clones {
		candidates[i] = cl.Worker
	}
	masterWorker, _ := registry.MinConnAmong(candidates)
	for i := range chain.clones {
		chain.clones[i].IsMaster = chain.clones[i].Worker == masterWorker
	}

	for _, cl := range chain.clones {
		listen := &rpcqueue.Command{Op: rpcqueue.OpListen, Fd: int32(cl.Fd), Backlog: backlog}
		if err := submit(cl.Worker, listen); err != nil {
			BroadcastClose(chain, 0)
			return err
		}
	}
	return nil
}

// ErrNoCloneReady is returned by BroadcastAccept when no clone currently
// holds a ready inbound connection and the caller asked for a
// non-blocking attempt (maps to EAGAIN at the shim boundary).
var ErrNoCloneReady = errors.New("fanout: no clone ready")

// acceptReady reports whether cl's wakeup currently has EventIn asserted
// — the "ACCEPT-IN" flag spec.md section 4.6 scans the chain for.
func acceptReady(d *descriptor.Descriptor) bool {
	w, ok := d.Notifier.(*readiness.Wakeup)
	if !ok || w == nil {
		return false
	}
	return w.Ready()&readiness.EventIn != 0
}

// BroadcastAccept scans the chain for clones with a ready inbound
// connection, picks the one whose worker has the smallest connection
// count, and executes Accept there. If none is ready: blocking callers
// should retry (this function itself never blocks — callers loop); a
// non-blocking caller gets ErrNoCloneReady.
func BroadcastAccept(chain *Chain) (Clone, descriptor.ID, net.Addr, error) {
	bestIdx := -1
	for i, cl := range chain.clones {
		d, ok := cl.Worker.Lookup(cl.Fd)
		if !ok || !acceptReady(d) {
			continue
		}
		if bestIdx == -1 || cl.Worker.ConnCount() < chain.clones[bestIdx].Worker.ConnCount() {
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return Clone{}, 0, nil, ErrNoCloneReady
	}

	chosen := chain.clones[bestIdx]
	accept := &rpcqueue.Command{Op: rpcqueue.OpAccept, Fd: int32(chosen.Fd)}
	if err := submit(chosen.Worker, accept); err != nil {
		return Clone{}, 0, nil, err
	}

	// Clear EPOLLIN on the chosen clone once no further ACCEPT-IN is
	// pending, under the wakeup's own lock (Clear takes it internally).
	if d, ok := chosen.Worker.Lookup(chosen.Fd); ok {
		if w, ok := d.Notifier.(*readiness.Wakeup); ok && w != nil {
			stillReady := false
			for i, cl := range chain.clones {
				if i == bestIdx {
					continue
				}
				if dd, ok := cl.Worker.Lookup(cl.Fd); ok && acceptReady(dd) {
					stillReady = true
					break
				}
			}
			if !stillReady {
				w.Clear(readiness.EventIn)
			}
		}
	}

	return chosen, descriptor.ID(accept.ResultFd), accept.ResultAddr, nil
}

// BroadcastClose walks the chain once, posting Close to every clone's
// worker (spec.md section 4.6, "Broadcast close / shutdown"). Individual
// clone failures are ignored — close is best-effort cleanup, most often
// called from an already-failing rollback path.
func BroadcastClose(chain *Chain, _ int) {
	for _, cl := range chain.clones {
		cmd := &rpcqueue.Command{Op: rpcqueue.OpClose, Fd: int32(cl.Fd)}
		_ = submit(cl.Worker, cmd)
	}
}

// BroadcastShutdown walks the chain once, posting Shutdown(how) to every
// clone's worker.
func BroadcastShutdown(chain *Chain, how int) error {
	var firstErr error
	for _, cl := range chain.clones {
		cmd := &rpcqueue.Command{Op: rpcqueue.OpShutdown, Fd: int32(cl.Fd), How: how}
		if err := submit(cl.Worker, cmd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
