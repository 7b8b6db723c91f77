// Package worker implements the Worker (spec.md section 4, "Scheduling"):
// an OS thread pinned to one CPU core running an uninterruptible polling
// loop that alternates NIC poll, engine drive, RPC drain, tx pump,
// recv-list drain and idle-ring replenish. A Worker never blocks; every
// descriptor it owns is mutated only from this loop (invariant I1).
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/corestack/upath/pkg/buffer"
	"github.com/corestack/upath/pkg/descriptor"
	"github.com/corestack/upath/pkg/engine"
	"github.com/corestack/upath/pkg/readiness"
	"github.com/corestack/upath/pkg/registry"
	"github.com/corestack/upath/pkg/rpcqueue"
)

// Config bundles a worker's sizing knobs, normally sourced from
// config.Snapshot().
type Config struct {
	RingCapacity     int
	IdleRingCapacity int
	MSS              int
	RPCQueueCapacity int
	CPUID            int // -1 to skip pinning
}

// Worker owns one protocol engine instance, its RPC queue, its idle
// buffer ring and every descriptor routed to it.
type Worker struct {
	id  int
	cfg Config

	Engine engine.Engine
	RPC    *rpcqueue.Queue
	Idle   *buffer.IdleRing
	pool   *buffer.Pool

	mu          sync.RWMutex
	descriptors map[descriptor.ID]*descriptor.Descriptor

	recvList descriptor.RecvList

	connCount atomic.Int64
	stop      chan struct{}
}

// New creates a worker. eng is the protocol engine instance this worker
// will drive exclusively.
func New(id int, eng engine.Engine, cfg Config) *Worker {
	pool := buffer.NewPool(cfg.MSS)
	idle := buffer.NewIdleRing(pool, cfg.IdleRingCapacity)
	idle.Replenish() // seed the ring; afterward it is topped up only via OpReplenishIdle
	return &Worker{
		id:          id,
		cfg:         cfg,
		Engine:      eng,
		RPC:         rpcqueue.New(cfg.RPCQueueCapacity),
		Idle:        idle,
		pool:        pool,
		descriptors: make(map[descriptor.ID]*descriptor.Descriptor),
		stop:        make(chan struct{}),
	}
}

// ID satisfies registry.Worker.
func (w *Worker) ID() int { return w.id }

// ConnCount satisfies registry.Worker: the number of descriptors this
// worker currently owns.
func (w *Worker) ConnCount() int {
	return int(w.connCount.Load())
}

// Pool returns the worker's buffer pool (used by callers copying
// application write data into fresh buffers before EnqueueSend).
func (w *Worker) Pool() *buffer.Pool { return w.pool }

// NewDescriptor allocates and registers a descriptor owned by this
// worker, created against pcb on this worker's engine.
func (w *Worker) NewDescriptor(kind descriptor.Kind, pcb engine.PCB) *descriptor.Descriptor {
	d := descriptor.New(kind, uintptr(w.id), w.Engine, pcb, descriptor.Config{
		RecvRingCapacity: w.cfg.RingCapacity,
		SendRingCapacity: w.cfg.RingCapacity,
	})
	w.mu.Lock()
	w.descriptors[d.ID] = d
	w.mu.Unlock()
	w.connCount.Add(1)
	return d
}

// Lookup returns the descriptor for id, if this worker owns it.
func (w *Worker) Lookup(id descriptor.ID) (*descriptor.Descriptor, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	d, ok := w.descriptors[id]
	return d, ok
}

func (w *Worker) forget(id descriptor.ID) {
	w.mu.Lock()
	delete(w.descriptors, id)
	w.mu.Unlock()
	w.connCount.Add(-1)
}

// Stop signals Run's loop to exit after its current tick.
func (w *Worker) Stop() {
	close(w.stop)
}

// Run pins the calling goroutine to its OS thread (and, if cfg.CPUID >=
// 0, to that CPU core) and then loops Tick until Stop is called. The
// caller is expected to invoke Run in its own goroutine — Run never
// returns until stopped, per spec.md's "workers never block" scheduling
// note (Run itself polls in a tight loop rather than blocking on I/O).
func (w *Worker) Run() error {
	if err := registry.PinCurrentThread(w.cfg.CPUID); err != nil {
		// Best-effort: an affinity failure is discarded and the worker
		// keeps running unpinned.
		_ = err
	}
	for {
		select {
		case <-w.stop:
			return nil
		default:
		}
		w.Tick()
	}
}

// Tick runs exactly one iteration of the polling loop: advance the
// engine, drain and execute RPC commands, run the tx pump for every
// descriptor with queued sends, pull fresh data into every descriptor's
// receive ring, and drain the recv-list. The idle ring is topped up only
// when a producer (currently the shim's Write path) observes it has
// crossed its low watermark and submits OpReplenishIdle — not
// unconditionally every tick — so C5's "Idle Buffer Pump" stays driven by
// the data plane rather than the scheduler (spec.md section 4.5).
func (w *Worker) Tick() {
	w.Engine.Poll()
	w.drainRPC()
	w.txPumpAll()
	w.rxPumpAll()
	w.recvList.Drain(w.pool)
}

// Execute runs cmd against this worker's engine/descriptor state
// directly on the calling goroutine, bypassing RPC.Submit's
// queue-and-wait round trip entirely. It exists for
// config.StackModeRTC ("bypass the worker and call the engine inline",
// spec.md section 6): a single-threaded deployment that never starts
// Run in a separate goroutine for this worker, so calling Execute
// inline from the shim does not violate invariant I1 (only one
// goroutine ever touches a given worker's state) the way it would
// racing against a live Tick loop.
func (w *Worker) Execute(cmd *rpcqueue.Command) {
	w.execute(cmd)
}

func (w *Worker) drainRPC() {
	for {
		cmd := w.RPC.TryDequeue()
		if cmd == nil {
			return
		}
		w.execute(cmd)
		rpcqueue.Complete(cmd)
	}
}

// txPumpAll drives the send side for every descriptor with queued
// outbound data (spec.md section 4.4 TX pump).
func (w *Worker) txPumpAll() {
	w.mu.RLock()
	ids := make([]descriptor.ID, 0, len(w.descriptors))
	for id, d := range w.descriptors {
		if d.SendRingLen() > 0 {
			ids = append(ids, id)
		}
	}
	w.mu.RUnlock()

	for _, id := range ids {
		if d, ok := w.Lookup(id); ok {
			d.TXPump()
		}
	}
}

// rxPumpAll is the worker-tick receive step (spec.md section 4.4 step
// 1): every descriptor this worker owns is checked for a non-empty
// engine receive mailbox, independent of whether it has anything queued
// to send, since a pure receiver would otherwise never get pumped. A
// descriptor left holding data after the pump gets its readiness
// re-asserted (EPOLLIN, level-triggered) so an epoll/poll/select caller
// blocked on it wakes up the same tick the data arrived.
func (w *Worker) rxPumpAll() {
	w.mu.RLock()
	ids := make([]descriptor.ID, 0, len(w.descriptors))
	for id := range w.descriptors {
		ids = append(ids, id)
	}
	w.mu.RUnlock()

	for _, id := range ids {
		d, ok := w.Lookup(id)
		if !ok || d.InRecvList() {
			continue
		}
		if residual := d.RXPump(w.pool, false); residual {
			w.recvList.Add(d)
		}
		if d.Notifier != nil && d.HasPendingRecvData() {
			d.Notifier.Notify(readiness.EventIn)
		}
	}
}

func (w *Worker) execute(cmd *rpcqueue.Command) {
	switch cmd.Op {
	case rpcqueue.OpSocket:
		pcb, err := w.Engine.Create(protoFor(cmd.Type))
		if err != nil {
			cmd.Err = err
			return
		}
		d := w.NewDescriptor(kindFor(cmd.Type), pcb)
		cmd.ResultFd = int32(d.ID)

	case rpcqueue.OpBind:
		d, err := w.require(cmd.Fd)
		if err != nil {
			cmd.Err = err
			return
		}
		cmd.Err = w.Engine.Bind(d.PCB, cmd.Addr)

	case rpcqueue.OpListen:
		d, err := w.require(cmd.Fd)
		if err != nil {
			cmd.Err = err
			return
		}
		cmd.Err = w.Engine.Listen(d.PCB, cmd.Backlog)

	case rpcqueue.OpAccept:
		d, err := w.require(cmd.Fd)
		if err != nil {
			cmd.Err = err
			return
		}
		pcb, addr, err := w.Engine.Accept(d.PCB)
		if err != nil {
			cmd.Err = err
			return
		}
		nd := w.NewDescriptor(d.Kind, pcb)
		cmd.ResultFd = int32(nd.ID)
		cmd.ResultAddr = addr

	case rpcqueue.OpConnect:
		d, err := w.require(cmd.Fd)
		if err != nil {
			cmd.Err = err
			return
		}
		cmd.Err = w.Engine.Connect(d.PCB, cmd.Addr)

	case rpcqueue.OpClose:
		d, err := w.require(cmd.Fd)
		if err != nil {
			cmd.Err = err
			return
		}
		d.MarkClosed()
		cmd.Err = w.Engine.Close(d.PCB)
		w.forget(d.ID)

	case rpcqueue.OpShutdown:
		d, err := w.require(cmd.Fd)
		if err != nil {
			cmd.Err = err
			return
		}
		cmd.Err = w.Engine.Shutdown(d.PCB, cmd.How)

	case rpcqueue.OpGetSockName:
		d, err := w.require(cmd.Fd)
		if err != nil {
			cmd.Err = err
			return
		}
		info, err := w.Engine.Info(d.PCB)
		if err != nil {
			cmd.Err = err
			return
		}
		cmd.ResultAddr = info.LocalAddr

	case rpcqueue.OpGetPeerName:
		d, err := w.require(cmd.Fd)
		if err != nil {
			cmd.Err = err
			return
		}
		info, err := w.Engine.Info(d.PCB)
		if err != nil {
			cmd.Err = err
			return
		}
		cmd.ResultAddr = info.RemoteAddr

	case rpcqueue.OpShadowFd:
		src, err := w.require(cmd.ShadowSrcFd)
		if err != nil {
			cmd.Err = err
			return
		}
		pcb, err := w.Engine.Create(engine.ProtoTCP)
		if err != nil {
			cmd.Err = err
			return
		}
		if err := w.Engine.Bind(pcb, cmd.ShadowAddr); err != nil {
			cmd.Err = err
			return
		}
		// Listen is issued separately by a subsequent broadcast-listen
		// pass (spec.md section 4.6): ShadowFd only clones the bound fd
		// onto this worker, it does not put it in the listening state.
		clone := w.NewDescriptor(src.Kind, pcb)
		cmd.ResultFd = int32(clone.ID)

	case rpcqueue.OpReplenishIdle:
		w.Idle.Replenish()

	case rpcqueue.OpAddEvent:
		d, err := w.require(cmd.Fd)
		if err != nil {
			cmd.Err = err
			return
		}
		if d.Notifier != nil {
			d.Notifier.Notify(cmd.EventMask)
		}

	case rpcqueue.OpGetSockOpt, rpcqueue.OpSetSockOpt:
		// No socket options are modeled on the fast path; report success
		// with an empty value so callers fall back to host semantics for
		// anything that matters.
	default:
		cmd.Err = fmt.Errorf("worker: unsupported op %s", cmd.Op)
	}
}

func (w *Worker) require(fd int32) (*descriptor.Descriptor, error) {
	d, ok := w.Lookup(descriptor.ID(fd))
	if !ok {
		return nil, fmt.Errorf("worker: no descriptor for fd %d", fd)
	}
	return d, nil
}

func protoFor(sockType int) engine.Proto {
	if sockType == 2 { // SOCK_DGRAM
		return engine.ProtoUDP
	}
	return engine.ProtoTCP
}

func kindFor(sockType int) descriptor.Kind {
	if sockType == 2 {
		return descriptor.KindUDP
	}
	return descriptor.KindTCP
}
