// Package shim implements the POSIX Shim (spec.md component C9) as a
// Go API rather than an LD_PRELOAD/cgo-exported C ABI — that substitution
// is the one deliberate, documented redesign this module makes (see
// SPEC_FULL.md section 1). Every entry point keeps the same shape the
// spec describes for the C original: validate arguments, consult the
// Path Selector, dispatch to the fast path or fall back to the host
// (net/syscall) path.
package shim

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corestack/upath/pkg/buffer"
	"github.com/corestack/upath/pkg/config"
	"github.com/corestack/upath/pkg/descriptor"
	"github.com/corestack/upath/pkg/fanout"
	"github.com/corestack/upath/pkg/netif"
	"github.com/corestack/upath/pkg/pathselect"
	"github.com/corestack/upath/pkg/readiness"
	"github.com/corestack/upath/pkg/registry"
	"github.com/corestack/upath/pkg/rpcqueue"
	"github.com/corestack/upath/pkg/worker"
)

type fdEntry struct {
	kind   descriptor.Kind
	worker *worker.Worker // nil for HOST-path entries
	chain  *fanout.Chain  // non-nil for a shadow (fan-out) listener

	hostAddr     net.Addr
	hostConn     net.Conn
	hostListener net.Listener

	notifier *readiness.Wakeup
	nonblock bool

	udpNext int // next clone index rtw_udp_recvfrom-style round robin starts from
}

// Shim is the entry-point surface applications call into in place of the
// raw POSIX socket calls. One Shim owns the full worker pool created at
// startup.
type Shim struct {
	reg     *registry.Registry
	workers []*worker.Worker

	mu        sync.RWMutex
	fds       map[descriptor.ID]*fdEntry
	listenPts map[int]bool // local ports this process has Listen'd on the fast path
	epolls    map[descriptor.ID]epollInstance

	rrNext atomic.Int64
}

// New creates a Shim driving the given worker pool, already registered
// in reg.
func New(reg *registry.Registry, workers []*worker.Worker) *Shim {
	return &Shim{
		reg:       reg,
		workers:   workers,
		fds:       make(map[descriptor.ID]*fdEntry),
		listenPts: make(map[int]bool),
		epolls:    make(map[descriptor.ID]epollInstance),
	}
}

func (s *Shim) nextWorker() *worker.Worker {
	i := s.rrNext.Add(1) - 1
	return s.workers[int(i)%len(s.workers)]
}

// submit dispatches cmd to w. Under config.StackModeRTC it calls
// w.Execute directly on the calling goroutine instead of posting
// through w.RPC.Submit's queue-and-wait round trip — "bypass the worker
// and call the engine inline" (spec.md section 6) — since a
// stack_mode_rtc deployment never runs w.Run in its own goroutine in
// the first place. Otherwise it submits normally.
func (s *Shim) submit(w *worker.Worker, cmd *rpcqueue.Command) error {
	if config.Snapshot().StackModeRTC {
		w.Execute(cmd)
		return nil
	}
	return w.RPC.Submit(cmd)
}

func (s *Shim) get(fd descriptor.ID) (*fdEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.fds[fd]
	return e, ok
}

// Socket implements socket(2): domain/type validation and path selection
// happen here; an unsupported domain/type, or UDP while disabled, routes
// to the host path and is serviced by Go's net package at Bind/Listen/
// Connect time (Go's net API has no standalone socket() call to mirror,
// so HOST-path sockets are lazily materialized).
func (s *Shim) Socket(domain, typ, proto int) (descriptor.ID, error) {
	attrs := pathselect.SockAttrs{Domain: domain, Type: typ}
	path := pathselect.SelectGlobalPath(attrs)

	if path == pathselect.PathKernel {
		id := descriptor.NewID()
		s.mu.Lock()
		s.fds[id] = &fdEntry{kind: descriptor.KindHOST}
		s.mu.Unlock()
		return id, nil
	}

	w := s.nextWorker()
	cmd := &rpcqueue.Command{Op: rpcqueue.OpSocket, Domain: domain, Type: typ, Proto: proto}
	if err := s.submit(w, cmd); err != nil {
		return 0, EAGAIN
	}
	id := descriptor.ID(cmd.ResultFd)
	s.reg.BindFD(cmd.ResultFd, w)

	kind := descriptor.KindTCP
	if typ == 2 {
		kind = descriptor.KindUDP
	}
	s.mu.Lock()
	s.fds[id] = &fdEntry{kind: kind, worker: w}
	s.mu.Unlock()
	return id, nil
}

// Bind implements bind(2). A UDP socket bound while config.ListenShadow is
// set (and TupleFilter is not) fans out immediately via
// fanout.BroadcastBind (spec.md section 4.6, "Broadcast bind... UDP when
// shadow-listen is configured") since UDP has no listen(2) call of its
// own to trigger the fan-out the way a TCP listener's Listen does.
func (s *Shim) Bind(fd descriptor.ID, addr net.Addr) error {
	e, ok := s.get(fd)
	if !ok {
		return EBADF
	}
	if e.worker == nil {
		e.hostAddr = addr
		return nil
	}

	cfg := config.Snapshot()
	if e.kind == descriptor.KindUDP && cfg.ListenShadow && !cfg.TupleFilter && len(s.workers) > 1 {
		others := make([]*worker.Worker, 0, len(s.workers)-1)
		for _, w := range s.workers {
			if w != e.worker {
				others = append(others, w)
			}
		}
		chain, err := fanout.BroadcastBind(e.worker, fd, others, addr)
		if err != nil {
			return EINVAL
		}
		s.mu.Lock()
		e.hostAddr = addr
		e.chain = chain
		s.mu.Unlock()
		return nil
	}

	cmd := &rpcqueue.Command{Op: rpcqueue.OpBind, Fd: int32(fd), Addr: addr}
	if err := s.submit(e.worker, cmd); err != nil {
		return EINVAL
	}
	if cmd.Err == nil {
		s.mu.Lock()
		e.hostAddr = addr
		s.mu.Unlock()
	}
	return cmd.Err
}

// Listen implements listen(2)/listen4(2). When config.ListenShadow is
// set and TupleFilter is not, the listener fans out across every worker
// (spec.md section 4.6); otherwise it stays single-worker.
func (s *Shim) Listen(fd descriptor.ID, backlog int) error {
	e, ok := s.get(fd)
	if !ok {
		return EBADF
	}

	if e.worker == nil {
		ln, err := net.Listen("tcp", e.hostAddr.String())
		if err != nil {
			return err
		}
		s.mu.Lock()
		e.hostListener = ln
		s.mu.Unlock()
		s.markListenPort(e.hostAddr)
		return nil
	}

	cfg := config.Snapshot()
	if cfg.ListenShadow && !cfg.TupleFilter && len(s.workers) > 1 {
		others := make([]*worker.Worker, 0, len(s.workers)-1)
		for _, w := range s.workers {
			if w != e.worker {
				others = append(others, w)
			}
		}
		chain, err := fanout.BroadcastBind(e.worker, fd, others, e.hostAddr)
		if err != nil {
			return EINVAL
		}
		if err := fanout.BroadcastListen(chain, backlog); err != nil {
			return EINVAL
		}
		s.mu.Lock()
		e.chain = chain
		s.mu.Unlock()
		s.markListenPort(e.hostAddr)
		return nil
	}

	cmd := &rpcqueue.Command{Op: rpcqueue.OpListen, Fd: int32(fd), Backlog: backlog}
	if err := s.submit(e.worker, cmd); err != nil {
		return EINVAL
	}
	s.markListenPort(e.hostAddr)
	return cmd.Err
}

func (s *Shim) markListenPort(addr net.Addr) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		s.mu.Lock()
		s.listenPts[tcp.Port] = true
		s.mu.Unlock()
	}
}

func (s *Shim) hasListenRing(port int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenPts[port]
}

// Accept implements accept(2)/accept4(2). If blocking is true it retries
// until ctx is done or a connection arrives; otherwise a single attempt
// is made and EAGAIN is returned if nothing is ready.
func (s *Shim) Accept(ctx context.Context, fd descriptor.ID, blocking bool) (descriptor.ID, net.Addr, error) {
	e, ok := s.get(fd)
	if !ok {
		return 0, nil, EBADF
	}

	if e.hostListener != nil {
		conn, err := e.hostListener.Accept()
		if err != nil {
			return 0, nil, err
		}
		return s.wrapHostConn(conn), conn.RemoteAddr(), nil
	}

	for {
		var (
			newID      descriptor.ID
			addr       net.Addr
			acceptedOn *worker.Worker
			err        error
		)
		if e.chain != nil {
			var chosen fanout.Clone
			chosen, newID, addr, err = fanout.BroadcastAccept(e.chain)
			acceptedOn = chosen.Worker
		} else {
			cmd := &rpcqueue.Command{Op: rpcqueue.OpAccept, Fd: int32(fd)}
			if subErr := s.submit(e.worker, cmd); subErr != nil {
				err = EAGAIN
			} else if cmd.Err != nil {
				err = cmd.Err
			} else {
				newID = descriptor.ID(cmd.ResultFd)
				addr = cmd.ResultAddr
				acceptedOn = e.worker
			}
		}

		if err == nil {
			// acceptedOn is the clone's own worker (spec.md section 9,
			// design note i), not necessarily the shadow listener's
			// originating worker in e.worker — the accepted connection's
			// descriptor was allocated there and must be looked up there.
			s.reg.BindFD(int32(newID), acceptedOn)
			s.mu.Lock()
			s.fds[newID] = &fdEntry{kind: e.kind, worker: acceptedOn}
			s.mu.Unlock()
			return newID, addr, nil
		}

		if !blocking {
			return 0, nil, EAGAIN
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *Shim) wrapHostConn(conn net.Conn) descriptor.ID {
	id := descriptor.NewID()
	s.mu.Lock()
	s.fds[id] = &fdEntry{kind: descriptor.KindHOST, hostConn: conn}
	s.mu.Unlock()
	return id
}

// Connect implements connect(2). Per spec.md section 4.7, it additionally
// consults the destination-is-local predicate: a destination matching a
// local interface address, when no userspace listen ring exists for that
// port, is routed through the host path and the descriptor is retagged
// HOST.
func (s *Shim) Connect(fd descriptor.ID, addr net.Addr) error {
	e, ok := s.get(fd)
	if !ok {
		return EBADF
	}

	if e.worker != nil {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			local, _ := netif.IsLocalAddr(tcp.IP)
			explicitHost := pathselect.IsHostAddr(tcp.IP)
			if (local || explicitHost) && !s.hasListenRing(tcp.Port) {
				return s.connectHost(e, addr)
			}
		}
		cmd := &rpcqueue.Command{Op: rpcqueue.OpConnect, Fd: int32(fd), Addr: addr}
		if err := s.submit(e.worker, cmd); err != nil {
			return EAGAIN
		}
		return cmd.Err
	}
	return s.connectHost(e, addr)
}

func (s *Shim) connectHost(e *fdEntry, addr net.Addr) error {
	conn, err := net.Dial(addr.Network(), addr.String())
	if err != nil {
		return err
	}
	s.mu.Lock()
	e.kind = descriptor.KindHOST
	e.worker = nil
	e.hostConn = conn
	s.mu.Unlock()
	return nil
}

// Read implements read(2)/recv(2) without MSG_PEEK.
func (s *Shim) Read(fd descriptor.ID, dst []byte) (int, error) {
	return s.recv(fd, dst, false)
}

// Recv implements recv(2)/recvfrom(2), honoring the peek flag for
// MSG_PEEK.
func (s *Shim) Recv(fd descriptor.ID, dst []byte, peek bool) (int, error) {
	return s.recv(fd, dst, peek)
}

func (s *Shim) recv(fd descriptor.ID, dst []byte, peek bool) (int, error) {
	e, ok := s.get(fd)
	if !ok {
		return 0, EBADF
	}
	if e.hostConn != nil {
		return e.hostConn.Read(dst)
	}
	if e.worker == nil {
		return 0, ENOTCONN
	}
	if e.chain != nil && e.kind == descriptor.KindUDP {
		return s.recvFromChain(e, dst, peek)
	}
	d, ok := e.worker.Lookup(fd)
	if !ok {
		return 0, EBADF
	}

	var (
		n   int
		err error
	)
	if peek {
		n, err = d.Peek(dst)
	} else {
		n, err = d.ApplicationRead(dst)
	}
	if err == descriptor.ErrWouldBlock {
		return 0, EAGAIN
	}
	if err == nil && !peek && d.NeedsReadinessRepost() && d.Notifier != nil {
		d.Notifier.Notify(readiness.EventIn)
	}
	return n, err
}

// recvFromChain implements the datagram shadow-recv path: a UDP socket
// bound under shadow fan-out has a clone on every worker, and a single
// application-level recv must poll each one in turn since there is no
// way to know in advance which clone's worker last received a matching
// datagram. It starts from e.udpNext (not always clone 0) and advances
// that cursor on every call — on EAGAIN from a clone it moves to the
// next one rather than retrying the same clone, guaranteeing the scan
// terminates after at most Len() clones checked (spec.md section 9,
// design note iii: "rtw_udp_recvfrom advances listen_next on EAGAIN...
// the implementation must guarantee termination when all clones return
// EAGAIN"). If every clone returns EAGAIN the fan-out is exhausted for
// this call and ENOTCONN is returned (spec.md section 7).
func (s *Shim) recvFromChain(e *fdEntry, dst []byte, peek bool) (int, error) {
	n := e.chain.Len()
	if n == 0 {
		return 0, ENOTCONN
	}

	s.mu.RLock()
	start := e.udpNext
	s.mu.RUnlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		cl := e.chain.At(idx)
		d, ok := cl.Worker.Lookup(cl.Fd)
		if !ok {
			continue
		}

		var (
			count int
			err   error
		)
		if peek {
			count, err = d.Peek(dst)
		} else {
			count, err = d.ApplicationRead(dst)
		}
		if err == descriptor.ErrWouldBlock {
			continue
		}

		s.mu.Lock()
		e.udpNext = (idx + 1) % n
		s.mu.Unlock()
		if err == nil && !peek && d.NeedsReadinessRepost() && d.Notifier != nil {
			d.Notifier.Notify(readiness.EventIn)
		}
		return count, err
	}

	s.mu.Lock()
	e.udpNext = (start + 1) % n
	s.mu.Unlock()
	return 0, ENOTCONN
}

// Write implements write(2)/send(2). Per spec.md section 4.4 (C4 steps
// 2-3), each segment is dequeued from the worker's idle ring rather than
// the raw pool, and once the idle ring's free count crosses its low
// watermark a ReplenishIdle command is posted so the owning worker tops
// it back up on its next tick. A write larger than one segment loops,
// stopping at end-of-input, idle-ring-plus-pool exhaustion (never
// happens in practice — Pool.Get always grows — but mirrors the spec's
// stop condition), or a full send ring.
func (s *Shim) Write(fd descriptor.ID, src []byte) (int, error) {
	e, ok := s.get(fd)
	if !ok {
		return 0, EBADF
	}
	if e.hostConn != nil {
		return e.hostConn.Write(src)
	}
	if e.worker == nil {
		return 0, ENOTCONN
	}
	d, ok := e.worker.Lookup(fd)
	if !ok {
		return 0, EBADF
	}

	sent := 0
	for sent < len(src) {
		pkt := e.worker.Idle.Take()
		if pkt == nil {
			// Idle ring momentarily empty: fall back to the pool
			// directly, paying its mutex once, per idle.go's documented
			// contract.
			pkt = e.worker.Pool().Get()
		}
		n := copy(pkt.Data, src[sent:])
		pkt.Len = n
		if !d.EnqueueSend(pkt) {
			pkt.Release()
			break
		}
		sent += n

		if e.worker.Idle.LowWatermark() {
			cmd := &rpcqueue.Command{Op: rpcqueue.OpReplenishIdle}
			_ = s.submit(e.worker, cmd)
		}
	}
	if sent == 0 && len(src) > 0 {
		return 0, EAGAIN
	}
	return sent, nil
}

// Send is an alias of Write; flags (MSG_DONTWAIT etc) are not modeled on
// the fast path since workers never block regardless of caller intent.
func (s *Shim) Send(fd descriptor.ID, src []byte, _ int) (int, error) {
	return s.Write(fd, src)
}

// peerAddr reports the address recvmsg(2)/sendmsg(2) would fill struct
// msghdr.msg_name with: the host socket's remote address for a HOST
// descriptor, or the engine's view of the PCB's remote address on the
// fast path.
func (s *Shim) peerAddr(fd descriptor.ID) (net.Addr, error) {
	e, ok := s.get(fd)
	if !ok {
		return nil, EBADF
	}
	if e.hostConn != nil {
		return e.hostConn.RemoteAddr(), nil
	}
	if e.worker == nil {
		return nil, ENOTCONN
	}
	d, ok := e.worker.Lookup(fd)
	if !ok {
		return nil, EBADF
	}
	info, err := d.Engine.Info(d.PCB)
	if err != nil {
		return nil, err
	}
	return info.RemoteAddr, nil
}

// RecvMsg implements recvmsg(2) in terms of Recv: it additionally
// reports the sender's address, the one piece of recvmsg's msghdr this
// stack has data to back. Ancillary/control-message data (msg_control)
// has no fast-path analogue and is not modeled.
func (s *Shim) RecvMsg(fd descriptor.ID, dst []byte, flags int) (n int, from net.Addr, err error) {
	n, err = s.recv(fd, dst, flags&MsgPeek != 0)
	if err != nil {
		return n, nil, err
	}
	from, _ = s.peerAddr(fd)
	return n, from, nil
}

// SendMsg implements sendmsg(2) in terms of Write/Connect: a datagram
// aimed at an explicit destination address is routed there first (the
// fast-path UDP engine is connection-oriented per PCB, so sendmsg's
// implicit sendto is modeled as a reconnect), then the payload is
// written exactly as Write would.
func (s *Shim) SendMsg(fd descriptor.ID, src []byte, to net.Addr, flags int) (int, error) {
	if to != nil {
		e, ok := s.get(fd)
		if !ok {
			return 0, EBADF
		}
		if e.worker != nil {
			cmd := &rpcqueue.Command{Op: rpcqueue.OpConnect, Fd: int32(fd), Addr: to}
			if err := s.submit(e.worker, cmd); err != nil {
				return 0, EAGAIN
			}
			if cmd.Err != nil {
				return 0, cmd.Err
			}
		} else if err := s.connectHost(e, to); err != nil {
			return 0, err
		}
	}
	return s.Send(fd, src, flags)
}

// MsgPeek mirrors MSG_PEEK for RecvMsg callers that build flags the same
// way recv(2) callers do.
const MsgPeek = 0x2

// Poll implements poll(2): it waits up to timeoutMS milliseconds (or
// indefinitely if negative) for any of fds to have its corresponding
// events bitmask satisfied, checking each fd's readiness.Wakeup
// directly — a Wakeup performs no syscalls of its own; it only reports
// bits RXPump/TXPump already posted. A descriptor without a Notifier yet
// gets a portable (KindPoll) one attached on first use.
func (s *Shim) Poll(ctx context.Context, fds []descriptor.ID, events []uint32, timeoutMS int) ([]uint32, error) {
	if len(fds) != len(events) {
		return nil, EINVAL
	}
	for _, fd := range fds {
		e, ok := s.get(fd)
		if !ok {
			return nil, EBADF
		}
		if e.notifier == nil {
			if err := s.AttachNotifier(fd, readiness.New(readiness.KindPoll, -1)); err != nil {
				return nil, err
			}
		}
	}

	var deadline time.Time
	if timeoutMS >= 0 {
		deadline = time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	}
	revents := make([]uint32, len(fds))
	for {
		any := false
		for i, fd := range fds {
			e, _ := s.get(fd)
			r := e.notifier.Ready() & events[i]
			revents[i] = r
			if r != 0 {
				any = true
			}
		}
		if any || (!deadline.IsZero() && !time.Now().Before(deadline)) {
			return revents, nil
		}
		select {
		case <-ctx.Done():
			return revents, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Select implements select(2) in terms of Poll: it combines readFDs and
// writeFDs into one poll pass (EventIn for the former, EventOut for the
// latter) and splits the result back into ready-read/ready-write sets,
// the way glibc's own select(2) is commonly reimplemented atop poll(2).
func (s *Shim) Select(ctx context.Context, readFDs, writeFDs []descriptor.ID, timeoutMS int) (readyRead, readyWrite []descriptor.ID, err error) {
	fds := make([]descriptor.ID, 0, len(readFDs)+len(writeFDs))
	events := make([]uint32, 0, len(readFDs)+len(writeFDs))
	for _, fd := range readFDs {
		fds = append(fds, fd)
		events = append(events, readiness.EventIn)
	}
	for _, fd := range writeFDs {
		fds = append(fds, fd)
		events = append(events, readiness.EventOut)
	}

	revents, err := s.Poll(ctx, fds, events, timeoutMS)
	if err != nil {
		return nil, nil, err
	}
	for i, fd := range fds {
		if revents[i]&readiness.EventIn != 0 {
			readyRead = append(readyRead, fd)
		}
		if revents[i]&readiness.EventOut != 0 {
			readyWrite = append(readyWrite, fd)
		}
	}
	return readyRead, readyWrite, nil
}

// Close implements close(2). Per spec.md section 4.7, a descriptor that
// holds both a fast-path state and a parallel host socket must have both
// closed; in this implementation that only arises for a HOST-tagged
// descriptor created after an accept/connect fallback (which never has a
// fast-path half), so each branch closes whatever is actually present.
func (s *Shim) Close(fd descriptor.ID) error {
	e, ok := s.get(fd)
	if !ok {
		return EBADF
	}

	s.mu.Lock()
	delete(s.fds, fd)
	s.mu.Unlock()

	var firstErr error
	if e.chain != nil {
		fanout.BroadcastClose(e.chain, 0)
	} else if e.worker != nil {
		cmd := &rpcqueue.Command{Op: rpcqueue.OpClose, Fd: int32(fd)}
		if err := s.submit(e.worker, cmd); err != nil {
			firstErr = err
		} else if cmd.Err != nil {
			firstErr = cmd.Err
		}
	}
	if e.hostListener != nil {
		if err := e.hostListener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.hostConn != nil {
		if err := e.hostConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown implements shutdown(2).
func (s *Shim) Shutdown(fd descriptor.ID, how int) error {
	e, ok := s.get(fd)
	if !ok {
		return EBADF
	}
	if e.chain != nil {
		return fanout.BroadcastShutdown(e.chain, how)
	}
	if e.worker != nil {
		cmd := &rpcqueue.Command{Op: rpcqueue.OpShutdown, Fd: int32(fd), How: how}
		if err := s.submit(e.worker, cmd); err != nil {
			return EINVAL
		}
		return cmd.Err
	}
	return ENOTCONN
}

// AttachNotifier wires a readiness.Wakeup to the fast-path descriptor
// behind fd, so AddEvent RPC commands and data-plane pumps have
// somewhere to post readiness to. Used by this package's Poll and
// EpollCtl when registering an fd.
func (s *Shim) AttachNotifier(fd descriptor.ID, w *readiness.Wakeup) error {
	e, ok := s.get(fd)
	if !ok {
		return EBADF
	}
	if e.worker == nil {
		return ENOTSOCK
	}
	d, ok := e.worker.Lookup(fd)
	if !ok {
		return EBADF
	}
	d.Notifier = w
	s.mu.Lock()
	e.notifier = w
	s.mu.Unlock()
	return nil
}

// PacketPool exposes the underlying buffer pool for a fast-path fd, for
// callers (tests, cmd/upathctl) that want to size writes against MSS.
func (s *Shim) PacketPool(fd descriptor.ID) (*buffer.Pool, error) {
	e, ok := s.get(fd)
	if !ok || e.worker == nil {
		return nil, EBADF
	}
	return e.worker.Pool(), nil
}
