// Package loopback is a minimal, in-memory reference implementation of
// engine.Engine. It has no congestion control, no retransmission and no
// wire format — it exists so the fast-path data plane (rings, residue,
// recv-list, fan-out) can be exercised end to end without a real
// kernel-bypass NIC, which is out of scope for this module (spec.md
// section 1).
package loopback

import (
	"bytes"
	"errors"
	"net"
	"sync"

	"github.com/corestack/upath/pkg/engine"
)

var errNoSuchPCB = errors.New("loopback: no such pcb")
var errNotListening = errors.New("loopback: pcb is not listening")

type block struct {
	mu         sync.Mutex
	proto      engine.Proto
	state      engine.PCBState
	local      net.Addr
	remote     net.Addr
	backlog    int
	pending    []*block // inbound connections waiting for Accept, when listening
	peer       *block   // the other end of an established connection
	inbox      bytes.Buffer
	sendWindow int
}

// Engine is a process-local loopback protocol engine: Connect to an
// address that some PCB on the same Engine has Bind+Listen'd on succeeds
// immediately and wires the two PCBs' inboxes together; any other address
// fails with engine.ErrWouldBlock forever (there is no real network here).
type Engine struct {
	mu        sync.Mutex
	pcbs      map[engine.PCB]*block
	listeners map[string]*block // addr.String() -> listening block
	next      uint64
}

// New returns an empty loopback engine.
func New() *Engine {
	return &Engine{
		pcbs:      make(map[engine.PCB]*block),
		listeners: make(map[string]*block),
	}
}

func (e *Engine) Create(proto engine.Proto) (engine.PCB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := engine.PCB(e.next)
	e.pcbs[id] = &block{
		proto:      proto,
		state:      engine.StateNew,
		sendWindow: 1 << 20,
	}
	return id, nil
}

func (e *Engine) get(pcb engine.PCB) (*block, error) {
	e.mu.Lock()
	b, ok := e.pcbs[pcb]
	e.mu.Unlock()
	if !ok {
		return nil, errNoSuchPCB
	}
	return b, nil
}

func (e *Engine) Bind(pcb engine.PCB, addr net.Addr) error {
	b, err := e.get(pcb)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.local = addr
	b.state = engine.StateBound
	b.mu.Unlock()
	return nil
}

func (e *Engine) Listen(pcb engine.PCB, backlog int) error {
	b, err := e.get(pcb)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.state = engine.StateListen
	b.backlog = backlog
	addr := b.local
	b.mu.Unlock()

	e.mu.Lock()
	if addr != nil {
		e.listeners[addr.String()] = b
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) Accept(pcb engine.PCB) (engine.PCB, net.Addr, error) {
	b, err := e.get(pcb)
	if err != nil {
		return 0, nil, err
	}
	b.mu.Lock()
	if b.state != engine.StateListen {
		b.mu.Unlock()
		return 0, nil, errNotListening
	}
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return 0, nil, engine.ErrWouldBlock
	}
	conn := b.pending[0]
	b.pending = b.pending[1:]
	b.mu.Unlock()

	e.mu.Lock()
	e.next++
	id := engine.PCB(e.next)
	e.pcbs[id] = conn
	e.mu.Unlock()

	return id, conn.remote, nil
}

// Connect implements loopback dialing: it finds a listening PCB bound to
// addr, synthesizes a peer block for the new connection, appends it to
// the listener's pending queue, and wires pcb's peer pointer to it so
// Send/RecvMailboxDequeue can move bytes directly between the two blocks'
// inboxes.
func (e *Engine) Connect(pcb engine.PCB, addr net.Addr) error {
	b, err := e.get(pcb)
	if err != nil {
		return err
	}

	e.mu.Lock()
	listener, ok := e.listeners[addr.String()]
	e.mu.Unlock()
	if !ok {
		return engine.ErrWouldBlock
	}

	peer := &block{
		proto:      b.proto,
		state:      engine.StateEstablished,
		local:      addr,
		remote:     b.local,
		sendWindow: 1 << 20,
	}
	peer.peer = b

	listener.mu.Lock()
	listener.pending = append(listener.pending, peer)
	listener.mu.Unlock()

	b.mu.Lock()
	b.remote = addr
	b.peer = peer
	b.state = engine.StateEstablished
	b.mu.Unlock()

	return nil
}

func (e *Engine) Close(pcb engine.PCB) error {
	b, err := e.get(pcb)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.state = engine.StateClosed
	b.mu.Unlock()

	e.mu.Lock()
	delete(e.pcbs, pcb)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Shutdown(pcb engine.PCB, how int) error {
	b, err := e.get(pcb)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.state = engine.StateFinWait
	b.mu.Unlock()
	return nil
}

func (e *Engine) RecvMailboxCount(pcb engine.PCB) int {
	b, err := e.get(pcb)
	if err != nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inbox.Len()
}

func (e *Engine) RecvMailboxDequeue(pcb engine.PCB, dst []byte, peek bool) (int, error) {
	b, err := e.get(pcb)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if peek {
		data := b.inbox.Bytes()
		n := copy(dst, data)
		return n, nil
	}
	return b.inbox.Read(dst)
}

func (e *Engine) SendWindow(pcb engine.PCB) int {
	b, err := e.get(pcb)
	if err != nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peer == nil {
		return 0
	}
	return b.sendWindow
}

// Send delivers buf directly into the peer's inbox — this is the
// loopback's entire "wire": no segmentation, no ACKs, no loss.
func (e *Engine) Send(pcb engine.PCB, buf []byte) (int, error) {
	b, err := e.get(pcb)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	peer := b.peer
	b.mu.Unlock()
	if peer == nil {
		return 0, errNoSuchPCB
	}
	peer.mu.Lock()
	n, _ := peer.inbox.Write(buf)
	peer.mu.Unlock()
	return n, nil
}

func (e *Engine) Info(pcb engine.PCB) (engine.PCBInfo, error) {
	b, err := e.get(pcb)
	if err != nil {
		return engine.PCBInfo{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return engine.PCBInfo{
		PCB:        pcb,
		Proto:      b.proto,
		State:      b.state,
		LocalAddr:  b.local,
		RemoteAddr: b.remote,
	}, nil
}

func (e *Engine) Iterate(state engine.PCBState, fn func(engine.PCBInfo) bool) {
	e.mu.Lock()
	snapshot := make([]engine.PCB, 0, len(e.pcbs))
	for id := range e.pcbs {
		snapshot = append(snapshot, id)
	}
	e.mu.Unlock()

	for _, id := range snapshot {
		info, err := e.Info(id)
		if err != nil || info.State != state {
			continue
		}
		if !fn(info) {
			return
		}
	}
}

// Poll is a no-op: the loopback engine moves bytes synchronously inside
// Send, so there is nothing to advance on a timer tick.
func (e *Engine) Poll() {}
