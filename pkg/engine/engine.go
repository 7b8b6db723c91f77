// Package engine defines the protocol engine collaborator interface.
// TCP/UDP protocol logic — congestion control, retransmission, the wire
// format itself — is explicitly a non-goal of this module (spec.md
// section 1); everything in this package is the boundary the fast-path
// data plane (pkg/descriptor, pkg/worker) drives, not an implementation
// of TCP.
package engine

import (
	"net"
)

// Proto distinguishes the two protocols the fast path supports.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
)

// PCBState mirrors the server/client state machine from spec.md section
// 4.7: NEW, BOUND, LISTEN and the ACCEPT-IN loop for servers; NEW,
// CONNECTING, ESTABLISHED, the shutdown half-states, and CLOSED for
// clients.
type PCBState int

const (
	StateNew PCBState = iota
	StateBound
	StateListen
	StateConnecting
	StateEstablished
	StateFinWait
	StateCloseWait
	StateClosed
)

func (s PCBState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateBound:
		return "BOUND"
	case StateListen:
		return "LISTEN"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PCB is a protocol control block handle: an opaque reference the engine
// hands back from Create, used by every subsequent call for that
// connection or listener.
type PCB uint64

// PCBInfo is what the pcb-enumeration iterators (used by introspection,
// spec.md section 6) report per control block.
type PCBInfo struct {
	PCB        PCB
	Proto      Proto
	State      PCBState
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// Engine is the protocol-engine collaborator interface consumed by the
// worker's polling loop. One Engine instance is owned per worker (data
// model section 3); only that worker ever calls into it, so an
// implementation does not need to be safe for concurrent use from
// multiple goroutines.
type Engine interface {
	// Create allocates a new protocol control block for proto. It does
	// not bind or connect anything yet.
	Create(proto Proto) (PCB, error)

	// Bind assigns a local address to pcb.
	Bind(pcb PCB, addr net.Addr) error

	// Listen transitions pcb into the listening state with the given
	// backlog.
	Listen(pcb PCB, backlog int) error

	// Accept returns a new PCB for the next pending inbound connection
	// on a listening pcb, or ErrWouldBlock if none is ready.
	Accept(pcb PCB) (PCB, net.Addr, error)

	// Connect initiates an outbound connection from pcb to addr.
	// StateEstablished is reached asynchronously; callers poll PCBInfo.
	Connect(pcb PCB, addr net.Addr) error

	// Close tears pcb down, releasing its resources.
	Close(pcb PCB) error

	// Shutdown half-closes pcb in the given direction (unix "how":
	// SHUT_RD, SHUT_WR or SHUT_RDWR semantics are caller-defined ints).
	Shutdown(pcb PCB, how int) error

	// RecvMailboxCount reports how many bytes are queued in the engine's
	// inbox for pcb, ready to be pulled into the descriptor's receive
	// ring.
	RecvMailboxCount(pcb PCB) int

	// RecvMailboxDequeue pulls up to max bytes from the engine's inbox
	// into dst, returning how many bytes were copied. If peek is true the
	// data is not consumed (spec.md section 4.4, "the caller asked
	// PEEK").
	RecvMailboxDequeue(pcb PCB, dst []byte, peek bool) (int, error)

	// SendWindow reports the number of bytes the engine is currently
	// willing to accept for pcb without blocking.
	SendWindow(pcb PCB) int

	// Send hands buf to the engine for transmission, returning the
	// number of bytes actually accepted (may be less than len(buf) —
	// "on partial acceptance, record a write-drop and stop").
	Send(pcb PCB, buf []byte) (int, error)

	// Info returns the current PCBInfo for pcb.
	Info(pcb PCB) (PCBInfo, error)

	// Iterate walks PCBs in the given PCBState category (active,
	// listening or time-wait — callers pass StateEstablished,
	// StateListen or a sentinel time-wait state respectively) and calls
	// fn for each. Iterate stops early if fn returns false.
	Iterate(state PCBState, fn func(PCBInfo) bool)

	// Poll advances the engine's internal state machine by one tick
	// (timers, retransmission, ACK generation, etc). Called once per
	// worker loop iteration; never blocks.
	Poll()
}

// ErrWouldBlock is returned by Accept (and by RecvMailboxDequeue's callers
// indirectly, via a zero-byte result) when no data or connection is ready
// yet.
var ErrWouldBlock = errWouldBlock{}

type errWouldBlock struct{}

func (errWouldBlock) Error() string { return "engine: operation would block" }
