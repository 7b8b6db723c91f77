// Package rpcqueue implements the RPC Queue (spec.md section 4.3): the
// channel through which any application goroutine asks a worker to perform
// a control-plane operation (bind, listen, accept, connect, ...) on a
// descriptor the worker owns. Submission is synchronous from the caller's
// point of view — Submit blocks until the worker has executed the command
// and filled in its result — even though the underlying transport is the
// same lock-free ring used on the data-plane hot path.
package rpcqueue

import (
	"errors"
	"net"

	"github.com/corestack/upath/pkg/ring"
)

// Op identifies which operation a Command carries.
type Op int

const (
	OpSocket Op = iota
	OpBind
	OpListen
	OpAccept
	OpConnect
	OpClose
	OpShutdown
	OpGetSockName
	OpGetPeerName
	OpGetSockOpt
	OpSetSockOpt
	OpShadowFd
	OpReplenishIdle
	OpAddEvent
)

func (o Op) String() string {
	switch o {
	case OpSocket:
		return "SOCKET"
	case OpBind:
		return "BIND"
	case OpListen:
		return "LISTEN"
	case OpAccept:
		return "ACCEPT"
	case OpConnect:
		return "CONNECT"
	case OpClose:
		return "CLOSE"
	case OpShutdown:
		return "SHUTDOWN"
	case OpGetSockName:
		return "GETSOCKNAME"
	case OpGetPeerName:
		return "GETPEERNAME"
	case OpGetSockOpt:
		return "GETSOCKOPT"
	case OpSetSockOpt:
		return "SETSOCKOPT"
	case OpShadowFd:
		return "SHADOWFD"
	case OpReplenishIdle:
		return "REPLENISH_IDLE"
	case OpAddEvent:
		return "ADD_EVENT"
	default:
		return "UNKNOWN"
	}
}

// Command is the tagged union submitted to a worker. Only the fields
// relevant to Op are populated; the rest are zero.
type Command struct {
	Op Op

	Fd     int32 // target descriptor, where applicable
	Domain int
	Type   int
	Proto  int

	Addr    net.Addr // Bind, Connect
	Backlog int      // Listen
	How     int      // Shutdown
	Flags   int      // Accept

	SockOptLevel int
	SockOptName  int
	SockOptValue []byte

	ShadowSrcFd int32    // ShadowFd: descriptor to clone from
	ShadowAddr  net.Addr // ShadowFd: address for the new shadow

	EventMask uint32 // AddEvent

	// result, filled in by the worker before Done is closed.
	ResultFd      int32
	ResultAddr    net.Addr
	ResultSockOpt []byte
	Err           error

	done chan struct{}
}

// ErrQueueFull is returned by Submit when the ring has no free slot. Per
// spec.md section 4.3's "Failure" clause this surfaces to the caller as a
// generic descriptor error, not a panic or a block.
var ErrQueueFull = errors.New("rpcqueue: queue full")

// Queue is a bounded MPSC command ring belonging to one worker: any
// number of application goroutines submit into it; only the owning
// worker's loop ever drains it.
type Queue struct {
	ring *ring.MPSC[*Command]
}

// New creates a queue of the given capacity (must be a power of two).
func New(capacity int) *Queue {
	return &Queue{ring: ring.NewMPSC[*Command](capacity)}
}

// Submit enqueues cmd and blocks the calling goroutine until the owning
// worker has executed it, then returns cmd.Err (which is nil on success).
// Per spec.md's ordering guarantee, commands enqueued by any single
// producer goroutine execute on the worker in the order that goroutine
// submitted them, since that goroutine's own Push calls are necessarily
// sequential.
func (q *Queue) Submit(cmd *Command) error {
	cmd.done = make(chan struct{})
	if !q.ring.Push(cmd) {
		return ErrQueueFull
	}
	<-cmd.done
	return cmd.Err
}

// TryDequeue is called from the worker's polling loop. It returns the
// next command to execute, or nil if the queue is currently empty; the
// worker must never block here.
func (q *Queue) TryDequeue() *Command {
	cmd, ok := q.ring.Pop()
	if !ok {
		return nil
	}
	return cmd
}

// Complete is called by the worker once it has filled in cmd's result
// fields (and cmd.Err, if any); it wakes the goroutine blocked in Submit.
func Complete(cmd *Command) {
	close(cmd.done)
}

// Len reports the number of commands currently queued (advisory).
func (q *Queue) Len() int {
	return q.ring.Len()
}

// Cap reports the queue's fixed capacity.
func (q *Queue) Cap() int {
	return q.ring.Cap()
}
