// Package config holds the process-wide switches that the path selector,
// worker registry and fan-out layer consult. A Config is built once at
// startup by Init and is never mutated afterwards; every reader sees the
// same immutable snapshot, matching the "one-time-populated immutable
// record" design note for the wrap dispatch table and path-selector
// globals.
package config

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Config is the set of boundary switches described in spec.md section 6.
type Config struct {
	// StackModeRTC runs the fast path inline on the calling goroutine
	// (single-threaded co-located mode) instead of posting RPCs to a
	// dedicated worker. Intended for tests and single-core deployments.
	StackModeRTC bool

	// ListenShadow enables fan-out (shadow) listeners: a bind/listen on a
	// wildcard or specific address is cloned onto every worker so that
	// incoming connections load-balance across all of them.
	ListenShadow bool

	// TupleFilter, when set, forces listen to stay single-worker even if
	// ListenShadow would otherwise shadow it (used for sockets bound to a
	// specific 4-tuple rather than a wildcard).
	TupleFilter bool

	// UDPEnable turns on the fast path for SOCK_DGRAM sockets. When false,
	// the path selector always returns KERNEL for datagram sockets.
	UDPEnable bool

	// TCPReuseIPPort enables master-clone election (SO_REUSEPORT-style
	// load spreading) across a shadow listener's clones.
	TCPReuseIPPort bool

	// HostAddr is the local interface address that is exempted from the
	// fast path and always serviced by the kernel (an explicit HOST tag).
	HostAddr net.IP

	// WorkerCount is W, the number of workers enumerated at startup. Fixed
	// for the process lifetime.
	WorkerCount int

	// RingCapacity is the depth (in packet buffers) of each descriptor's
	// send and receive rings. Must be a power of two.
	RingCapacity int

	// IdleRingCapacity is the depth of each worker's idle transmit-buffer
	// ring. Must be a power of two.
	IdleRingCapacity int

	// MSS is the maximum segment size used to size each idle-ring buffer
	// and to chunk application writes.
	MSS int

	// RPCQueueCapacity is the depth of each worker's RPC command ring.
	// Must be a power of two.
	RPCQueueCapacity int

	// MetricsNamespace prefixes every exported Prometheus metric name.
	MetricsNamespace string

	// PinWorkers requests that each worker thread be pinned to a distinct
	// CPU core via sched_setaffinity. Best-effort: failures are logged,
	// never fatal, since kernel-bypass NIC access itself is out of scope.
	PinWorkers bool
}

// Default returns a Config with conservative, single-core-friendly
// defaults suitable for tests and local runs.
func Default() Config {
	return Config{
		StackModeRTC:     false,
		ListenShadow:     true,
		TupleFilter:      false,
		UDPEnable:        true,
		TCPReuseIPPort:   true,
		WorkerCount:      4,
		RingCapacity:     256,
		IdleRingCapacity: 512,
		MSS:              1460,
		RPCQueueCapacity: 256,
		MetricsNamespace: "upath",
		PinWorkers:       true,
	}
}

// Validate rejects configurations the rest of the stack cannot operate
// under: ring capacities must be powers of two (the lock-free rings mask
// indices instead of taking a modulo), and at least one worker must exist.
func (c Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: WorkerCount must be >= 1, got %d", c.WorkerCount)
	}
	for name, v := range map[string]int{
		"RingCapacity":     c.RingCapacity,
		"IdleRingCapacity": c.IdleRingCapacity,
		"RPCQueueCapacity": c.RPCQueueCapacity,
	} {
		if v <= 0 || v&(v-1) != 0 {
			return fmt.Errorf("config: %s must be a power of two, got %d", name, v)
		}
	}
	if c.MSS <= 0 {
		return fmt.Errorf("config: MSS must be > 0, got %d", c.MSS)
	}
	return nil
}

var (
	initOnce sync.Once
	snapshot atomic.Value // stores Config
	sealed   atomic.Bool
)

// Init populates the process-wide snapshot exactly once. Subsequent calls
// are no-ops (matching "forbid mutation after startup" — the first caller
// wins, later callers observe the same Config via Snapshot).
func Init(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	initOnce.Do(func() {
		snapshot.Store(cfg)
		sealed.Store(true)
	})
	return nil
}

// Snapshot returns the process-wide Config. If Init was never called it
// returns Default(), so package consumers (and tests that skip explicit
// Init) never observe a zero Config.
func Snapshot() Config {
	if v := snapshot.Load(); v != nil {
		return v.(Config)
	}
	return Default()
}

// Sealed reports whether Init has already populated the snapshot.
func Sealed() bool {
	return sealed.Load()
}
