// Package pathselect implements the Path Selector (spec.md component
// C1): the two predicates deciding whether a socket operation runs on
// the userspace fast path or falls back to the kernel. Both predicates
// are driven entirely by the immutable config.Snapshot() plus the
// caller-supplied descriptor state, per the "one-time-populated
// immutable record" design note — there is no mutable global state to
// race on here.
package pathselect

import (
	"net"
	"syscall"

	"github.com/corestack/upath/pkg/config"
	"github.com/corestack/upath/pkg/descriptor"
)

// Path is the routing decision a predicate returns.
type Path int

const (
	PathKernel Path = iota
	PathFast
)

func (p Path) String() string {
	if p == PathFast {
		return "FAST"
	}
	return "KERNEL"
}

// SockAttrs is the subset of socket(2) arguments the global predicate
// needs: domain/type, mirroring AF_INET/AF_UNSPEC and SOCK_STREAM/
// SOCK_DGRAM.
type SockAttrs struct {
	Domain int
	Type   int
}

const (
	sockStream = 1 // syscall.SOCK_STREAM
	sockDgram  = 2 // syscall.SOCK_DGRAM
)

// SelectGlobalPath implements select_global_path(): KERNEL when the
// process has not finished initialization (config not yet sealed),
// when attrs describes an unsupported domain (anything but AF_INET/
// AF_UNSPEC), or a datagram socket while UDP support is disabled.
func SelectGlobalPath(attrs SockAttrs) Path {
	if !config.Sealed() {
		return PathKernel
	}
	if attrs.Domain != syscall.AF_INET && attrs.Domain != syscall.AF_UNSPEC {
		return PathKernel
	}
	cfg := config.Snapshot()
	if attrs.Type == sockDgram && !cfg.UDPEnable {
		return PathKernel
	}
	return PathFast
}

// SelectFDPath implements select_fd_path(fd): in addition to the global
// predicate, returns KERNEL if d is nil (no fast-path state for the fd)
// or d is tagged KindHOST (bound to a host-only interface, spec.md
// section 4.1).
func SelectFDPath(attrs SockAttrs, d *descriptor.Descriptor) Path {
	if SelectGlobalPath(attrs) == PathKernel {
		return PathKernel
	}
	if d == nil {
		return PathKernel
	}
	if d.Kind == descriptor.KindHOST {
		return PathKernel
	}
	return PathFast
}

// IsHostAddr reports whether addr matches config.Snapshot().HostAddr,
// the explicit "always kernel" interface exemption Connect consults
// alongside netif.IsLocalAddr (spec.md section 6, "HostAddr... identifies
// the local interface bound to the fast path").
func IsHostAddr(addr net.IP) bool {
	return isHostAddr(config.Snapshot().HostAddr, addr)
}

// isHostAddr is IsHostAddr's comparison, factored out so it can be
// exercised directly against an explicit host address in tests without
// depending on config's process-wide, set-once singleton.
func isHostAddr(host, addr net.IP) bool {
	if host == nil || addr == nil {
		return false
	}
	return host.Equal(addr)
}
