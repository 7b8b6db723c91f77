package pathselect

import (
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corestack/upath/pkg/config"
	"github.com/corestack/upath/pkg/descriptor"
	"github.com/corestack/upath/pkg/engine/loopback"
)

func sealedConfig(t *testing.T, mutate func(*config.Config)) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	// Init is a sync.Once; tests in this package all want the same
	// config, so call it at most once per process and accept whichever
	// config won the race — acceptable here since every test in this
	// file wants UDPEnable=true, HostAddr unset.
	_ = config.Init(cfg)
}

func TestSelectGlobalPathUnsupportedDomainIsKernel(t *testing.T) {
	sealedConfig(t, nil)
	p := SelectGlobalPath(SockAttrs{Domain: syscall.AF_INET6, Type: sockStream})
	assert.Equal(t, PathKernel, p)
}

func TestSelectGlobalPathSupportedIsFast(t *testing.T) {
	sealedConfig(t, nil)
	p := SelectGlobalPath(SockAttrs{Domain: syscall.AF_INET, Type: sockStream})
	assert.Equal(t, PathFast, p)
}

func TestSelectFDPathNilDescriptorIsKernel(t *testing.T) {
	sealedConfig(t, nil)
	p := SelectFDPath(SockAttrs{Domain: syscall.AF_INET, Type: sockStream}, nil)
	assert.Equal(t, PathKernel, p)
}

func TestSelectFDPathHostKindIsKernel(t *testing.T) {
	sealedConfig(t, nil)
	eng := loopback.New()
	pcb, _ := eng.Create(0)
	d := descriptor.New(descriptor.KindHOST, 0, eng, pcb, descriptor.Config{RecvRingCapacity: 2, SendRingCapacity: 2})

	p := SelectFDPath(SockAttrs{Domain: syscall.AF_INET, Type: sockStream}, d)
	assert.Equal(t, PathKernel, p)
}

func TestSelectFDPathFastKindIsFast(t *testing.T) {
	sealedConfig(t, nil)
	eng := loopback.New()
	pcb, _ := eng.Create(0)
	d := descriptor.New(descriptor.KindTCP, 0, eng, pcb, descriptor.Config{RecvRingCapacity: 2, SendRingCapacity: 2})

	p := SelectFDPath(SockAttrs{Domain: syscall.AF_INET, Type: sockStream}, d)
	assert.Equal(t, PathFast, p)
}

func TestIsHostAddrMatchesConfiguredHost(t *testing.T) {
	host := net.ParseIP("10.0.0.5")
	assert.True(t, isHostAddr(host, net.ParseIP("10.0.0.5")))
	assert.False(t, isHostAddr(host, net.ParseIP("10.0.0.6")))
}

func TestIsHostAddrFalseWhenEitherSideUnset(t *testing.T) {
	assert.False(t, isHostAddr(nil, net.ParseIP("10.0.0.5")))
	assert.False(t, isHostAddr(net.ParseIP("10.0.0.5"), nil))
}

// TestIsHostAddrConsultsProcessConfig exercises the exported entry point
// against the package's process-wide config snapshot (HostAddr unset by
// every other test in this file per sealedConfig's doc comment), so
// IsHostAddr itself — not just its isHostAddr helper — is actually
// called from a test.
func TestIsHostAddrConsultsProcessConfig(t *testing.T) {
	sealedConfig(t, nil)
	assert.False(t, IsHostAddr(net.ParseIP("10.0.0.5")), "HostAddr is unset in every test config in this file")
}
