package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetReleaseReusesBuffer(t *testing.T) {
	p := NewPool(256)
	a := p.Get()
	assert.EqualValues(t, 1, p.Allocated())

	a.Len = 10
	a.Release()

	b := p.Get()
	assert.EqualValues(t, 1, p.Allocated(), "released buffer should be reused, not reallocated")
	assert.Equal(t, 0, b.Len, "released buffer must be reset before reuse")
}

func TestPacketRefcounting(t *testing.T) {
	p := NewPool(64)
	pkt := p.Get()
	pkt.Len = 8

	pkt.Ref()
	pkt.Release()
	assert.Equal(t, 8, pkt.Len, "buffer must survive while a second reference is held")

	pkt.Release()
	assert.Equal(t, 0, pkt.Len, "buffer must be reset once the last reference drops")
}

func TestPacketConsumePrefix(t *testing.T) {
	p := NewPool(16)
	pkt := p.Get()
	copy(pkt.Data, []byte("hello world"))
	pkt.Len = len("hello world")

	pkt.ConsumePrefix(6)
	assert.Equal(t, "world", string(pkt.Bytes()))

	pkt.ConsumePrefix(100)
	assert.Equal(t, 0, pkt.Len)
}

func TestIdleRingReplenishAndLowWatermark(t *testing.T) {
	pool := NewPool(32)
	idle := NewIdleRing(pool, 8)

	n := idle.Replenish()
	require.Equal(t, 8, n)
	assert.False(t, idle.LowWatermark())

	for i := 0; i < 7; i++ {
		require.NotNil(t, idle.Take())
	}
	assert.True(t, idle.LowWatermark(), "7/8 free exceeds the one-quarter free watermark")

	idle.Take()
	assert.Nil(t, idle.Take(), "ring should be empty now")

	refilled := idle.Replenish()
	assert.Equal(t, 8, refilled)
}
