package readiness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyIsIdempotentAcrossRepeatedAssertion(t *testing.T) {
	w := New(KindPoll, -1)
	w.Notify(EventIn)
	w.Notify(EventIn)
	assert.Equal(t, EventIn, w.Ready(), "level-triggered re-assertion of the same bit must not change the set")

	w.Notify(EventOut)
	assert.Equal(t, EventIn|EventOut, w.Ready())
}

func TestClearUnsetsOnlyGivenBits(t *testing.T) {
	w := New(KindPoll, -1)
	w.Notify(EventIn | EventOut)
	w.Clear(EventIn)
	assert.Equal(t, EventOut, w.Ready())
}

func TestTakeAndClearResetsSet(t *testing.T) {
	w := New(KindPoll, -1)
	w.Notify(EventIn)
	got := w.TakeAndClear()
	assert.Equal(t, EventIn, got)
	assert.Equal(t, uint32(0), w.Ready())
}

func TestPollSetReadyAnyFiltersByMask(t *testing.T) {
	var set PollSet
	a := New(KindPoll, -1)
	b := New(KindPoll, -1)
	set.Register(a)
	set.Register(b)

	a.Notify(EventIn)
	b.Notify(EventOut)

	in := set.ReadyAny(EventIn)
	assert.Len(t, in, 1)
	assert.Same(t, a, in[0])

	set.Unregister(a)
	assert.Equal(t, 1, set.Len())
}
