package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	id    int
	conns int
}

func (w *fakeWorker) ID() int        { return w.id }
func (w *fakeWorker) ConnCount() int { return w.conns }

func TestWorkerForFDLookup(t *testing.T) {
	r := New()
	w := &fakeWorker{id: 1}
	r.Add(w)
	r.BindFD(42, w)

	got, ok := r.WorkerForFD(42)
	require.True(t, ok)
	assert.Same(t, w, got)

	r.UnbindFD(42)
	_, ok = r.WorkerForFD(42)
	assert.False(t, ok)
}

func TestMinConnWorkerPicksFewestConnections(t *testing.T) {
	r := New()
	a := &fakeWorker{id: 1, conns: 5}
	b := &fakeWorker{id: 2, conns: 2}
	c := &fakeWorker{id: 3, conns: 9}
	r.JoinGroup("listen:9000", a)
	r.JoinGroup("listen:9000", b)
	r.JoinGroup("listen:9000", c)

	got, ok := r.MinConnWorker("listen:9000")
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestMinConnWorkerEmptyGroup(t *testing.T) {
	r := New()
	_, ok := r.MinConnWorker("nonexistent")
	assert.False(t, ok)
}

func TestLogicalCoreCountIsPositive(t *testing.T) {
	assert.Greater(t, LogicalCoreCount(), 0)
}
