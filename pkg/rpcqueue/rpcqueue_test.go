package rpcqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runWorker drains q until n commands have been completed, echoing Fd
// into ResultFd so the test can confirm which command ran.
func runWorker(q *Queue, n int, stop <-chan struct{}) {
	done := 0
	for done < n {
		select {
		case <-stop:
			return
		default:
		}
		cmd := q.TryDequeue()
		if cmd == nil {
			continue
		}
		cmd.ResultFd = cmd.Fd
		Complete(cmd)
		done++
	}
}

func TestSubmitBlocksUntilWorkerCompletes(t *testing.T) {
	q := New(8)
	stop := make(chan struct{})
	defer close(stop)
	go runWorker(q, 1, stop)

	cmd := &Command{Op: OpBind, Fd: 42}
	err := q.Submit(cmd)
	require.NoError(t, err)
	assert.EqualValues(t, 42, cmd.ResultFd)
}

func TestSubmitSurfacesQueueFullWithoutBlocking(t *testing.T) {
	q := New(2)
	// Fill the ring without a consumer draining it.
	first := &Command{Op: OpBind, Fd: 1, done: make(chan struct{})}
	second := &Command{Op: OpBind, Fd: 2, done: make(chan struct{})}
	require.True(t, q.ring.Push(first))
	require.True(t, q.ring.Push(second))

	overflow := &Command{Op: OpBind, Fd: 3}
	err := q.Submit(overflow)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSingleProducerOrderingPreserved(t *testing.T) {
	q := New(64)
	stop := make(chan struct{})
	defer close(stop)

	const n = 500
	var order []int32
	var mu sync.Mutex

	go func() {
		done := 0
		for done < n {
			select {
			case <-stop:
				return
			default:
			}
			cmd := q.TryDequeue()
			if cmd == nil {
				continue
			}
			mu.Lock()
			order = append(order, cmd.Fd)
			mu.Unlock()
			Complete(cmd)
			done++
		}
	}()

	for i := int32(0); i < n; i++ {
		cmd := &Command{Op: OpBind, Fd: i}
		require.NoError(t, q.Submit(cmd))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i, fd := range order {
		assert.EqualValues(t, i, fd, "single producer's commands must execute in submission order")
	}
}
