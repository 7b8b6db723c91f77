package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSPSCPushPopOrder(t *testing.T) {
	r := NewSPSC[int](4)
	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	require.True(t, r.Push(3))

	v, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.True(t, r.Push(4))
	require.True(t, r.Push(5))
	assert.False(t, r.Push(6), "ring should be full")

	for _, want := range []int{2, 3, 4, 5} {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	_, ok = r.Pop()
	assert.False(t, ok)
}

func TestSPSCCapacityMustBePowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { NewSPSC[int](3) })
	assert.Panics(t, func() { NewSPSC[int](1) })
	assert.NotPanics(t, func() { NewSPSC[int](2) })
}

func TestSPSCConcurrentProducerConsumer(t *testing.T) {
	r := NewSPSC[int](64)
	const n = 100000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !r.Push(i) {
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			var v int
			var ok bool
			for {
				v, ok = r.Pop()
				if ok {
					break
				}
			}
			if v != i {
				t.Errorf("out of order: got %d want %d", v, i)
				return
			}
		}
	}()

	wg.Wait()
}

func TestMPSCMultipleProducersPreserveEachProducersOrder(t *testing.T) {
	r := NewMPSC[int](1024)
	const producers = 8
	const perProducer = 2000

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.Push(base*perProducer + i) {
				}
			}
		}(p)
	}

	seenLast := make(map[int]int)
	for i := 0; i < producers; i++ {
		seenLast[i] = -1
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	total := 0
	for total < producers*perProducer {
		v, ok := r.Pop()
		if !ok {
			select {
			case <-done:
			default:
			}
			continue
		}
		producer := v / perProducer
		seq := v % perProducer
		if seq <= seenLast[producer] {
			t.Fatalf("producer %d: saw seq %d after %d", producer, seq, seenLast[producer])
		}
		seenLast[producer] = seq
		total++
	}
}

func TestMPSCCapacityMustBePowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { NewMPSC[int](3) })
	assert.NotPanics(t, func() { NewMPSC[int](2) })
}
