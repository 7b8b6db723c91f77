package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestack/upath/pkg/descriptor"
	"github.com/corestack/upath/pkg/engine/loopback"
	"github.com/corestack/upath/pkg/readiness"
	"github.com/corestack/upath/pkg/rpcqueue"
	"github.com/corestack/upath/pkg/worker"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func startWorkers(t *testing.T, n int) ([]*worker.Worker, func()) {
	t.Helper()
	cfg := worker.Config{RingCapacity: 8, IdleRingCapacity: 8, MSS: 256, RPCQueueCapacity: 16, CPUID: -1}
	eng := loopback.New() // shared engine: lets Connect from outside find any worker's listener
	workers := make([]*worker.Worker, n)
	for i := range workers {
		workers[i] = worker.New(i, eng, cfg)
		go workers[i].Run()
	}
	return workers, func() {
		for _, w := range workers {
			w.Stop()
		}
	}
}

func createSocket(t *testing.T, w *worker.Worker) descriptor.ID {
	t.Helper()
	cmd := &rpcqueue.Command{Op: rpcqueue.OpSocket, Type: 1}
	require.NoError(t, w.RPC.Submit(cmd))
	return descriptor.ID(cmd.ResultFd)
}

func TestBroadcastBindClonesOntoEveryWorker(t *testing.T) {
	workers, stop := startWorkers(t, 3)
	defer stop()

	originFd := createSocket(t, workers[0])
	chain, err := BroadcastBind(workers[0], originFd, workers[1:], fakeAddr("0.0.0.0:9000"))
	require.NoError(t, err)
	assert.Equal(t, 3, chain.Len())
}

func TestBroadcastListenElectsMinConnMaster(t *testing.T) {
	workers, stop := startWorkers(t, 3)
	defer stop()

	// Give workers 0 and 1 extra connections so worker 2 (which only gets
	// its shadow clone) is the unique minimum.
	createSocket(t, workers[0])
	createSocket(t, workers[1])
	createSocket(t, workers[1])

	originFd := createSocket(t, workers[0])
	chain, err := BroadcastBind(workers[0], originFd, workers[1:], fakeAddr("0.0.0.0:9001"))
	require.NoError(t, err)

	require.NoError(t, BroadcastListen(chain, 16))

	masters := 0
	for _, cl := range chain.Clones() {
		if cl.IsMaster {
			masters++
		}
	}
	assert.Equal(t, 1, masters)
	assert.True(t, chain.Clones()[2].IsMaster, "worker 2 has fewest connections and should be elected master")
}

func TestBroadcastAcceptPicksReadyClone(t *testing.T) {
	workers, stop := startWorkers(t, 2)
	defer stop()

	originFd := createSocket(t, workers[0])
	chain, err := BroadcastBind(workers[0], originFd, workers[1:], fakeAddr("0.0.0.0:9002"))
	require.NoError(t, err)
	require.NoError(t, BroadcastListen(chain, 16))

	_, _, _, err = BroadcastAccept(chain)
	assert.ErrorIs(t, err, ErrNoCloneReady)

	// Simulate an inbound connection landing on clone 1 by connecting
	// through the shared engine and marking that clone's wakeup ready.
	clientPCB, connErr := workers[0].Engine.Create(0)
	require.NoError(t, connErr)
	require.NoError(t, workers[0].Engine.Connect(clientPCB, fakeAddr("0.0.0.0:9002")))

	target := chain.Clones()[1]
	d, ok := target.Worker.Lookup(target.Fd)
	require.True(t, ok)
	d.Notifier = readiness.New(readiness.KindPoll, -1)
	d.Notifier.Notify(readiness.EventIn)

	chosen, newFd, _, err := BroadcastAccept(chain)
	require.NoError(t, err)
	assert.Equal(t, target.Worker, chosen.Worker)
	assert.NotZero(t, newFd)
}

func TestBroadcastCloseWalksEntireChain(t *testing.T) {
	workers, stop := startWorkers(t, 2)
	defer stop()

	originFd := createSocket(t, workers[0])
	chain, err := BroadcastBind(workers[0], originFd, workers[1:], fakeAddr("0.0.0.0:9003"))
	require.NoError(t, err)

	BroadcastClose(chain, 0)

	for _, cl := range chain.Clones() {
		_, ok := cl.Worker.Lookup(cl.Fd)
		assert.False(t, ok, "closed clone should be forgotten by its worker")
	}
}
