// Package registry implements the Worker Registry (spec.md component C2):
// the ordered set of workers, lookups by descriptor fd or by bind-group,
// and the min-connection-count selection used for accept load balancing
// and fan-out clone placement. CPU pinning follows the round-robin
// affinity pattern in go-ublk's queue runner (SchedSetaffinity guarded by
// LockOSThread, logged and treated as non-fatal on failure), informed by
// gopsutil's logical core count where the caller hasn't pinned explicit
// CPU ids.
package registry

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sys/unix"
)

// Worker is the subset of worker state the registry needs to reason
// about; pkg/worker.Worker satisfies it.
type Worker interface {
	ID() int
	ConnCount() int
}

// Registry holds the fixed set of workers created at startup (spec.md:
// workers are pinned 1:1 to CPU cores and do not come and go at
// runtime).
type Registry struct {
	mu      sync.RWMutex
	workers []Worker
	byFD    map[int32]Worker
	byGroup map[string][]Worker
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byFD:    make(map[int32]Worker),
		byGroup: make(map[string][]Worker),
	}
}

// Add registers w.
func (r *Registry) Add(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = append(r.workers, w)
}

// Workers returns the ordered slice of all registered workers.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, len(r.workers))
	copy(out, r.workers)
	return out
}

// BindFD associates descriptor fd with worker w, so later lookups (e.g.
// routing an RPC command) can find the owning worker by fd alone.
func (r *Registry) BindFD(fd int32, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byFD[fd] = w
}

// UnbindFD removes a previously registered fd association.
func (r *Registry) UnbindFD(fd int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byFD, fd)
}

// WorkerForFD looks up the owning worker of fd, if any.
func (r *Registry) WorkerForFD(fd int32) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byFD[fd]
	return w, ok
}

// JoinGroup adds w to the named bind-group (the set of workers sharing a
// listen address under TCPReuseIPPort / shadow fan-out), used by
// MinConnWorker to restrict its search to that group.
func (r *Registry) JoinGroup(group string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byGroup[group] = append(r.byGroup[group], w)
}

// MinConnWorker returns the worker in group with the fewest active
// connections, the master-clone election rule for accept load balancing
// (spec.md section 4.6). It returns false if the group is empty.
func (r *Registry) MinConnWorker(group string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return MinConnAmong(r.byGroup[group])
}

// MinConnAmong returns the member of workers with the fewest active
// connections, false if workers is empty. This is the selection rule
// MinConnWorker applies to a named group; it is exported directly so
// callers that already hold an explicit worker slice (pkg/fanout's
// master-clone election across a shadow-listen chain) apply the exact
// same rule instead of re-implementing the scan.
func MinConnAmong(workers []Worker) (Worker, bool) {
	if len(workers) == 0 {
		return nil, false
	}
	best := workers[0]
	for _, w := range workers[1:] {
		if w.ConnCount() < best.ConnCount() {
			best = w
		}
	}
	return best, true
}

// LogicalCoreCount reports the number of logical CPUs, falling back to
// runtime.NumCPU if the topology query fails. cmd/upathd uses it to spread
// worker CPU ids across the available cores.
func LogicalCoreCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// PinCurrentThread locks the calling goroutine to its current OS thread
// and, if cpuID is >= 0, sets that thread's CPU affinity to cpuID. It
// must be called from the goroutine that will run the worker's polling
// loop for the rest of that goroutine's life. Affinity failures are
// logged by the caller (via the returned error) and are not fatal —
// workers still run correctly, just without a pinning guarantee.
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	if cpuID < 0 {
		return nil
	}
	var mask unix.CPUSet
	mask.Zero()
	mask.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return fmt.Errorf("registry: set affinity to cpu %d: %w", cpuID, err)
	}
	return nil
}
