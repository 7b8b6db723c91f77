package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corestack/upath/pkg/descriptor"
	"github.com/corestack/upath/pkg/worker"
)

// WorkerStats is the subset of worker state Collector reads each scrape.
// worker.Worker satisfies this directly; it is expressed as an interface
// here purely to keep pkg/metrics from needing worker-internal access.
type WorkerStats interface {
	ID() int
	ConnCount() int
}

// Collector exports fast-path gauges: per-worker connection counts, plus
// the process-wide ring/buffer pressure counters spec.md section 4.4 and
// section 8 call out (app-write-drop, recv-list-visit count). The two
// counters are read straight from pkg/descriptor's running totals at
// scrape time, rather than mirrored into a separately-incremented
// prometheus.Counter, so there is exactly one place that increments them:
// TXPump and RecvList.Drain themselves.
type Collector struct {
	workers []WorkerStats

	connCount       *prometheus.Desc
	writeDropsTotal *prometheus.Desc
	recvListVisits  *prometheus.Desc
}

// NewCollector builds a Collector over the given worker pool. namespace
// prefixes every metric name (config.MetricsNamespace).
func NewCollector(namespace string, workers []*worker.Worker) *Collector {
	ws := make([]WorkerStats, len(workers))
	for i, w := range workers {
		ws[i] = w
	}
	return &Collector{
		workers: ws,
		connCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "worker", "conn_count"),
			"Number of descriptors currently owned by this worker.",
			[]string{"worker_id"},
			nil,
		),
		writeDropsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "descriptor", "write_drops_total"),
			"Writes dropped because the protocol engine only partially accepted a buffer.",
			nil, nil,
		),
		recvListVisits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "worker", "recv_list_visits_total"),
			"Total recv-list descriptor visits across all worker ticks.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.connCount
	descs <- c.writeDropsTotal
	descs <- c.recvListVisits
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, w := range c.workers {
		ch <- prometheus.MustNewConstMetric(c.connCount, prometheus.GaugeValue, float64(w.ConnCount()), strconv.Itoa(w.ID()))
	}
	ch <- prometheus.MustNewConstMetric(c.writeDropsTotal, prometheus.CounterValue, float64(descriptor.WriteDropsTotal()))
	ch <- prometheus.MustNewConstMetric(c.recvListVisits, prometheus.CounterValue, float64(descriptor.RecvListVisitsTotal()))
}
