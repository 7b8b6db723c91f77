// Command upathd runs the userspace-path worker pool and serves
// Prometheus metrics for both the fast-path data plane and any
// kernel-path connections registered for TCP_INFO polling. Adapted from
// the teacher's cmd/exporter_example1 and cmd/exporter_example2, which
// each stood up a single promhttp.Handler over one ad hoc connection;
// here the same shape drives both a fast-path Collector and a
// TCPInfoCollector side by side.
package main

import (
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/corestack/upath/pkg/config"
	"github.com/corestack/upath/pkg/engine/loopback"
	"github.com/corestack/upath/pkg/metrics"
	"github.com/corestack/upath/pkg/registry"
	"github.com/corestack/upath/pkg/shim"
	"github.com/corestack/upath/pkg/worker"
)

func main() {
	log := logrus.New()

	cfg := config.Default()
	if n := os.Getenv("UPATH_WORKERS"); n != "" {
		// Left as the default worker count unless explicitly overridden;
		// parsing errors fall back to Default() silently since this is a
		// convenience knob, not a required flag.
		if parsed, err := strconv.Atoi(n); err == nil && parsed > 0 {
			cfg.WorkerCount = parsed
		}
	}
	if err := config.Init(cfg); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	reg := registry.New()
	eng := loopback.New()
	workers := make([]*worker.Worker, cfg.WorkerCount)
	wcfg := worker.Config{
		RingCapacity:     cfg.RingCapacity,
		IdleRingCapacity: cfg.IdleRingCapacity,
		MSS:              cfg.MSS,
		RPCQueueCapacity: cfg.RPCQueueCapacity,
		CPUID:            -1,
	}
	for i := range workers {
		if cfg.PinWorkers {
			wcfg.CPUID = i % registry.LogicalCoreCount()
		}
		workers[i] = worker.New(i, eng, wcfg)
		reg.Add(workers[i])
		go func(w *worker.Worker) {
			if err := w.Run(); err != nil {
				log.WithError(err).Error("worker stopped")
			}
		}(workers[i])
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("could not resolve hostname")
	}

	_ = shim.New(reg, workers) // wired for future control-plane HTTP endpoints

	fastCollector := metrics.NewCollector(cfg.MetricsNamespace, workers)
	// Connection labels match the teacher's exporter_example2 convention:
	// a per-connection xid plus the remote host, so repeated connections
	// from the same peer remain distinguishable in the exported series.
	tcpInfoCollector := metrics.NewTCPInfoCollector(
		cfg.MetricsNamespace,
		[]string{"id", "remote_host"},
		prometheus.Labels{"hostname": hostname},
		func(err error) { log.WithError(err).Warn("tcpinfo collection error") },
	)

	prometheus.MustRegister(fastCollector)
	prometheus.MustRegister(tcpInfoCollector)

	http.Handle("/metrics", promhttp.Handler())

	// The metrics endpoint itself is a kernel-path listener (it is not
	// worth shadow-listening a control-plane port); its own connections
	// are tracked via ConnState exactly as exporter_example2 does, so the
	// tcpinfo collector always has at least one live kernel-path
	// connection to exercise.
	server := &http.Server{
		Addr: ":18080",
		ConnState: func(conn net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				tcpInfoCollector.Add(conn, []string{xid.New().String(), conn.RemoteAddr().String()})
			case http.StateClosed:
				tcpInfoCollector.Remove(conn)
			}
		},
	}

	log.WithFields(logrus.Fields{
		"workers": cfg.WorkerCount,
		"addr":    server.Addr,
	}).Info("upathd listening")
	log.Fatal(server.ListenAndServe())
}
