// Package stats exposes the runtime's ambient counters (packet drops, DMA
// operations, interrupts, admin opcodes) as Prometheus metrics, and serves
// them plus a profiler endpoint over HTTP. None of this is part of the
// modeled device — it is the observability surface a real deployment needs
// around it, the same role runZeroInc-sockstats' pkg/exporter plays around
// TCP connections.
package stats

import (
	"net/http"

	"github.com/felixge/fgprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters holds the mutable state behind the collector. Callers increment
// fields directly; Collect reads them under no lock because each device
// instance owns exactly one Counters value on its own single-threaded loop
// (see internal/runtime), matching spec.md §5's "no locks required" model.
type Counters struct {
	RxDrops         uint64
	RxPackets       uint64
	TxPackets       uint64
	DMAOpsIssued    uint64
	DMAOpsCompleted uint64
	InterruptsSent  uint64
	AdminCommands   map[string]uint64
}

// NewCounters returns a zeroed Counters ready for use.
func NewCounters() *Counters {
	return &Counters{AdminCommands: make(map[string]uint64)}
}

type collector struct {
	deviceLabel string
	c           *Counters

	rxDrops      *prometheus.Desc
	rxPackets    *prometheus.Desc
	txPackets    *prometheus.Desc
	dmaIssued    *prometheus.Desc
	dmaCompleted *prometheus.Desc
	interrupts   *prometheus.Desc
	adminCmds    *prometheus.Desc
}

// NewCollector wraps c as a prometheus.Collector labelled with deviceLabel
// (typically the SHM path or instance index).
func NewCollector(deviceLabel string, c *Counters) prometheus.Collector {
	ns := "nicbm"

	return &collector{
		deviceLabel: deviceLabel,
		c:           c,
		rxDrops: prometheus.NewDesc(ns+"_rx_drops_total",
			"Packets dropped on ingress for lack of descriptors.", nil, prometheus.Labels{"device": deviceLabel}),
		rxPackets: prometheus.NewDesc(ns+"_rx_packets_total",
			"Packets delivered to the guest.", nil, prometheus.Labels{"device": deviceLabel}),
		txPackets: prometheus.NewDesc(ns+"_tx_packets_total",
			"Packets emitted on the wire.", nil, prometheus.Labels{"device": deviceLabel}),
		dmaIssued: prometheus.NewDesc(ns+"_dma_ops_issued_total",
			"DMA operations issued.", nil, prometheus.Labels{"device": deviceLabel}),
		dmaCompleted: prometheus.NewDesc(ns+"_dma_ops_completed_total",
			"DMA operations completed.", nil, prometheus.Labels{"device": deviceLabel}),
		interrupts: prometheus.NewDesc(ns+"_interrupts_total",
			"Interrupts signalled to the host.", nil, prometheus.Labels{"device": deviceLabel}),
		adminCmds: prometheus.NewDesc(ns+"_admin_commands_total",
			"Admin queue commands processed, by opcode name.", []string{"opcode"}, prometheus.Labels{"device": deviceLabel}),
	}
}

func (col *collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- col.rxDrops
	descs <- col.rxPackets
	descs <- col.txPackets
	descs <- col.dmaIssued
	descs <- col.dmaCompleted
	descs <- col.interrupts
	descs <- col.adminCmds
}

func (col *collector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(col.rxDrops, prometheus.CounterValue, float64(col.c.RxDrops))
	metrics <- prometheus.MustNewConstMetric(col.rxPackets, prometheus.CounterValue, float64(col.c.RxPackets))
	metrics <- prometheus.MustNewConstMetric(col.txPackets, prometheus.CounterValue, float64(col.c.TxPackets))
	metrics <- prometheus.MustNewConstMetric(col.dmaIssued, prometheus.CounterValue, float64(col.c.DMAOpsIssued))
	metrics <- prometheus.MustNewConstMetric(col.dmaCompleted, prometheus.CounterValue, float64(col.c.DMAOpsCompleted))
	metrics <- prometheus.MustNewConstMetric(col.interrupts, prometheus.CounterValue, float64(col.c.InterruptsSent))

	for opcode, n := range col.c.AdminCommands {
		metrics <- prometheus.MustNewConstMetric(col.adminCmds, prometheus.CounterValue, float64(n), opcode)
	}
}

// ServeDebug registers /metrics and /debug/fgprof on addr and serves them in
// a background goroutine. It returns immediately; errors are delivered to
// errc (which may be nil to discard them, matching gokvm's fire-and-forget
// background goroutines for peripheral I/O).
func ServeDebug(addr string, errc chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/fgprof", fgprof.Handler())

	go func() {
		err := http.ListenAndServe(addr, mux)
		if errc != nil {
			errc <- err
		}
	}()
}
