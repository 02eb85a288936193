package polyleaf

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a prometheus.Collector over a Harness's buffer-manager
// residency counters (spec.md section 6's observability surface; the
// metric names and structure mirror the teacher's boltdb-backed storage
// metrics pattern of a handful of gauges/counters sampled on Collect,
// rather than pushed on every operation).
type Metrics struct {
	h *Harness

	physUsed   *prometheus.Desc
	allocCount *prometheus.Desc
	readCount  *prometheus.Desc
	writeCount *prometheus.Desc
}

// NewMetrics wraps h for registration with a prometheus.Registry. runID is
// attached as a constant label so multiple benchmark runs can share one
// dashboard (matching Config.RunID's purpose).
func NewMetrics(h *Harness, runID string) *Metrics {
	labels := prometheus.Labels{"run": runID}
	return &Metrics{
		h: h,
		physUsed: prometheus.NewDesc(
			"polyleaf_buffer_pages_resident",
			"Number of frames currently resident in the buffer manager.",
			nil, labels,
		),
		allocCount: prometheus.NewDesc(
			"polyleaf_pages_allocated_total",
			"Total number of pages ever allocated.",
			nil, labels,
		),
		readCount: prometheus.NewDesc(
			"polyleaf_backing_reads_total",
			"Total number of page reads issued to the backing store.",
			nil, labels,
		),
		writeCount: prometheus.NewDesc(
			"polyleaf_backing_writes_total",
			"Total number of page writes issued to the backing store (writeback).",
			nil, labels,
		),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.physUsed
	ch <- m.allocCount
	ch <- m.readCount
	ch <- m.writeCount
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.h.Stats()
	ch <- prometheus.MustNewConstMetric(m.physUsed, prometheus.GaugeValue, float64(s.PhysUsed))
	ch <- prometheus.MustNewConstMetric(m.allocCount, prometheus.CounterValue, float64(s.AllocCount))
	ch <- prometheus.MustNewConstMetric(m.readCount, prometheus.CounterValue, float64(s.ReadCount))
	ch <- prometheus.MustNewConstMetric(m.writeCount, prometheus.CounterValue, float64(s.WriteCount))
}
