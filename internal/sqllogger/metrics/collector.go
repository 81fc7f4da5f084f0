package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const MetricsPrefix = "sqllogger_"

type metricDesc struct {
	desc  *prometheus.Desc
	value func(Snapshot) float64
}

// Collector exports the metrics of every registered pipeline, labelled by pipeline name.
type Collector struct {
	mu        sync.RWMutex
	pipelines map[string]*Metrics
	counters  []metricDesc
	gauges    []metricDesc
}

func NewCollector() *Collector {
	labels := []string{"pipeline"}
	newDesc := func(name, help string, value func(Snapshot) float64) metricDesc {
		return metricDesc{desc: prometheus.NewDesc(MetricsPrefix+name, help, labels, nil), value: value}
	}
	return &Collector{
		pipelines: map[string]*Metrics{},
		counters: []metricDesc{
			newDesc("messages_in_total", "Number of messages received from the bus",
				func(s Snapshot) float64 { return float64(s.MessagesIn) }),
			newDesc("messages_validated_total", "Number of rows produced from valid messages",
				func(s Snapshot) float64 { return float64(s.MessagesValidated) }),
			newDesc("messages_skipped_total", "Number of valid messages or array elements dropped during extraction",
				func(s Snapshot) float64 { return float64(s.MessagesSkipped) }),
			newDesc("messages_written_total", "Number of rows written to the database",
				func(s Snapshot) float64 { return float64(s.MessagesWritten) }),
			newDesc("validation_errors_total", "Number of messages that were not valid json or failed schema validation",
				func(s Snapshot) float64 { return float64(s.ValidationErrors) }),
			newDesc("write_errors_total", "Number of rows dropped after a non recoverable write error",
				func(s Snapshot) float64 { return float64(s.WriteErrors) }),
			newDesc("duplicates_ignored_total", "Number of rows rejected by a unique constraint",
				func(s Snapshot) float64 { return float64(s.DuplicatesIgnored) }),
			newDesc("queue_rejected_total", "Number of messages refused because the queue was full",
				func(s Snapshot) float64 { return float64(s.QueueRejected) }),
			newDesc("connection_errors_total", "Number of flushes that failed with a connection error",
				func(s Snapshot) float64 { return float64(s.ConnectionErrors) }),
			newDesc("polls_deferred_total", "Number of cycles that did not poll because the retry buffer was full",
				func(s Snapshot) float64 { return float64(s.RowsDeferred) }),
		},
		gauges: []metricDesc{
			newDesc("queue_size", "Number of uncommitted entries in the queue",
				func(s Snapshot) float64 { return float64(s.QueueSize) }),
			newDesc("queue_capacity", "Maximum number of entries the queue holds",
				func(s Snapshot) float64 { return float64(s.QueueCapacity) }),
			newDesc("queue_full", "1 if the queue is full",
				func(s Snapshot) float64 {
					if s.QueueFull {
						return 1
					}
					return 0
				}),
		},
	}
}

// Register adds a pipeline's metrics to the collector.
func (c *Collector) Register(pipeline string, m *Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelines[pipeline] = m
}

func (c *Collector) Describe(out chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		out <- d.desc
	}
	for _, d := range c.gauges {
		out <- d.desc
	}
}

func (c *Collector) Collect(out chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, m := range c.pipelines {
		snapshot := m.Snapshot()
		for _, d := range c.counters {
			out <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, d.value(snapshot), name)
		}
		for _, d := range c.gauges {
			out <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, d.value(snapshot), name)
		}
	}
}

var _ prometheus.Collector = (*Collector)(nil)
