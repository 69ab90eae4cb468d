package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/techsuite-notify/internal/connection"
)

const namespace = "notify"

// Collector records Connection Manager and journal metrics. It implements
// connection.Recorder and journal.Recorder.
type Collector struct {
	status         *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	framesDropped  *prometheus.CounterVec
	reconnects     prometheus.Counter
	reconnectDelay prometheus.Gauge
	queueDepth     prometheus.Gauge

	journalRows     prometheus.Counter
	journalFailures prometheus.Counter
	journalLatency  prometheus.Histogram
}

// New creates a Collector and registers it with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_status",
				Help:      "1 for the current connection status, 0 for every other",
			},
			[]string{"status"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_transitions_total",
				Help:      "Total number of connection status transitions",
			},
			[]string{"to"},
		),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to the WebSocket",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of well-formed frames received",
		}),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Total number of frames dropped",
			},
			[]string{"reason"},
		),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of reconnect attempts scheduled",
		}),
		reconnectDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Delay of the most recently scheduled reconnect",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Frames waiting in the outbound queue",
		}),
		journalRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_rows_total",
			Help:      "Total number of notification rows written",
		}),
		journalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_failures_total",
			Help:      "Total number of failed journal batches",
		}),
		journalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "journal_flush_seconds",
			Help:      "Journal batch flush latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		c.status,
		c.transitions,
		c.framesSent,
		c.framesReceived,
		c.framesDropped,
		c.reconnects,
		c.reconnectDelay,
		c.queueDepth,
		c.journalRows,
		c.journalFailures,
		c.journalLatency,
	)

	// Start every status at 0 so the series exist before the first transition.
	for _, s := range connection.AllStatuses {
		c.status.WithLabelValues(s.String()).Set(0)
	}
	c.status.WithLabelValues(connection.StatusDisconnected.String()).Set(1)

	return c
}

// StatusChanged implements connection.Recorder.
func (c *Collector) StatusChanged(from, to connection.Status) {
	c.status.WithLabelValues(from.String()).Set(0)
	c.status.WithLabelValues(to.String()).Set(1)
	c.transitions.WithLabelValues(to.String()).Inc()
}

// FrameSent implements connection.Recorder.
func (c *Collector) FrameSent() {
	c.framesSent.Inc()
}

// FrameReceived implements connection.Recorder.
func (c *Collector) FrameReceived() {
	c.framesReceived.Inc()
}

// FramesDropped implements connection.Recorder.
func (c *Collector) FramesDropped(reason string, n int) {
	c.framesDropped.WithLabelValues(reason).Add(float64(n))
}

// ReconnectScheduled implements connection.Recorder.
func (c *Collector) ReconnectScheduled(attempt int, delay time.Duration) {
	c.reconnects.Inc()
	c.reconnectDelay.Set(delay.Seconds())
}

// QueueDepth implements connection.Recorder.
func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// BatchWritten records a successful journal flush of n rows.
func (c *Collector) BatchWritten(n int, elapsed time.Duration) {
	c.journalRows.Add(float64(n))
	c.journalLatency.Observe(elapsed.Seconds())
}

// BatchFailed records a failed journal flush.
func (c *Collector) BatchFailed(n int) {
	c.journalFailures.Inc()
	c.framesDropped.WithLabelValues("journal").Add(float64(n))
}
