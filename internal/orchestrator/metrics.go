package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "stevedore"

// Metrics exposes orchestrator activity to Prometheus. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	queueDepth      *prometheus.GaugeVec
	running         *prometheus.GaugeVec
	itemsEnqueued   *prometheus.CounterVec
	itemsCompleted  *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	itemDuration    *prometheus.HistogramVec
	accepting       prometheus.Gauge
}

// NewMetrics creates the orchestrator collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "stage_queue_depth",
				Help:      "Items waiting in each stage queue",
			},
			[]string{"stage"},
		),
		running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "stage_running",
				Help:      "Items currently executing in each stage",
			},
			[]string{"stage"},
		),
		itemsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "items_enqueued_total",
				Help:      "Items accepted by the orchestrator",
			},
			[]string{"operation"},
		),
		itemsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "items_completed_total",
				Help:      "Items that reached completion, by result",
			},
			[]string{"operation", "result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of individual command executions",
				Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
			},
			[]string{"stage"},
		),
		itemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "item_duration_seconds",
				Help:      "Time from item construction to completion",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"operation"},
		),
		accepting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "orchestrator_accepting",
				Help:      "1 while the orchestrator accepts new items, 0 once disabled",
			},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.queueDepth, m.running, m.itemsEnqueued, m.itemsCompleted,
			m.commandDuration, m.itemDuration, m.accepting,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) setStage(stage Stage, queued, running int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(stage.String()).Set(float64(queued))
	m.running.WithLabelValues(stage.String()).Set(float64(running))
}

func (m *Metrics) observeCommand(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(stage.String()).Observe(d.Seconds())
}

func (m *Metrics) itemEnqueued(op OperationType) {
	if m == nil {
		return
	}
	m.itemsEnqueued.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) itemCompleted(op OperationType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.itemsCompleted.WithLabelValues(string(op), result).Inc()
	m.itemDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}

func (m *Metrics) setAccepting(accepting bool) {
	if m == nil {
		return
	}
	if accepting {
		m.accepting.Set(1)
		return
	}
	m.accepting.Set(0)
}
