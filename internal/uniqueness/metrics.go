package uniqueness

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "klingnotary"
	metricsSubsystem = "uniqueness"
)

type metrics struct {
	commitDuration   prometheus.Histogram
	batchDuration    prometheus.Histogram
	batchSize        prometheus.Histogram
	requestStates    prometheus.Histogram
	inputStates      prometheus.Counter
	conflicts        prometheus.Counter
	retries          prometheus.Counter
	failedBatches    prometheus.Counter
	queueSize        prometheus.GaugeFunc
	queuedStates     prometheus.GaugeFunc
	throughputMedian prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, p *Provider) *metrics {
	m := &metrics{
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "commit_duration_seconds",
			Help:      "Time from enqueueing a commit request to its result.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing one batch, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batch_size",
			Help:      "Number of requests in each processed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		requestStates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "request_input_states",
			Help:      "Number of input states per commit request.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		inputStates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "input_states_total",
			Help:      "Input states processed.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "conflicts_total",
			Help:      "Requests rejected with a state conflict.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batch_retries_total",
			Help:      "Batch attempts rolled back and retried after a transient error.",
		}),
		failedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "failed_batches_total",
			Help:      "Batches answered with a general error.",
		}),
		queueSize: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queue_size",
			Help:      "Commit requests waiting in the queue.",
		}, func() float64 { return float64(p.QueueLen()) }),
		queuedStates: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queued_states",
			Help:      "States (inputs and references) not yet processed.",
		}, func() float64 { return float64(p.queuedStates.Load()) }),
		throughputMedian: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "throughput_states_per_minute",
			Help:      "Median recent throughput used for wait estimates.",
		}, func() float64 { return p.throughput.rate() }),
	}
	reg.MustRegister(
		m.commitDuration, m.batchDuration, m.batchSize, m.requestStates,
		m.inputStates, m.conflicts, m.retries, m.failedBatches,
		m.queueSize, m.queuedStates, m.throughputMedian,
	)
	return m
}
