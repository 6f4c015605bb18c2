package xdispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports bus lifecycle events as Prometheus series.
type PrometheusObserver struct {
	published    *prometheus.CounterVec
	consumed     *prometheus.CounterVec
	acked        *prometheus.CounterVec
	nacked       *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	errors       *prometheus.CounterVec

	publishLatency *prometheus.HistogramVec
	handleLatency  *prometheus.HistogramVec
}

var _ Observer = (*PrometheusObserver)(nil)

var latencyBuckets = []float64{
	0.001, 0.002, 0.005,
	0.01, 0.02, 0.05,
	0.1, 0.2, 0.5,
	1, 2, 5, 10,
}

// NewPrometheusObserver registers the bus collectors on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "xdispatch"
	}
	f := promauto.With(reg)

	return &PrometheusObserver{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Total number of publish calls by result.",
		}, []string{"topic", "result"}),
		consumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_total",
			Help:      "Total number of handler runs, redeliveries included.",
		}, []string{"topic", "group", "result"}),
		acked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acked_total",
			Help:      "Total number of acknowledged deliveries.",
		}, []string{"topic", "group"}),
		nacked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nacked_total",
			Help:      "Total number of deliveries handed back to the transport.",
		}, []string{"topic", "group"}),
		retried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retried_total",
			Help:      "Total number of scheduled redeliveries.",
		}, []string{"topic", "group"}),
		deadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Total number of messages moved to a dead-letter topic.",
		}, []string{"topic", "group"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of bus level errors (ack, nack, dead-letter publish).",
		}, []string{"topic"}),
		publishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Latency distribution for acknowledged publishes.",
			Buckets:   latencyBuckets,
		}, []string{"topic"}),
		handleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_latency_seconds",
			Help:      "Latency distribution for handler runs.",
			Buckets:   latencyBuckets,
		}, []string{"topic", "group"}),
	}
}

func (o *PrometheusObserver) OnEvent(e Event) {
	switch e.Type {
	case PublishDone:
		o.published.WithLabelValues(e.Topic, result(e.Err)).Inc()
		if e.Err == nil {
			o.publishLatency.WithLabelValues(e.Topic).Observe(e.Duration.Seconds())
		}
	case ConsumeDone:
		o.consumed.WithLabelValues(e.Topic, e.Group, Classify(e.Err).String()).Inc()
		o.handleLatency.WithLabelValues(e.Topic, e.Group).Observe(e.Duration.Seconds())
	case Ack:
		o.acked.WithLabelValues(e.Topic, e.Group).Inc()
	case Nack:
		o.nacked.WithLabelValues(e.Topic, e.Group).Inc()
	case Retry:
		o.retried.WithLabelValues(e.Topic, e.Group).Inc()
	case DeadLetter:
		o.deadLettered.WithLabelValues(e.Topic, e.Group).Inc()
	case Error:
		o.errors.WithLabelValues(e.Topic).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
