// Package metrics exports Prometheus collectors for the batching pipeline and
// its HTTP front end. A nil *Collector is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "batchd"

// Collector holds every batchd metric.
type Collector struct {
	submitted        prometheus.Counter
	pending          prometheus.Gauge
	shardDepth       *prometheus.GaugeVec
	batches          prometheus.Counter
	batchItems       prometheus.Histogram
	batchBytes       prometheus.Histogram
	queueWait        prometheus.Histogram
	admissionWait    prometheus.Histogram
	failures         *prometheus.CounterVec
	callbackFailures prometheus.Counter
	inFlight         prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the batchd metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Requests handed to the batching queue.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_pending",
			Help:      "Requests accepted but not yet dispatched to a shard.",
		}),
		shardDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_queue_depth",
			Help:      "Drafts waiting in each shard's dispatch queue.",
		}, []string{"shard"}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches delivered to callbacks.",
		}),
		batchItems: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_items",
			Help:      "Items per delivered batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		batchBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_bytes",
			Help:      "Merged buffer size per delivered batch.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		queueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time from submission until a pinning worker picked the request up.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		admissionWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time spent acquiring admission for a batch.",
			Buckets:   []float64{.0001, .001, .005, .01, .05, .1, .5, 1},
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_failures_total",
			Help:      "Requests failed by the queue, by kind.",
		}, []string{"kind"}),
		callbackFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_failures_total",
			Help:      "Batch callbacks that returned an error or panicked.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_in_flight",
			Help:      "Batches delivered but not yet released.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) Submitted() {
	if c == nil {
		return
	}
	c.submitted.Inc()
}

func (c *Collector) SetPending(n int64) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

func (c *Collector) SetShardDepth(shard, depth int) {
	if c == nil {
		return
	}
	c.shardDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(depth))
}

func (c *Collector) BatchFormed(items int, bytes int64) {
	if c == nil {
		return
	}
	c.batches.Inc()
	c.batchItems.Observe(float64(items))
	c.batchBytes.Observe(float64(bytes))
}

func (c *Collector) ObserveQueueWait(d time.Duration) {
	if c == nil {
		return
	}
	c.queueWait.Observe(d.Seconds())
}

func (c *Collector) ObserveAdmissionWait(d time.Duration) {
	if c == nil {
		return
	}
	c.admissionWait.Observe(d.Seconds())
}

// Failed counts n requests failed with the given kind label.
func (c *Collector) Failed(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.failures.WithLabelValues(kind).Add(float64(n))
}

func (c *Collector) CallbackFailed() {
	if c == nil {
		return
	}
	c.callbackFailures.Inc()
}

func (c *Collector) SetInFlight(n int64) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}

// ObserveHTTP records one served HTTP request.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
