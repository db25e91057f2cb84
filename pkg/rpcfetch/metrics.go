package rpcfetch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the fetch layer's prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	rateLimitWait prometheus.Histogram
	inFlight      prometheus.Gauge
	fetches       *prometheus.CounterVec
	validators    prometheus.Gauge
	healthScore   prometheus.Gauge
	skipRate      prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skiprate",
			Subsystem: "rpc",
			Name:      "attempts_total",
			Help:      "RPC attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skiprate",
			Subsystem: "rpc",
			Name:      "retries_total",
			Help:      "RPC attempts that were retried.",
		}, []string{"method"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skiprate",
			Subsystem: "rpc",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single RPC attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"method"}),
		rateLimitWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "skiprate",
			Subsystem: "rpc",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limiter token.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "skiprate",
			Subsystem: "rpc",
			Name:      "in_flight",
			Help:      "Calls currently holding a concurrency slot.",
		}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skiprate",
			Name:      "fetches_total",
			Help:      "Completed fetches by outcome.",
		}, []string{"outcome"}),
		validators: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "skiprate",
			Name:      "validators",
			Help:      "Validators in the last snapshot.",
		}),
		healthScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "skiprate",
			Name:      "network_health_score",
			Help:      "Health score of the last snapshot.",
		}),
		skipRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "skiprate",
			Name:      "network_skip_rate_percent",
			Help:      "Slot-weighted skip rate of the last snapshot.",
		}),
	}
}

func (m *Metrics) observeAttempt(method string, class Class, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, class.String()).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) observeRetry(method string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(method).Inc()
}

func (m *Metrics) observeWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.Observe(d.Seconds())
}

func (m *Metrics) trackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

func (m *Metrics) observeFetch(err error, validators int, score, skipRate float64) {
	if m == nil {
		return
	}
	if err != nil {
		m.fetches.WithLabelValues("error").Inc()
		return
	}
	m.fetches.WithLabelValues("success").Inc()
	m.validators.Set(float64(validators))
	m.healthScore.Set(score)
	m.skipRate.Set(skipRate)
}
