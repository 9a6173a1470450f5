package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	resolutions    prometheus.Counter
	upstreamQuery  prometheus.Counter
	sharedResult   prometheus.Counter
	callerTimeout  prometheus.Counter
	failures       *prometheus.CounterVec
	resolutionTime prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		resolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolution_total",
			Help: "The total number of upstream resolutions started",
		}),
		upstreamQuery: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_query_total",
			Help: "The total number of queries sent to upstream servers",
		}),
		sharedResult: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shared_result_total",
			Help: "The total number of callers that received the result of a shared resolution",
		}),
		callerTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caller_timeout_total",
			Help: "The total number of callers whose deadline passed while waiting for a resolution",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failure_total",
			Help: "The total number of failed resolutions by kind",
		}, []string{"kind"}),
		resolutionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolution_duration_seconds",
			Help:    "Duration of upstream resolutions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

// RegMetricsTo registers the resolver metrics to r.
func (r *Resolver) RegMetricsTo(reg prometheus.Registerer) error {
	m := r.metrics
	for _, c := range [...]prometheus.Collector{m.resolutions, m.upstreamQuery, m.sharedResult, m.callerTimeout, m.failures, m.resolutionTime} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
