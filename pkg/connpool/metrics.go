package connpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	open       prometheus.GaugeFunc
	idle       prometheus.GaugeFunc
	dials      prometheus.Counter
	dialErrors prometheus.Counter
	evictions  prometheus.Counter
	exhausted  prometheus.Counter
	oneShots   prometheus.Counter
}

func newMetrics(p *Pool) *metrics {
	return &metrics{
		open: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "open_connections",
			Help: "Current number of connections counted against the fd budget",
		}, func() float64 { return float64(p.OpenCount()) }),
		idle: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "idle_connections",
			Help: "Current number of idle connections",
		}, func() float64 { return float64(p.IdleCount()) }),
		dials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dial_total",
			Help: "The total number of upstream connections dialed",
		}),
		dialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dial_error_total",
			Help: "The total number of failed upstream dials",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eviction_total",
			Help: "The total number of idle connections closed by the pool",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exhausted_total",
			Help: "The total number of requests refused because the fd budget was exhausted",
		}),
		oneShots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "one_shot_total",
			Help: "The total number of one-shot connections dialed outside the budget",
		}),
	}
}

// RegMetricsTo registers the pool metrics to r.
func (p *Pool) RegMetricsTo(r prometheus.Registerer) error {
	m := p.metrics
	for _, c := range [...]prometheus.Collector{m.open, m.idle, m.dials, m.dialErrors, m.evictions, m.exhausted, m.oneShots} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
