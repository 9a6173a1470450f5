package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	hit         prometheus.Counter
	negativeHit prometheus.Counter
	miss        prometheus.Counter
	l2Hit       prometheus.Counter
	evicted     prometheus.Counter
	size        prometheus.GaugeFunc
}

func newMetrics(c *Cache) *metrics {
	return &metrics{
		hit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hit_total",
			Help: "The total number of lookups that hit the cache",
		}),
		negativeHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "negative_hit_total",
			Help: "The total number of lookups that hit a cached NXDOMAIN or NODATA answer",
		}),
		miss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miss_total",
			Help: "The total number of lookups that missed the cache",
		}),
		l2Hit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "l2_hit_total",
			Help: "The total number of lookups answered by the second level cache",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evicted_total",
			Help: "The total number of entries removed from the cache",
		}),
		size: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "size_current",
			Help: "Current cache size in entries",
		}, func() float64 {
			return float64(c.Len())
		}),
	}
}

// RegMetricsTo registers the cache metrics to r.
func (c *Cache) RegMetricsTo(r prometheus.Registerer) error {
	m := c.metrics
	for _, collector := range [...]prometheus.Collector{m.hit, m.negativeHit, m.miss, m.l2Hit, m.evicted, m.size} {
		if err := r.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
