package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Iron-Ham/devstack/internal/timing"
)

// TimingCollector exports the timing store's estimates at scrape time.
type TimingCollector struct {
	store    *timing.Store
	estimate *prometheus.Desc
	samples  *prometheus.Desc
}

// NewTimingCollector creates a collector over store.
func NewTimingCollector(store *timing.Store) *TimingCollector {
	return &TimingCollector{
		store: store,
		estimate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "timing", "estimate_seconds"),
			"Mean of the retained samples for a timing key",
			[]string{"key"}, nil,
		),
		samples: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "timing", "samples"),
			"Number of retained samples for a timing key",
			[]string{"key"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *TimingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.estimate
	ch <- c.samples
}

// Collect implements prometheus.Collector.
func (c *TimingCollector) Collect(ch chan<- prometheus.Metric) {
	for _, key := range c.store.Keys() {
		avg, ok := c.store.Average(key)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.estimate, prometheus.GaugeValue, avg.Seconds(), key.String())
		ch <- prometheus.MustNewConstMetric(c.samples, prometheus.GaugeValue, float64(len(c.store.Samples(key))), key.String())
	}
}
