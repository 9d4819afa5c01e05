// Package metrics exposes live session counters to Prometheus. Values are
// read from the manager on each scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiy/session-memory/pkg/types"
)

// StatsSource reports the counters of every live session.
type StatsSource interface {
	Stats() []types.Stats
}

// Collector implements prometheus.Collector over a StatsSource.
type Collector struct {
	src      StatsSource
	items    *prometheus.Desc
	sessions *prometheus.Desc
}

// NewCollector builds a collector reading from src.
func NewCollector(src StatsSource) *Collector {
	return &Collector{
		src: src,
		items: prometheus.NewDesc(
			"session_memory_items",
			"Memory items held by a live session, by term.",
			[]string{"session", "term"}, nil,
		),
		sessions: prometheus.NewDesc(
			"session_memory_live_sessions",
			"Number of live sessions.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.items
	ch <- c.sessions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(len(stats)))
	for _, st := range stats {
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(st.ShortTerm), st.SessionID, string(types.TermShort))
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(st.LongTerm), st.SessionID, string(types.TermLong))
	}
}

// NewRegistry returns a registry holding a collector over src.
func NewRegistry(src StatsSource) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, err
	}
	return reg, nil
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
