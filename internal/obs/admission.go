package obs

import (
	"github.com/AlexKimmel/bbrgate/internal/bbr"
	"github.com/prometheus/client_golang/prometheus"
)

// StatSource lists the live limiters by route.
type StatSource interface {
	Range(fn func(route string, l *bbr.Limiter) bool)
}

// AdmissionCollector exports limiter state at scrape time.
type AdmissionCollector struct {
	src StatSource

	cpu         *prometheus.Desc
	inFlight    *prometheus.Desc
	minLatency  *prometheus.Desc
	maxPass     *prometheus.Desc
	maxInFlight *prometheus.Desc
	cooling     *prometheus.Desc
}

func NewAdmissionCollector(src StatSource) *AdmissionCollector {
	route := []string{"route"}
	return &AdmissionCollector{
		src:         src,
		cpu:         prometheus.NewDesc("bbrgate_cpu_load", "Smoothed CPU utilisation in percent seen by the limiter", route, nil),
		inFlight:    prometheus.NewDesc("bbrgate_inflight", "Requests admitted and not yet completed", route, nil),
		minLatency:  prometheus.NewDesc("bbrgate_min_latency_ms", "Lowest per-bucket average latency in the window", route, nil),
		maxPass:     prometheus.NewDesc("bbrgate_max_pass", "Highest per-bucket successful completions in the window", route, nil),
		maxInFlight: prometheus.NewDesc("bbrgate_max_inflight", "Current concurrency estimate", route, nil),
		cooling:     prometheus.NewDesc("bbrgate_cooling", "1 while the limiter is within the post-shedding cool-down", route, nil),
	}
}

func (c *AdmissionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.inFlight
	ch <- c.minLatency
	ch <- c.maxPass
	ch <- c.maxInFlight
	ch <- c.cooling
}

func (c *AdmissionCollector) Collect(ch chan<- prometheus.Metric) {
	c.src.Range(func(route string, l *bbr.Limiter) bool {
		s := l.Stat()
		cooling := 0.0
		if s.Cooling {
			cooling = 1
		}
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.CPU, route)
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight), route)
		ch <- prometheus.MustNewConstMetric(c.minLatency, prometheus.GaugeValue, float64(s.MinLatency), route)
		ch <- prometheus.MustNewConstMetric(c.maxPass, prometheus.GaugeValue, float64(s.MaxPass), route)
		ch <- prometheus.MustNewConstMetric(c.maxInFlight, prometheus.GaugeValue, float64(s.MaxInFlight), route)
		ch <- prometheus.MustNewConstMetric(c.cooling, prometheus.GaugeValue, cooling, route)
		return true
	})
}
