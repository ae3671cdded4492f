package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on a private registry so several servers can live
// in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	ingests  *prometheus.CounterVec
	deletes  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	machines prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inventra",
			Name:      "ingest_total",
			Help:      "Snapshots received on the data plane, by result.",
		}, []string{"result"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inventra",
			Name:      "delete_total",
			Help:      "Machine delete requests, by result.",
		}, []string{"result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inventra",
			Name:      "request_duration_seconds",
			Help:      "Handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		machines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inventra",
			Name:      "machines",
			Help:      "Machines returned by the last listing.",
		}),
	}
	m.registry.MustRegister(
		m.ingests, m.deletes, m.latency, m.machines,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// observe records handler latency under the route pattern.
func (m *Metrics) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(m.latency.WithLabelValues(c.FullPath()))
		c.Next()
		timer.ObserveDuration()
	}
}

func (m *Metrics) handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
