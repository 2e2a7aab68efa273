package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink aggregates bus events into a Prometheus registry.
type PrometheusSink struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
	concurrency   prometheus.Gauge
	batchInterval prometheus.Gauge
	broadcasts    *prometheus.CounterVec
	slowQueries   prometheus.Counter
	memPressure   prometheus.Counter
}

// NewPrometheusSink builds a sink with its own registry.
func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotewire_events_total",
				Help: "Total structured events by name and source",
			},
			[]string{"name", "source"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotewire_cache_hits_total",
				Help: "Cache hits by strategy",
			},
			[]string{"strategy"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotewire_cache_misses_total",
				Help: "Cache misses by strategy",
			},
			[]string{"strategy"},
		),
		requestTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotewire_request_duration_ms",
				Help:    "REST request processing time in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"capability"},
		),
		concurrency: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotewire_dynamic_concurrency",
				Help: "Current governor-managed max concurrency",
			},
		),
		batchInterval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotewire_batch_interval_ms",
				Help: "Current adaptive batching interval in milliseconds",
			},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotewire_broadcasts_total",
				Help: "Gateway broadcast attempts by result",
			},
			[]string{"result"},
		),
		slowQueries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotewire_slow_queries_total",
				Help: "Queries exceeding the slow-query threshold",
			},
		),
		memPressure: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotewire_memory_pressure_events_total",
				Help: "Governor memory-pressure events",
			},
		),
	}

	s.registry.MustRegister(
		s.events, s.cacheHits, s.cacheMisses, s.requestTime,
		s.concurrency, s.batchInterval, s.broadcasts,
		s.slowQueries, s.memPressure,
	)
	return s
}

// Consume routes one event into the matching metric family.
func (s *PrometheusSink) Consume(ev Event) {
	s.events.WithLabelValues(ev.MetricName, ev.Source).Inc()

	switch ev.MetricName {
	case EventCacheHit:
		s.cacheHits.WithLabelValues(ev.Tags["strategy"]).Inc()
	case EventCacheMiss:
		s.cacheMisses.WithLabelValues(ev.Tags["strategy"]).Inc()
	case EventRequestProcessed:
		s.requestTime.WithLabelValues(ev.Tags["capability"]).Observe(ev.MetricValue)
	case EventConcurrencyAdjusted:
		s.concurrency.Set(ev.MetricValue)
	case EventBatchIntervalAdjusted:
		s.batchInterval.Set(ev.MetricValue)
	case EventBroadcastDelivered:
		s.broadcasts.WithLabelValues("success").Inc()
	case EventBroadcastFailed:
		s.broadcasts.WithLabelValues("failure").Inc()
	case EventSlowQueryDetected:
		s.slowQueries.Inc()
	case EventMemoryPressure:
		s.memPressure.Inc()
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
