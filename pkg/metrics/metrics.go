package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Module metrics
	ModulesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaybroker_modules_total",
			Help: "Total number of loaded modules by lifecycle state",
		},
		[]string{"state"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaybroker_services_total",
			Help: "Total number of registered service names",
		},
	)

	SubscriptionOwnersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaybroker_subscription_owners_total",
			Help: "Total number of distinct owners holding at least one subscription",
		},
	)

	OverlayChildrenTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaybroker_overlay_children_total",
			Help: "Number of live child connections in the overlay tree",
		},
	)

	OverlayOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaybroker_overlay_online",
			Help: "Whether this broker has completed startup and is routing (1) or not (0)",
		},
	)

	// Routing metrics
	RequestsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybroker_requests_routed_total",
			Help: "Total number of requests routed, by outcome",
		},
		[]string{"outcome"},
	)

	ResponsesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybroker_responses_dropped_total",
			Help: "Total number of responses silently dropped because their destination module had already exited",
		},
	)

	RouteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaybroker_route_duration_seconds",
			Help:    "Time taken to route a single request to its destination",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Module lifecycle operation metrics
	ModuleInsmodDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaybroker_module_insmod_duration_seconds",
			Help:    "Time from insmod until the module has exited or outlasted the startup grace window",
			Buckets: prometheus.DefBuckets,
		},
	)

	ModuleRmmodDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaybroker_module_rmmod_duration_seconds",
			Help:    "Time taken for a module to reach EXITED after rmmod",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event pipeline metrics
	EventSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaybroker_event_sequence",
			Help: "Current event sequence number assigned by the rank-0 publisher",
		},
	)

	EventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybroker_events_published_total",
			Help: "Total number of events successfully published at rank 0",
		},
	)

	EventsDistributedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybroker_events_distributed_total",
			Help: "Total number of events delivered by the distributor, deduped",
		},
	)

	EventsDroppedDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybroker_events_dropped_duplicate_total",
			Help: "Total number of events dropped by the distributor as already-seen duplicates",
		},
	)

	PublisherBackpressureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybroker_publisher_backpressure_total",
			Help: "Total number of event.pub requests rejected with EBUSY for exceeding the per-origin outstanding limit",
		},
	)
)

func init() {
	prometheus.MustRegister(ModulesTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(SubscriptionOwnersTotal)
	prometheus.MustRegister(OverlayChildrenTotal)
	prometheus.MustRegister(OverlayOnline)

	prometheus.MustRegister(RequestsRoutedTotal)
	prometheus.MustRegister(ResponsesDroppedTotal)
	prometheus.MustRegister(RouteDuration)

	prometheus.MustRegister(ModuleInsmodDuration)
	prometheus.MustRegister(ModuleRmmodDuration)

	prometheus.MustRegister(EventSequence)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDistributedTotal)
	prometheus.MustRegister(EventsDroppedDuplicateTotal)
	prometheus.MustRegister(PublisherBackpressureTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
