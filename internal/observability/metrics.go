package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgerelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgerelay",
			Subsystem: "sessions",
			Name:      "open",
			Help:      "Currently open socket sessions.",
		},
	)
	sessionMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "sessions",
			Name:      "messages_total",
			Help:      "Inbound socket frames by classified kind.",
		},
		[]string{"kind"},
	)
	fanoutDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Per-connection fan-out writes by event and result.",
		},
		[]string{"event", "result"},
	)
	rolloutTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "rollout",
			Name:      "transitions_total",
			Help:      "Firmware assignment transitions applied to the directory.",
		},
		[]string{"transition"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionsOpen,
			sessionMessages,
			fanoutDeliveries,
			rolloutTransitions,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func SessionOpened() {
	RegisterMetrics()
	sessionsOpen.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessionsOpen.Dec()
}

func RecordSessionMessage(kind string) {
	RegisterMetrics()
	sessionMessages.WithLabelValues(kind).Inc()
}

// RecordDelivery counts one fan-out write; ok=false marks a delivery failure.
func RecordDelivery(event string, ok bool) {
	RegisterMetrics()
	result := "delivered"
	if !ok {
		result = "failed"
	}
	fanoutDeliveries.WithLabelValues(event, result).Inc()
}

func RecordRolloutTransition(transition string) {
	RegisterMetrics()
	rolloutTransitions.WithLabelValues(transition).Inc()
}
