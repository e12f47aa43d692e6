// Package metrics exposes prometheus instruments for the watcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesnap_cycles_total",
			Help: "Scan cycles by outcome",
		},
		[]string{"result"}, // ok, fetch_error, session_ended
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesnap_messages_total",
			Help: "Messages processed by final scan state",
		},
		[]string{"state"},
	)

	CodesFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codesnap_codes_found_total",
			Help: "Codes inserted into the result list",
		},
	)

	ClassifierLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codesnap_classifier_latency_ms",
			Help:    "Classifier call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10), // 50ms to ~25s
		},
		[]string{"outcome"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesnap_deliveries_total",
			Help: "Notification attempts per strategy",
		},
		[]string{"strategy", "result"},
	)
)

func RecordCycle(result string) {
	CyclesTotal.WithLabelValues(result).Inc()
}

func RecordMessage(state string) {
	MessagesTotal.WithLabelValues(state).Inc()
}

func RecordCode() {
	CodesFound.Inc()
}

// RecordClassification observes one classifier call.
func RecordClassification(outcome string, d time.Duration) {
	ClassifierLatency.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}

func RecordDelivery(strategy, result string) {
	DeliveriesTotal.WithLabelValues(strategy, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
