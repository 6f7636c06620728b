// Package metrics provides Prometheus metrics for the connector.
// It tracks channel acquisition, publishing and delivery acknowledgment so
// broker outages and consumer back-pressure are visible.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rmqlink"
)

// Connection metrics track the acquisition retry loop.
var (
	// AcquireAttemptsTotal counts connection plus channel open attempts.
	AcquireAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquire_attempts_total",
			Help:      "Total number of connection and channel open attempts",
		},
		[]string{"connection", "result"},
	)

	// AcquireDuration measures the time from first attempt to a usable channel.
	AcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_duration_seconds",
			Help:      "Time spent acquiring a channel, including retries, in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"connection"},
	)

	// RoleRestartsTotal counts role restarts after restartable failures.
	RoleRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_restarts_total",
			Help:      "Total number of producer or consumer restarts",
		},
		[]string{"role"},
	)
)

// Message metrics track the producer and consumer loops.
var (
	// MessagesPublishedTotal counts messages handed to the broker.
	MessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published",
		},
		[]string{"exchange"},
	)

	// PublishFailuresTotal counts publish calls that failed.
	PublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Total number of failed publish calls",
		},
		[]string{"exchange"},
	)

	// DeliveriesReceivedTotal counts deliveries pulled from the stream.
	DeliveriesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_received_total",
			Help:      "Total number of deliveries received",
		},
		[]string{"queue"},
	)

	// DeliveriesAckedTotal counts acknowledged deliveries.
	DeliveriesAckedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_acked_total",
			Help:      "Total number of deliveries acknowledged",
		},
		[]string{"queue"},
	)

	// OutstandingDeliveries reports delivered but unacknowledged messages.
	OutstandingDeliveries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_deliveries",
			Help:      "Deliveries received and not yet acknowledged",
		},
		[]string{"queue"},
	)

	// ProcessingLatency measures time to process a single delivery.
	ProcessingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_latency_seconds",
			Help:      "Time to process a single delivery in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"queue"},
	)
)
