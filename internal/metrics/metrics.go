// Package metrics содержит метрики Prometheus сервиса.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotopup_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptotopup_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route"},
	)

	OrdersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotopup_orders_created_total",
			Help: "Orders created, by service type",
		},
		[]string{"service"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotopup_webhook_events_total",
			Help: "Payment webhook deliveries, by outcome",
		},
		[]string{"outcome"},
	)

	FulfillmentAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotopup_fulfillment_attempts_total",
			Help: "Provider purchase attempts, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	OrdersFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotopup_orders_finished_total",
			Help: "Orders reaching a terminal fulfillment status",
		},
		[]string{"status"},
	)

	RateLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotopup_rate_lookups_total",
			Help: "Exchange rate lookups, by source (cache, upstream, stale, unavailable)",
		},
		[]string{"source"},
	)
)
