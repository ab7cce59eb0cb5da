// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "willway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "willway_http_response_time_seconds",
			Help:    "Histogram of HTTP response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "willway_events_total",
			Help: "Dispatched events by type and outcome",
		},
		[]string{"type", "result"},
	)

	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "willway_event_duration_seconds",
			Help:    "Time spent handling one event, lock wait included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "willway_payments_total",
			Help: "Confirmed purchases by plan and source",
		},
		[]string{"plan", "source"},
	)

	ReferralRewardsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "willway_referral_rewards_total",
			Help: "Peer referral rewards credited",
		},
	)

	CreatorConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "willway_creator_conversions_total",
			Help: "Creator conversions by outcome",
		},
		[]string{"result"},
	)

	OutboxDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "willway_outbox_deliveries_total",
			Help: "Outbox delivery attempts by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "willway_outbox_pending",
			Help: "Undelivered outbox rows seen by the last cycle",
		},
	)

	AssistantRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "willway_assistant_requests_total",
			Help: "Health assistant calls by outcome",
		},
		[]string{"result"},
	)
)
