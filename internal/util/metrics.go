package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuotesComputedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotes_computed_total",
		Help: "Total number of price quotes computed",
	}, []string{"mode"})

	QuotesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotes_failed_total",
		Help: "Total number of failed price quotes",
	}, []string{"reason"})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed orders",
	}, []string{"reason"})

	OrdersSplitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_split_total",
		Help: "Total number of parent orders split into sub-orders",
	})

	SubOrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sub_orders_created_total",
		Help: "Total number of sub-orders created by settlement splitting",
	})

	TransfersIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfers_issued_total",
		Help: "Total number of gateway transfers issued",
	})

	TransfersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfers_failed_total",
		Help: "Total number of failed gateway transfer attempts",
	}, []string{"reason"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of webhook events received",
	}, []string{"kind"})

	WebhooksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_rejected_total",
		Help: "Total number of rejected webhook deliveries",
	}, []string{"reason"})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_split_latency_seconds",
		Help:    "Latency of the settlement split/transfer step",
		Buckets: prometheus.DefBuckets,
	})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment gateway API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
