package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_operations_total",
		Help: "Total number of cart mutations",
	}, []string{"op", "result"})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of checkouts that did not produce an order",
	}, []string{"reason"})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders successfully paid",
	})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"source"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of applied order status transitions",
	}, []string{"from", "to"})

	OrdersRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_refunded_total",
		Help: "Total number of refunded orders",
	})

	StockDecrementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_decrement_latency_seconds",
		Help:    "Latency of the lock-check-decrement step at checkout",
		Buckets: prometheus.DefBuckets,
	})

	InsufficientStockTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insufficient_stock_total",
		Help: "Total number of checkouts rejected for insufficient stock",
	})

	PaymentNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_notifications_total",
		Help: "Total number of payment notifications by source and outcome",
	}, []string{"source", "outcome"})

	ForgedNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_notifications_forged_total",
		Help: "Total number of notifications rejected for a bad signature",
	}, []string{"source"})

	ReconcileRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_retries_total",
		Help: "Total number of retried payment reconciliations",
	})

	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_latency_seconds",
		Help:    "Latency of applying a payment outcome",
		Buckets: prometheus.DefBuckets,
	})

	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_requests_total",
		Help: "Total number of outbound payment gateway calls by result",
	}, []string{"result"})

	PaymentInitiateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_initiate_latency_seconds",
		Help:    "Latency of payment registration calls to the gateway",
		Buckets: prometheus.DefBuckets,
	})

	OutboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Total number of outbox events published",
	}, []string{"event_type"})

	OutboxPublishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_failed_total",
		Help: "Total number of failed outbox publish attempts",
	})

	ConsumerDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_dropped_messages_total",
		Help: "Total number of messages skipped after exhausting handler retries",
	})

	OrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_expired_total",
		Help: "Total number of unpaid orders cancelled after the payment window",
	})

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
