package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	walletOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_wallet_operations_total",
		Help: "Wallet ledger operations, labeled by operation and outcome",
	}, []string{"operation", "outcome"})

	creditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_wallet_credits_total",
		Help: "Credits moved through wallets in minor units, labeled by reason",
	}, []string{"reason"})

	admissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_admission_decisions_total",
		Help: "Admission decisions, labeled by action and outcome",
	}, []string{"action", "outcome"})

	settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_settlements_total",
		Help: "Recorded action completions, labeled by action and outcome",
	}, []string{"action", "outcome"})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Webhook deliveries, labeled by event type and outcome",
	}, []string{"event_type", "outcome"})

	webhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_webhook_processing_duration_seconds",
		Help:    "Latency distribution of webhook processing",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"event_type"})

	checkoutTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_checkout_transitions_total",
		Help: "Checkout session state transitions, labeled by target status",
	}, []string{"status"})

	auditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_audit_failures_total",
		Help: "Audit entries dropped because the append failed",
	})
)
