package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genledger_submissions_total",
		Help: "Generation submissions by outcome (created, duplicate, rejected, error).",
	}, []string{"outcome"})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genledger_job_transitions_total",
		Help: "Job state transitions by target state.",
	}, []string{"state"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genledger_provider_calls_total",
		Help: "Generation provider calls by operation and result.",
	}, []string{"op", "result"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genledger_provider_call_duration_seconds",
		Help:    "Generation provider call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genledger_payment_webhooks_total",
		Help: "Payment webhook deliveries by result (credited, duplicate, recorded, rejected, error).",
	}, []string{"result"})

	SweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genledger_sweep_actions_total",
		Help: "Reconciliation sweep actions.",
	}, []string{"action"})

	LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genledger_ledger_credited_units_total",
		Help: "Balance units credited by reason.",
	}, []string{"reason"})
)
