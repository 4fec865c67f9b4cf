package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		checkoutSessionsTotal,
		webhookEventsTotal,
		reconciliationAnomaliesTotal,
		paymentsRecordedTotal,
	)
}

// Webhook event types are a provider-controlled vocabulary; anything outside
// this set is folded into "other" to keep label cardinality bounded.
var knownEventTypes = map[string]bool{
	"checkout.session.completed":    true,
	"invoice.paid":                  true,
	"invoice.payment_succeeded":     true,
	"invoice.payment_failed":        true,
	"customer.subscription.created": true,
	"customer.subscription.updated": true,
	"customer.subscription.deleted": true,
}

var (
	checkoutSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_checkout_sessions_total",
			Help: "Checkout session requests by outcome (created/reused/rejected/provider_error).",
		},
		[]string{"outcome"},
	)

	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_webhook_events_total",
			Help: "Webhook deliveries by event type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	reconciliationAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_reconciliation_anomalies_total",
			Help: "Webhook events that could not be matched to local state, by reason.",
		},
		[]string{"reason"},
	)

	paymentsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_payments_recorded_total",
			Help: "Ledger rows inserted, by payment type. Duplicate deliveries are not counted.",
		},
		[]string{"type"},
	)
)

func IncCheckout(outcome string) {
	checkoutSessionsTotal.WithLabelValues(norm(outcome)).Inc()
}

func IncWebhookEvent(eventType, outcome string) {
	if !knownEventTypes[eventType] {
		eventType = "other"
	}
	webhookEventsTotal.WithLabelValues(eventType, norm(outcome)).Inc()
}

func IncReconciliationAnomaly(reason string) {
	reconciliationAnomaliesTotal.WithLabelValues(norm(reason)).Inc()
}

func IncPaymentRecorded(paymentType string) {
	paymentsRecordedTotal.WithLabelValues(norm(paymentType)).Inc()
}

var cacheRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "membership_cache_requests_total",
		Help: "Plan cache lookups by key kind and result (hit/miss/error).",
	},
	[]string{"kind", "result"},
)

func init() {
	register(cacheRequestsTotal)
}

func IncCacheRequest(kind, result string) {
	cacheRequestsTotal.WithLabelValues(norm(kind), norm(result)).Inc()
}
