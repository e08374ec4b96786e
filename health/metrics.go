package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors shared by the HTTP services. Registered on the
// default registry so /metrics picks them up without extra wiring.
var (
	PaymentIntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "payment",
		Name:      "intents_total",
		Help:      "Payment intents issued, by result",
	}, []string{"result"})

	PaymentConfirmsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "payment",
		Name:      "confirms_total",
		Help:      "Payment confirmations processed, by result",
	}, []string{"result"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook events received, by type and result",
	}, []string{"type", "result"})

	SubscriptionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "subscription",
		Name:      "expired_total",
		Help:      "Subscriptions expired by the periodic sweep",
	})

	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "billing",
		Subsystem: "health",
		Name:      "dependency_up",
		Help:      "1 when the dependency responds to a health check",
	}, []string{"dependency"})
)
