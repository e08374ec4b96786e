package broker

import (
	"context"
	"time"
)

// Defining the billing event kinds published to the rest of the platform
const (
	EventSubscriptionActivated    string = "subscription.activated"
	EventSubscriptionUpgraded     string = "subscription.upgraded"
	EventSubscriptionCancelled    string = "subscription.cancelled"
	EventSubscriptionRenewed      string = "subscription.renewed"
	EventSubscriptionExpired      string = "subscription.expired"
	EventSubscriptionTrialStarted string = "subscription.trial_started"
	EventPaymentSucceeded         string = "payment.succeeded"
	EventPaymentFailed            string = "payment.failed"
)

// Event is the JSON body published for every billing lifecycle change.
// Consumers (chat gateway, admin dashboards) react to these without querying
// the billing database.
type Event struct {
	Kind           string    `json:"kind"`
	CompanyID      string    `json:"companyId"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	PlanID         string    `json:"planId,omitempty"`
	TransactionID  string    `json:"transactionId,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher defines the interface for publishing billing events via message broker
type Publisher interface {
	PublishBillingEvent(ctx context.Context, evt Event) error
	Close()
}
