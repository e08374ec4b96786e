package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// IntentStatus is the processor-side status of a payment intent
type IntentStatus string

// Defining the intent statuses this core acts on
const (
	IntentSucceeded      IntentStatus = "succeeded"
	IntentProcessing     IntentStatus = "processing"
	IntentRequiresAction IntentStatus = "requires_action"
	IntentCanceled       IntentStatus = "canceled"
	IntentFailed         IntentStatus = "failed"
)

// EventKind identifies a processor lifecycle notification
type EventKind string

// Defining the notification kinds the reconciler dispatches on
const (
	EventPaymentSucceeded     EventKind = "payment_intent.succeeded"
	EventPaymentFailed        EventKind = "payment_intent.payment_failed"
	EventSubscriptionUpdated  EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted  EventKind = "customer.subscription.deleted"
	EventInvoicePaymentFailed EventKind = "invoice.payment_failed"
)

// Intent is the processor-neutral view of a payment intent
type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       IntentStatus
	ErrorCode    string
	ErrorMessage string
	Metadata     map[string]string
}

// Subscription is the processor-neutral view of an external subscription
type Subscription struct {
	ID                string
	ItemID            string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

// Event is the processor-neutral view of a verified webhook notification.
// OccurredAt is the event's own timestamp, used for conflict resolution when
// notifications arrive out of order.
type Event struct {
	ID                string
	Kind              EventKind
	OccurredAt        time.Time
	PaymentIntentID   string
	SubscriptionID    string
	CustomerID        string
	Amount            int64
	Currency          string
	CancelAtPeriodEnd bool
	PeriodEnd         time.Time
	ErrorCode         string
	ErrorMessage      string
	Metadata          map[string]string
	Raw               json.RawMessage
}

// CreateCustomerOptions specifies the company to create a processor customer for
type CreateCustomerOptions struct {
	CompanyID string
	Name      string
	Email     string
}

// CreateIntentOptions specifies a one-off charge to collect
type CreateIntentOptions struct {
	CustomerID string
	Amount     int64
	Currency   string
	Metadata   map[string]string
}

// CreateSubscriptionOptions specifies the external subscription to create.
// TrialDays > 0 creates a trial subscription with no payment collected.
type CreateSubscriptionOptions struct {
	CustomerID string
	PriceID    string
	TrialDays  int64
}

// UpdatePriceOptions moves an external subscription item to a different price
type UpdatePriceOptions struct {
	SubscriptionID string
	ItemID         string
	PriceID        string
}

// Gateway is the boundary to the external payment processor. Implementations
// translate these narrow operations to processor API calls; all processor
// detail stays behind this interface.
type Gateway interface {
	CreateCustomer(ctx context.Context, opt CreateCustomerOptions) (string, error)
	CreatePaymentIntent(ctx context.Context, opt CreateIntentOptions) (*Intent, error)
	GetPaymentIntent(ctx context.Context, id string) (*Intent, error)
	CreateSubscription(ctx context.Context, opt CreateSubscriptionOptions) (*Subscription, error)
	UpdateSubscriptionPrice(ctx context.Context, opt UpdatePriceOptions) (*Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
	VerifyEvent(payload []byte, signature string) (*Event, error)
}
