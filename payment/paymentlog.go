package payment

import "time"

// Defining the outcome recorded on a PaymentLog row
const (
	LogStatusApplied   string = "applied"
	LogStatusStale     string = "stale"
	LogStatusUnmatched string = "unmatched"
	LogStatusIgnored   string = "ignored"
	LogStatusFailed    string = "failed"
)

// PaymentLog is the append-only record of processor notifications and
// reconciliation outcomes. Rows keyed by ExternalEventID are the durable
// idempotency ledger for webhook processing: a replayed event finds its row
// and is a no-op. Rows are never updated or deleted.
type PaymentLog struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	EventType       string    `json:"eventType"`
	ExternalEventID string    `json:"externalEventId" gorm:"index"` // Corresponds to Stripe's Event ID, unique when set
	CompanyID       string    `json:"companyId" gorm:"index"`
	SubscriptionID  string    `json:"subscriptionId"`
	PaymentIntentID string    `json:"paymentIntentId"`
	Amount          int64     `json:"amount"`
	Status          string    `json:"status"`
	ErrorCode       string    `json:"errorCode"`
	ErrorMessage    string    `json:"errorMessage"`
	Metadata        string    `json:"metadata"` // JSON-encoded context for offline investigation
	OccurredAt      time.Time `json:"occurredAt"`
	CreatedAt       time.Time `json:"createdAt"`
}
