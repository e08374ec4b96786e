package payment

import "time"

// TransactionStatus is the custom type to define the state of a payment transaction
type TransactionStatus string

// Defining the transaction statuses. A transaction is immutable once it
// reaches SUCCEEDED or FAILED; retries append new rows.
const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionSucceeded TransactionStatus = "SUCCEEDED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// Transaction records one attempt to collect payment from a company.
// A row is created PENDING when a payment intent is issued, or written
// directly SUCCEEDED with a zero amount for payment-free upgrades.
type Transaction struct {
	ID                      string            `json:"id" gorm:"primaryKey"`
	CompanyID               string            `json:"companyId" gorm:"index"`
	UserID                  string            `json:"userId"`
	PlanID                  string            `json:"planId"`
	Amount                  int64             `json:"amount"`
	Currency                string            `json:"currency"`
	Status                  TransactionStatus `json:"status"`
	ExternalPaymentIntentID string            `json:"externalPaymentIntentId" gorm:"index"` // Corresponds to Stripe's PaymentIntent ID, unique when set
	Upgrade                 bool              `json:"upgrade" gorm:"not null;default:false"`
	CreatedAt               time.Time         `json:"createdAt"`
	UpdatedAt               time.Time         `json:"updatedAt"`
}
