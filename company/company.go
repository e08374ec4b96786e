package company

import "time"

// Company is the billing view of a company account. Company creation and
// membership live in the accounts service; this core owns PlanID and the
// lazily created ExternalCustomerID.
type Company struct {
	ID                 string `json:"id" gorm:"primaryKey"`
	Name               string `json:"name"`
	BillingEmail       string `json:"billingEmail"`
	PlanID             string `json:"planId"`                            // Internal plan ID the company is currently on
	ExternalCustomerID string `json:"externalCustomerId" gorm:"index"`   // Corresponds to Stripe's Customer ID, set once and never recreated
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
