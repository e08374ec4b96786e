package subscription

import "time"

// Subscription binds a company to a plan for a billing period. At most one
// row per company may have IsExpired == false; history rows stay expired.
type Subscription struct {
	ID                     string    `json:"id" gorm:"primaryKey"`
	CompanyID              string    `json:"companyId" gorm:"index"`
	PlanID                 string    `json:"planId"`
	StartDate              time.Time `json:"startDate"`
	EndDate                time.Time `json:"endDate"`
	IsExpired              bool      `json:"isExpired" gorm:"not null;default:false"`
	CancelAtPeriodEnd      bool      `json:"cancelAtPeriodEnd" gorm:"not null;default:false"`
	Trial                  bool      `json:"trial" gorm:"not null;default:false"`
	ExternalSubscriptionID string    `json:"externalSubscriptionId" gorm:"index"` // Corresponds to Stripe's Subscription ID
	ExternalItemID         string    `json:"externalItemId"`                      // Corresponds to Stripe's Subscription Item ID
	LastEventAt            time.Time `json:"lastEventAt"`                         // Timestamp of the newest processor event applied to this row
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// State derives the lifecycle state of the subscription at the given time
func (s *Subscription) State(now time.Time) State {
	if s == nil {
		return StateNone
	}
	if s.IsExpired || !s.EndDate.After(now) {
		return StateExpired
	}
	if s.CancelAtPeriodEnd {
		return StateCancelling
	}
	return StateActive
}
