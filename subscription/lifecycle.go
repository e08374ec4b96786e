package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sheetwork/billing/auth"
	"github.com/sheetwork/billing/broker"
	"github.com/sheetwork/billing/company"
	"github.com/sheetwork/billing/gateway"
	"github.com/sheetwork/billing/plan"
	resp "github.com/sheetwork/billing/response"
	"github.com/sheetwork/billing/usage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxTrialDays = 90

// PaymentResult is the outcome of initiating a payment. For a new subscription
// or a paid upgrade the client secret must be completed by the caller; an
// immediate upgrade carries the already-applied subscription instead.
type PaymentResult struct {
	ClientSecret    string `json:"clientSecret,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	IsUpgrade       bool   `json:"isUpgrade"`
	ProrationAmount int64  `json:"prorationAmount"`
	SubscriptionID  string `json:"subscriptionId,omitempty"`
	TransactionID   string `json:"transactionId,omitempty"`
}

// PaymentInitiator starts the payment flow for moving a company onto a plan.
// Implemented by the payment orchestrator; this package never reaches into
// payment directly.
type PaymentInitiator interface {
	CreatePayment(ctx context.Context, actor auth.Actor, planID string) (*PaymentResult, error)
}

// LifecycleOptions contains the configuration for the Lifecycle
type LifecycleOptions struct {
	SubscriptionManager *Manager
	CompanyManager      *company.Manager
	Catalog             *plan.Catalog
	Gateway             gateway.Gateway
	Usage               *usage.Manager
	Publisher           broker.Publisher
	Logger              *zap.Logger
}

// Lifecycle drives the subscription state machine on behalf of a caller:
// upgrades, cancellation, renewal, trials, and the usage report
type Lifecycle struct {
	LifecycleOptions
	initiator PaymentInitiator
}

// NewLifecycle returns a new Lifecycle for subscription operations
func NewLifecycle(option LifecycleOptions) (*Lifecycle, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.CompanyManager == nil {
		return nil, fmt.Errorf("nil CompanyManager is invalid")
	}
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Usage == nil {
		return nil, fmt.Errorf("nil Usage is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Lifecycle{
		LifecycleOptions: option,
	}, nil
}

// SetPaymentInitiator wires the payment orchestrator in after construction.
// The orchestrator depends on this package, so the dependency is inverted.
func (l *Lifecycle) SetPaymentInitiator(pi PaymentInitiator) {
	l.initiator = pi
}

func (l *Lifecycle) publish(ctx context.Context, evt broker.Event) {
	if l.Publisher == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	if err := l.Publisher.PublishBillingEvent(ctx, evt); err != nil {
		l.Logger.Warn("Unable to publish billing event",
			zap.Error(err),
			zap.String("Kind", evt.Kind),
		)
	}
}

// GetActiveSubscription returns the caller's company's active subscription
func (l *Lifecycle) GetActiveSubscription(ctx context.Context, actor auth.Actor) (*Subscription, error) {
	sub, err := l.SubscriptionManager.GetActive(ctx, actor.Role.CompanyID)
	if err != nil {
		l.Logger.Error("Unable to get active subscription",
			zap.Error(err),
		)
		return nil, resp.ErrUnexpected()
	}
	if sub == nil {
		return nil, resp.ErrSubscriptionNotFound()
	}
	return sub, nil
}

// ListSubscriptionHistory returns the caller's company's subscription rows,
// expired ones included, newest first
func (l *Lifecycle) ListSubscriptionHistory(ctx context.Context, actor auth.Actor, limit int) ([]Subscription, error) {
	history, err := l.SubscriptionManager.List(ctx, ListOption{
		CompanyID: actor.Role.CompanyID,
		Limit:     limit,
	})
	if err != nil {
		l.Logger.Error("Unable to list subscription history",
			zap.Error(err),
			zap.String("CompanyID", actor.Role.CompanyID),
		)
		return nil, resp.ErrUnexpected()
	}
	return history, nil
}

// UpgradeSubscription initiates a plan change for the caller's company,
// delegating payment collection to the orchestrator
func (l *Lifecycle) UpgradeSubscription(ctx context.Context, actor auth.Actor, planID string) (*PaymentResult, error) {
	if l.initiator == nil {
		return nil, fmt.Errorf("no PaymentInitiator configured")
	}
	return l.initiator.CreatePayment(ctx, actor, planID)
}

// CancelSubscription cancels the subscription. Without immediate the
// subscription enters Cancelling and runs out its paid period; immediate
// expires it right away with no refund. Cancelling an already-cancelling
// subscription again at period end is a no-op.
func (l *Lifecycle) CancelSubscription(ctx context.Context, actor auth.Actor, subscriptionID string, immediate bool) (*Subscription, error) {
	if actor.Role.Type != auth.RoleCompanyAuthor {
		return nil, resp.ErrNotCompanyAuthor()
	}
	sub, err := l.SubscriptionManager.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, resp.ErrUnexpected()
	}
	if sub == nil || sub.CompanyID != actor.Role.CompanyID {
		return nil, resp.ErrSubscriptionNotFound()
	}

	now := time.Now()
	switch sub.State(now) {
	case StateActive:
	case StateCancelling:
		if !immediate {
			return sub, nil
		}
	default:
		return nil, resp.ErrSubscriptionNotFound()
	}

	// processor first so a local commit never claims a cancellation the
	// processor will keep billing for
	if len(sub.ExternalSubscriptionID) > 0 {
		if immediate {
			err = l.Gateway.CancelSubscription(ctx, sub.ExternalSubscriptionID)
		} else {
			err = l.Gateway.SetCancelAtPeriodEnd(ctx, sub.ExternalSubscriptionID, true)
		}
		if err != nil {
			l.Logger.Error("Unable to cancel subscription with processor",
				zap.Error(err),
				zap.String("SubscriptionID", sub.ID),
			)
			return nil, resp.ErrPaymentProcessingFailed()
		}
	}

	result := l.SubscriptionManager.LambdaUpdate(ctx, sub.ID, func(current *Subscription, desired *Subscription) (bool, error) {
		if current == nil {
			return false, resp.ErrSubscriptionNotFound()
		}
		desired.CancelAtPeriodEnd = true
		if immediate {
			desired.IsExpired = true
			desired.EndDate = now
		}
		return true, nil
	})
	if result.TxError != nil {
		l.Logger.Error("Unable to persist cancellation",
			zap.Error(result.TxError),
			zap.String("SubscriptionID", sub.ID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}
	if result.ReturnError != nil {
		return nil, result.ReturnError
	}

	l.publish(ctx, broker.Event{
		Kind:           broker.EventSubscriptionCancelled,
		CompanyID:      sub.CompanyID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
	})
	if immediate {
		l.publish(ctx, broker.Event{
			Kind:           broker.EventSubscriptionExpired,
			CompanyID:      sub.CompanyID,
			SubscriptionID: sub.ID,
			PlanID:         sub.PlanID,
		})
	}
	return result.Subscription, nil
}

// RenewSubscription extends an Active or Cancelling subscription by one
// billing cycle and clears any pending cancellation
func (l *Lifecycle) RenewSubscription(ctx context.Context, actor auth.Actor, subscriptionID string) (*Subscription, error) {
	if actor.Role.Type != auth.RoleCompanyAuthor {
		return nil, resp.ErrNotCompanyAuthor()
	}
	sub, err := l.SubscriptionManager.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, resp.ErrUnexpected()
	}
	if sub == nil || sub.CompanyID != actor.Role.CompanyID {
		return nil, resp.ErrSubscriptionNotFound()
	}

	wasCancelling := sub.CancelAtPeriodEnd
	result := l.SubscriptionManager.LambdaUpdate(ctx, sub.ID, func(current *Subscription, desired *Subscription) (bool, error) {
		if current == nil {
			return false, resp.ErrSubscriptionNotFound()
		}
		switch current.State(time.Now()) {
		case StateActive, StateCancelling:
		default:
			return false, resp.ErrBadRequest().
				WithCode("subscription_not_renewable").
				AddMessages("Only an active or cancelling subscription can be renewed")
		}
		desired.EndDate = current.EndDate.AddDate(0, 0, plan.BillingCycleDays)
		desired.CancelAtPeriodEnd = false
		return true, nil
	})
	if result.TxError != nil {
		l.Logger.Error("Unable to renew subscription",
			zap.Error(result.TxError),
			zap.String("SubscriptionID", sub.ID),
		)
		return nil, resp.ErrUnexpected()
	}
	if result.ReturnError != nil {
		return nil, result.ReturnError
	}

	if wasCancelling && len(sub.ExternalSubscriptionID) > 0 {
		if err := l.Gateway.SetCancelAtPeriodEnd(ctx, sub.ExternalSubscriptionID, false); err != nil {
			// divergence heals via the customer.subscription.updated event
			l.Logger.Error("Unable to clear cancellation with processor",
				zap.Error(err),
				zap.String("SubscriptionID", sub.ID),
			)
		}
	}

	l.publish(ctx, broker.Event{
		Kind:           broker.EventSubscriptionRenewed,
		CompanyID:      sub.CompanyID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
	})
	return result.Subscription, nil
}

// CreateTrialSubscription activates a plan for the company without collecting
// payment. No Transaction row is recorded; the processor-side subscription is
// created first so billing starts automatically when the trial ends.
func (l *Lifecycle) CreateTrialSubscription(ctx context.Context, actor auth.Actor, planID string, trialDays int64) (*Subscription, error) {
	if actor.Role.Type != auth.RoleCompanyAuthor {
		return nil, resp.ErrNotCompanyAuthor()
	}
	if trialDays <= 0 || trialDays > maxTrialDays {
		return nil, resp.ErrBadRequest().
			WithCode("invalid_trial_length").
			AddMessages(fmt.Sprintf("trialDays must be between 1 and %d", maxTrialDays))
	}
	p, ok := l.Catalog.GetDefinedPlanByID(planID)
	if !ok || p.Retired {
		return nil, resp.ErrPlanNotFound()
	}

	active, err := l.SubscriptionManager.GetActive(ctx, actor.Role.CompanyID)
	if err != nil {
		return nil, resp.ErrUnexpected()
	}
	if active != nil {
		return nil, resp.ErrActiveSubscriptionExists()
	}

	customerID, err := l.CompanyManager.EnsureExternalCustomer(ctx, actor.Role.CompanyID)
	if err != nil {
		l.Logger.Error("Unable to resolve external customer",
			zap.Error(err),
			zap.String("CompanyID", actor.Role.CompanyID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}

	extSub, err := l.Gateway.CreateSubscription(ctx, gateway.CreateSubscriptionOptions{
		CustomerID: customerID,
		PriceID:    p.ExternalPriceID,
		TrialDays:  trialDays,
	})
	if err != nil {
		l.Logger.Error("Unable to create trial subscription with processor",
			zap.Error(err),
			zap.String("CompanyID", actor.Role.CompanyID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}

	now := time.Now()
	endDate := extSub.PeriodEnd
	if !endDate.After(now) {
		endDate = now.AddDate(0, 0, int(trialDays))
	}
	sub := &Subscription{
		ID:                     uuid.New().String(),
		CompanyID:              actor.Role.CompanyID,
		PlanID:                 p.ID,
		StartDate:              now,
		EndDate:                endDate,
		Trial:                  true,
		ExternalSubscriptionID: extSub.ID,
		ExternalItemID:         extSub.ItemID,
		LastEventAt:            now,
	}
	if err := l.SubscriptionManager.Create(ctx, sub); err != nil {
		if isUniqueViolation(err) {
			// another worker activated a subscription first; release ours
			if cancelErr := l.Gateway.CancelSubscription(ctx, extSub.ID); cancelErr != nil {
				l.Logger.Error("Unable to release orphaned trial subscription",
					zap.Error(cancelErr),
					zap.String("ExternalSubscriptionID", extSub.ID),
				)
			}
			return nil, resp.ErrActiveSubscriptionExists()
		}
		return nil, resp.ErrPaymentProcessingFailed()
	}

	l.publish(ctx, broker.Event{
		Kind:           broker.EventSubscriptionTrialStarted,
		CompanyID:      sub.CompanyID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
	})
	return sub, nil
}

// ResourceUsage reports one resource against its plan limit. Remaining is -1
// when the plan does not limit the resource.
type ResourceUsage struct {
	Resource  usage.Resource `json:"resource"`
	Used      int64          `json:"used"`
	Limit     int64          `json:"limit"`
	Remaining int64          `json:"remaining"`
}

// UsageReport is the company's current consumption against its plan
type UsageReport struct {
	CompanyID string          `json:"companyId"`
	PlanID    string          `json:"planId"`
	State     State           `json:"state"`
	PeriodEnd time.Time       `json:"periodEnd"`
	Resources []ResourceUsage `json:"resources"`
}

// GetUsageReport returns the caller's company's resource consumption against
// the limits of its current plan
func (l *Lifecycle) GetUsageReport(ctx context.Context, actor auth.Actor) (*UsageReport, error) {
	sub, err := l.SubscriptionManager.GetActive(ctx, actor.Role.CompanyID)
	if err != nil {
		return nil, resp.ErrUnexpected()
	}
	if sub == nil {
		return nil, resp.ErrSubscriptionNotFound()
	}
	p, ok := l.Catalog.GetDefinedPlanByID(sub.PlanID)
	if !ok {
		l.Logger.Error("Subscription references an undefined plan",
			zap.String("SubscriptionID", sub.ID),
			zap.String("PlanID", sub.PlanID),
		)
		return nil, resp.ErrPlanNotFound()
	}
	counts, err := l.Usage.CountForCompany(ctx, actor.Role.CompanyID)
	if err != nil {
		return nil, resp.ErrUnexpected()
	}

	limits := []struct {
		resource usage.Resource
		limit    int64
	}{
		{usage.ResourceWorkspaces, p.Limits.MaxWorkspaces},
		{usage.ResourceSheets, p.Limits.MaxSheets},
		{usage.ResourceMembers, p.Limits.MaxMembers},
		{usage.ResourceViewers, p.Limits.MaxViewers},
		{usage.ResourceTasks, p.Limits.MaxTasks},
	}
	report := &UsageReport{
		CompanyID: actor.Role.CompanyID,
		PlanID:    p.ID,
		State:     sub.State(time.Now()),
		PeriodEnd: sub.EndDate,
		Resources: make([]ResourceUsage, 0, len(limits)),
	}
	for _, entry := range limits {
		used := counts.Get(entry.resource)
		remaining := int64(plan.Unlimited)
		if entry.limit != plan.Unlimited {
			remaining = entry.limit - used
			if remaining < 0 {
				remaining = 0
			}
		}
		report.Resources = append(report.Resources, ResourceUsage{
			Resource:  entry.resource,
			Used:      used,
			Limit:     entry.limit,
			Remaining: remaining,
		})
	}
	return report, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
