package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/sheetwork/billing/auth"
	"github.com/sheetwork/billing/broker"
	"github.com/sheetwork/billing/company"
	"github.com/sheetwork/billing/gateway"
	"github.com/sheetwork/billing/plan"
	resp "github.com/sheetwork/billing/response"
	"github.com/sheetwork/billing/subscription"

	"github.com/lithammer/shortuuid/v3"
	"go.uber.org/zap"
)

// Intent metadata keys. These round-trip through the processor so webhook
// events can be matched back even when the local transaction write was lost.
const (
	metaCompanyID      = "CompanyID"
	metaPlanID         = "PlanID"
	metaUserID         = "UserID"
	metaSubscriptionID = "SubscriptionID"
	metaPurpose        = "Purpose"

	purposeSubscription = "subscription"
	purposeUpgrade      = "upgrade"
)

// OrchestratorOptions contains the configuration for the Orchestrator
type OrchestratorOptions struct {
	PaymentManager      *Manager
	SubscriptionManager *subscription.Manager
	CompanyManager      *company.Manager
	Catalog             *plan.Catalog
	Gateway             gateway.Gateway
	Publisher           broker.Publisher
	Logger              *zap.Logger
}

// Orchestrator coordinates payment collection for new subscriptions and plan
// upgrades. State-changing writes happen in the payment Manager's serializable
// transactions; processor calls always happen outside them.
type Orchestrator struct {
	OrchestratorOptions
}

var _ subscription.PaymentInitiator = &Orchestrator{}

// NewOrchestrator returns a new Orchestrator for payments
func NewOrchestrator(option OrchestratorOptions) (*Orchestrator, error) {
	if option.PaymentManager == nil {
		return nil, fmt.Errorf("nil PaymentManager is invalid")
	}
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
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Orchestrator{
		OrchestratorOptions: option,
	}, nil
}

func (o *Orchestrator) publish(ctx context.Context, evt broker.Event) {
	if o.Publisher == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	if err := o.Publisher.PublishBillingEvent(ctx, evt); err != nil {
		o.Logger.Warn("Unable to publish billing event",
			zap.Error(err),
			zap.String("Kind", evt.Kind),
		)
	}
}

// CreatePayment starts payment collection for moving the company onto the
// given plan. Without an active subscription it issues an intent for the full
// plan price; with one it prorates the difference, applying the change
// immediately when nothing is owed.
func (o *Orchestrator) CreatePayment(ctx context.Context, actor auth.Actor, planID string) (*subscription.PaymentResult, error) {
	if actor.Role.Type != auth.RoleCompanyAuthor {
		return nil, resp.ErrNotCompanyAuthor()
	}
	newPlan, ok := o.Catalog.GetDefinedPlanByID(planID)
	if !ok || newPlan.Retired {
		return nil, resp.ErrPlanNotFound()
	}

	active, err := o.SubscriptionManager.GetActive(ctx, actor.Role.CompanyID)
	if err != nil {
		return nil, resp.ErrPaymentProcessingFailed()
	}

	if active == nil {
		return o.createSubscriptionIntent(ctx, actor, newPlan)
	}

	if active.PlanID == newPlan.ID {
		return nil, resp.ErrActiveSubscriptionExists()
	}

	currentPlan, ok := o.Catalog.GetDefinedPlanByID(active.PlanID)
	if !ok {
		o.Logger.Error("Active subscription references an undefined plan",
			zap.String("SubscriptionID", active.ID),
			zap.String("PlanID", active.PlanID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}

	amount := Prorate(active, currentPlan, newPlan, time.Now())
	if amount <= 0 {
		return o.applyImmediateUpgrade(ctx, actor, active, newPlan)
	}
	return o.createUpgradeIntent(ctx, actor, active, newPlan, amount)
}

func (o *Orchestrator) createSubscriptionIntent(ctx context.Context, actor auth.Actor, p plan.Plan) (*subscription.PaymentResult, error) {
	customerID, err := o.CompanyManager.EnsureExternalCustomer(ctx, actor.Role.CompanyID)
	if err != nil {
		return nil, resp.ErrPaymentProcessingFailed()
	}

	intent, err := o.Gateway.CreatePaymentIntent(ctx, gateway.CreateIntentOptions{
		CustomerID: customerID,
		Amount:     p.Price,
		Currency:   p.Currency,
		Metadata: map[string]string{
			metaCompanyID: actor.Role.CompanyID,
			metaPlanID:    p.ID,
			metaUserID:    actor.UserID,
			metaPurpose:   purposeSubscription,
		},
	})
	if err != nil {
		o.Logger.Error("Unable to create payment intent with processor",
			zap.Error(err),
			zap.String("CompanyID", actor.Role.CompanyID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}

	txn := &Transaction{
		ID:                      shortuuid.New(),
		CompanyID:               actor.Role.CompanyID,
		UserID:                  actor.UserID,
		PlanID:                  p.ID,
		Amount:                  p.Price,
		Currency:                p.Currency,
		Status:                  TransactionPending,
		ExternalPaymentIntentID: intent.ID,
	}
	if err := o.PaymentManager.CreateTransaction(ctx, txn); err != nil {
		// the intent exists on the processor side; a succeeded webhook will
		// reconstruct the transaction from the intent metadata
		o.Logger.Error("Intent issued but transaction write failed",
			zap.Error(err),
			zap.String("PaymentIntentID", intent.ID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}

	return &subscription.PaymentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		ProrationAmount: p.Price,
		TransactionID:   txn.ID,
	}, nil
}

func (o *Orchestrator) applyImmediateUpgrade(ctx context.Context, actor auth.Actor, active *subscription.Subscription, p plan.Plan) (*subscription.PaymentResult, error) {
	// processor first: once the local rows say the company is on the new
	// plan, renewal charges must already match
	if len(active.ExternalSubscriptionID) > 0 {
		_, err := o.Gateway.UpdateSubscriptionPrice(ctx, gateway.UpdatePriceOptions{
			SubscriptionID: active.ExternalSubscriptionID,
			ItemID:         active.ExternalItemID,
			PriceID:        p.ExternalPriceID,
		})
		if err != nil {
			o.Logger.Error("Unable to move processor subscription to new price",
				zap.Error(err),
				zap.String("SubscriptionID", active.ID),
			)
			return nil, resp.ErrPaymentProcessingFailed()
		}
	}

	sub, txn, err := o.PaymentManager.ApplyImmediateUpgrade(ctx, ImmediateUpgradeOptions{
		SubscriptionID: active.ID,
		CompanyID:      actor.Role.CompanyID,
		UserID:         actor.UserID,
		Plan:           p,
	})
	if err != nil {
		return nil, resp.ErrPaymentProcessingFailed()
	}

	o.publish(ctx, broker.Event{
		Kind:           broker.EventSubscriptionUpgraded,
		CompanyID:      sub.CompanyID,
		SubscriptionID: sub.ID,
		PlanID:         p.ID,
		TransactionID:  txn.ID,
	})

	return &subscription.PaymentResult{
		IsUpgrade:       true,
		ProrationAmount: 0,
		SubscriptionID:  sub.ID,
		TransactionID:   txn.ID,
	}, nil
}

func (o *Orchestrator) createUpgradeIntent(ctx context.Context, actor auth.Actor, active *subscription.Subscription, p plan.Plan, amount int64) (*subscription.PaymentResult, error) {
	customerID, err := o.CompanyManager.EnsureExternalCustomer(ctx, actor.Role.CompanyID)
	if err != nil {
		return nil, resp.ErrPaymentProcessingFailed()
	}

	intent, err := o.Gateway.CreatePaymentIntent(ctx, gateway.CreateIntentOptions{
		CustomerID: customerID,
		Amount:     amount,
		Currency:   p.Currency,
		Metadata: map[string]string{
			metaCompanyID:      actor.Role.CompanyID,
			metaPlanID:         p.ID,
			metaUserID:         actor.UserID,
			metaSubscriptionID: active.ID,
			metaPurpose:        purposeUpgrade,
		},
	})
	if err != nil {
		o.Logger.Error("Unable to create payment intent with processor",
			zap.Error(err),
			zap.String("CompanyID", actor.Role.CompanyID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}

	txn := &Transaction{
		ID:                      shortuuid.New(),
		CompanyID:               actor.Role.CompanyID,
		UserID:                  actor.UserID,
		PlanID:                  p.ID,
		Amount:                  amount,
		Currency:                p.Currency,
		Status:                  TransactionPending,
		ExternalPaymentIntentID: intent.ID,
		Upgrade:                 true,
	}
	if err := o.PaymentManager.CreateTransaction(ctx, txn); err != nil {
		o.Logger.Error("Intent issued but transaction write failed",
			zap.Error(err),
			zap.String("PaymentIntentID", intent.ID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}

	return &subscription.PaymentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		IsUpgrade:       true,
		ProrationAmount: amount,
		SubscriptionID:  active.ID,
		TransactionID:   txn.ID,
	}, nil
}

// ConfirmResult is the outcome of a confirmed payment
type ConfirmResult struct {
	Status         string `json:"status"`
	SubscriptionID string `json:"subscriptionId"`
	TransactionID  string `json:"transactionId"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// ListTransactions returns the caller's company's payment history, newest
// first
func (o *Orchestrator) ListTransactions(ctx context.Context, actor auth.Actor, limit int) ([]Transaction, error) {
	txns, err := o.PaymentManager.ListTransactions(ctx, actor.Role.CompanyID, limit)
	if err != nil {
		o.Logger.Error("Unable to list transactions",
			zap.Error(err),
			zap.String("CompanyID", actor.Role.CompanyID),
		)
		return nil, resp.ErrUnexpected()
	}
	return txns, nil
}

// ConfirmPayment settles a payment intent the caller completed client-side.
// Safe to call more than once: a transaction that already succeeded returns
// the recorded outcome without touching the processor or billing state.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, intentID string) (*ConfirmResult, error) {
	if len(intentID) == 0 {
		return nil, resp.ErrBadRequest().AddMessages("paymentIntentId is required")
	}
	txn, err := o.PaymentManager.GetTransactionByIntentID(ctx, intentID)
	if err != nil {
		return nil, resp.ErrPaymentProcessingFailed()
	}
	if txn == nil {
		return nil, resp.ErrIntentNotFound()
	}

	switch txn.Status {
	case TransactionSucceeded:
		sub, err := o.SubscriptionManager.GetActive(ctx, txn.CompanyID)
		if err != nil {
			return nil, resp.ErrPaymentProcessingFailed()
		}
		if sub == nil {
			return nil, resp.ErrPaymentIntentAlreadyConfirmed()
		}
		return &ConfirmResult{
			Status:         string(TransactionSucceeded),
			SubscriptionID: sub.ID,
			TransactionID:  txn.ID,
			Amount:         txn.Amount,
			Currency:       txn.Currency,
		}, nil
	case TransactionFailed:
		return nil, resp.ErrPaymentIntentFailed()
	}

	intent, err := o.Gateway.GetPaymentIntent(ctx, intentID)
	if err != nil {
		o.Logger.Error("Unable to fetch payment intent from processor",
			zap.Error(err),
			zap.String("PaymentIntentID", intentID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}

	switch intent.Status {
	case gateway.IntentSucceeded:
		return o.settleSucceededIntent(ctx, txn, time.Time{}, nil)
	case gateway.IntentFailed, gateway.IntentCanceled:
		if _, err := o.PaymentManager.MarkTransactionFailed(ctx, txn.ID); err != nil {
			return nil, resp.ErrPaymentProcessingFailed()
		}
		o.publish(ctx, broker.Event{
			Kind:          broker.EventPaymentFailed,
			CompanyID:     txn.CompanyID,
			PlanID:        txn.PlanID,
			TransactionID: txn.ID,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
		})
		return nil, resp.ErrPaymentIntentFailed()
	default:
		return nil, resp.ErrBadRequest().
			WithCode("payment_intent_incomplete").
			AddMessages("The payment has not completed yet").
			CanRetry()
	}
}

// settleSucceededIntent applies a succeeded intent to billing state. Shared
// between the confirm call and the webhook reconciler; eventLog, when given,
// is written in the same transaction as the state change.
func (o *Orchestrator) settleSucceededIntent(ctx context.Context, txn *Transaction, eventTime time.Time, eventLog *PaymentLog) (*ConfirmResult, error) {
	p, ok := o.Catalog.GetDefinedPlanByID(txn.PlanID)
	if !ok {
		o.Logger.Error("Transaction references an undefined plan",
			zap.String("TransactionID", txn.ID),
			zap.String("PlanID", txn.PlanID),
		)
		return nil, resp.ErrPaymentProcessingFailed()
	}

	opt := ActivateOptions{
		TransactionID: txn.ID,
		Plan:          p,
		Upgrade:       txn.Upgrade,
		EventTime:     eventTime,
		EventLog:      eventLog,
	}

	if !txn.Upgrade {
		// mirror the subscription on the processor so renewals bill
		// automatically; billing state commits regardless, the mirror heals
		// through subscription events if this call is lost
		customerID, err := o.CompanyManager.EnsureExternalCustomer(ctx, txn.CompanyID)
		if err == nil {
			extSub, subErr := o.Gateway.CreateSubscription(ctx, gateway.CreateSubscriptionOptions{
				CustomerID: customerID,
				PriceID:    p.ExternalPriceID,
				// first cycle is already paid by the intent, recurring
				// billing starts one cycle out
				TrialDays: plan.BillingCycleDays,
			})
			if subErr != nil {
				o.Logger.Error("Unable to mirror subscription on processor",
					zap.Error(subErr),
					zap.String("TransactionID", txn.ID),
				)
			} else {
				opt.ExternalSubscriptionID = extSub.ID
				opt.ExternalItemID = extSub.ItemID
				if extSub.PeriodEnd.After(time.Now()) {
					opt.PeriodStart = extSub.PeriodStart
					opt.PeriodEnd = extSub.PeriodEnd
				}
			}
		} else {
			o.Logger.Error("Unable to resolve external customer for mirror",
				zap.Error(err),
				zap.String("CompanyID", txn.CompanyID),
			)
		}
	}

	res, err := o.PaymentManager.ActivateSubscription(ctx, opt)
	if err != nil {
		return nil, resp.ErrPaymentProcessingFailed()
	}

	if txn.Upgrade && !res.AlreadyApplied && res.Subscription != nil &&
		len(res.Subscription.ExternalSubscriptionID) > 0 {
		_, err := o.Gateway.UpdateSubscriptionPrice(ctx, gateway.UpdatePriceOptions{
			SubscriptionID: res.Subscription.ExternalSubscriptionID,
			ItemID:         res.Subscription.ExternalItemID,
			PriceID:        p.ExternalPriceID,
		})
		if err != nil {
			// heals via the customer.subscription.updated event
			o.Logger.Error("Unable to move processor subscription to new price",
				zap.Error(err),
				zap.String("SubscriptionID", res.Subscription.ID),
			)
		}
	}

	if !res.AlreadyApplied {
		o.publish(ctx, broker.Event{
			Kind:          broker.EventPaymentSucceeded,
			CompanyID:     txn.CompanyID,
			PlanID:        txn.PlanID,
			TransactionID: txn.ID,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
		})
		kind := broker.EventSubscriptionActivated
		if txn.Upgrade {
			kind = broker.EventSubscriptionUpgraded
		}
		subID := ""
		if res.Subscription != nil {
			subID = res.Subscription.ID
		}
		o.publish(ctx, broker.Event{
			Kind:           kind,
			CompanyID:      txn.CompanyID,
			SubscriptionID: subID,
			PlanID:         txn.PlanID,
			TransactionID:  txn.ID,
		})
	}

	result := &ConfirmResult{
		Status:        string(TransactionSucceeded),
		TransactionID: res.Transaction.ID,
		Amount:        res.Transaction.Amount,
		Currency:      res.Transaction.Currency,
	}
	if res.Subscription != nil {
		result.SubscriptionID = res.Subscription.ID
	}
	return result, nil
}
