package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sheetwork/billing/broker"
	"github.com/sheetwork/billing/gateway"
	"github.com/sheetwork/billing/subscription"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReconcilerOptions contains the configuration for the Reconciler
type ReconcilerOptions struct {
	PaymentManager      *Manager
	SubscriptionManager *subscription.Manager
	Orchestrator        *Orchestrator
	Logger              *zap.Logger
}

// Reconciler applies verified processor notifications to billing state.
// Every event is applied at most once: the PaymentLog row keyed by the
// processor's event id is the durable idempotency checkpoint, written in the
// same transaction as the state change. Notifications arriving out of order
// are resolved by the event's own timestamp against the row's LastEventAt.
type Reconciler struct {
	ReconcilerOptions
}

// NewReconciler returns a new Reconciler for webhook events
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.PaymentManager == nil {
		return nil, fmt.Errorf("nil PaymentManager is invalid")
	}
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Orchestrator == nil {
		return nil, fmt.Errorf("nil Orchestrator is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

func logFromEvent(evt *gateway.Event, status string) *PaymentLog {
	return &PaymentLog{
		ID:              uuid.New().String(),
		EventType:       string(evt.Kind),
		ExternalEventID: evt.ID,
		PaymentIntentID: evt.PaymentIntentID,
		Amount:          evt.Amount,
		Status:          status,
		ErrorCode:       evt.ErrorCode,
		ErrorMessage:    evt.ErrorMessage,
		OccurredAt:      evt.OccurredAt,
	}
}

// recordFailure writes a best-effort audit row for a reconciliation that could
// not be applied. The row carries no event id so the processor's redelivery is
// not deduplicated against it.
func (r *Reconciler) recordFailure(ctx context.Context, evt *gateway.Event, procErr error) {
	log := logFromEvent(evt, LogStatusFailed)
	log.ExternalEventID = ""
	log.ErrorCode = "reconcile_failed"
	log.ErrorMessage = procErr.Error()
	if encoded, err := json.Marshal(map[string]string{"externalEventId": evt.ID}); err == nil {
		log.Metadata = string(encoded)
	}
	if err := r.PaymentManager.CreateLog(ctx, log); err != nil {
		r.Logger.Error("Unable to record reconciliation failure",
			zap.Error(err),
			zap.String("EventID", evt.ID),
		)
	}
}

// Handle applies one verified event. Returning an error signals the caller to
// respond non-2xx so the processor redelivers; returning nil means the event
// is durably accounted for, even when it changed nothing.
func (r *Reconciler) Handle(ctx context.Context, evt *gateway.Event) error {
	if evt == nil || len(evt.ID) == 0 {
		return fmt.Errorf("invalid event")
	}

	existing, err := r.PaymentManager.GetPaymentLogByEventID(ctx, evt.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		r.Logger.Debug("Skipping already processed event",
			zap.String("EventID", evt.ID),
		)
		return nil
	}

	switch evt.Kind {
	case gateway.EventPaymentSucceeded:
		return r.handlePaymentSucceeded(ctx, evt)
	case gateway.EventPaymentFailed:
		return r.handlePaymentFailed(ctx, evt)
	case gateway.EventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, evt)
	case gateway.EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, evt)
	case gateway.EventInvoicePaymentFailed:
		return r.handleInvoicePaymentFailed(ctx, evt)
	default:
		return r.PaymentManager.CreateLog(ctx, logFromEvent(evt, LogStatusIgnored))
	}
}

func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, evt *gateway.Event) error {
	txn, err := r.PaymentManager.GetTransactionByIntentID(ctx, evt.PaymentIntentID)
	if err != nil {
		return err
	}
	if txn == nil {
		// the intent was issued but the local write was lost; rebuild the
		// transaction from the metadata the intent carried
		companyID := evt.Metadata[metaCompanyID]
		planID := evt.Metadata[metaPlanID]
		if len(companyID) == 0 || len(planID) == 0 {
			r.Logger.Warn("Succeeded payment matches no transaction",
				zap.String("PaymentIntentID", evt.PaymentIntentID),
			)
			log := logFromEvent(evt, LogStatusUnmatched)
			log.ErrorCode = "unmatched_intent"
			return r.PaymentManager.CreateLog(ctx, log)
		}
		txn = &Transaction{
			ID:                      shortuuid.New(),
			CompanyID:               companyID,
			UserID:                  evt.Metadata[metaUserID],
			PlanID:                  planID,
			Amount:                  evt.Amount,
			Currency:                evt.Currency,
			Status:                  TransactionPending,
			ExternalPaymentIntentID: evt.PaymentIntentID,
			Upgrade:                 evt.Metadata[metaPurpose] == purposeUpgrade,
		}
		if err := r.PaymentManager.CreateTransaction(ctx, txn); err != nil {
			if !isUniqueViolation(err) {
				r.recordFailure(ctx, evt, err)
				return err
			}
			// a concurrent confirm rebuilt it first
			txn, err = r.PaymentManager.GetTransactionByIntentID(ctx, evt.PaymentIntentID)
			if err != nil || txn == nil {
				return fmt.Errorf("transaction vanished for intent %s", evt.PaymentIntentID)
			}
		} else {
			r.Logger.Warn("Reconstructed transaction from intent metadata",
				zap.String("TransactionID", txn.ID),
				zap.String("PaymentIntentID", evt.PaymentIntentID),
			)
		}
	}

	switch txn.Status {
	case TransactionSucceeded:
		// confirm already applied it; only the event checkpoint is missing
		log := logFromEvent(evt, LogStatusApplied)
		log.CompanyID = txn.CompanyID
		return r.PaymentManager.CreateLog(ctx, log)
	case TransactionFailed:
		r.Logger.Error("Succeeded payment for a transaction marked failed",
			zap.String("TransactionID", txn.ID),
			zap.String("PaymentIntentID", evt.PaymentIntentID),
		)
		log := logFromEvent(evt, LogStatusFailed)
		log.CompanyID = txn.CompanyID
		log.ErrorCode = "transaction_already_failed"
		return r.PaymentManager.CreateLog(ctx, log)
	}

	log := logFromEvent(evt, LogStatusApplied)
	log.CompanyID = txn.CompanyID
	if _, err := r.Orchestrator.settleSucceededIntent(ctx, txn, evt.OccurredAt, log); err != nil {
		r.recordFailure(ctx, evt, err)
		return err
	}
	return nil
}

func (r *Reconciler) handlePaymentFailed(ctx context.Context, evt *gateway.Event) error {
	txn, err := r.PaymentManager.GetTransactionByIntentID(ctx, evt.PaymentIntentID)
	if err != nil {
		return err
	}
	if txn == nil {
		log := logFromEvent(evt, LogStatusUnmatched)
		log.ErrorCode = "unmatched_intent"
		return r.PaymentManager.CreateLog(ctx, log)
	}
	if txn.Status != TransactionPending {
		// terminal transactions stay terminal; the event is only recorded
		log := logFromEvent(evt, LogStatusIgnored)
		log.CompanyID = txn.CompanyID
		return r.PaymentManager.CreateLog(ctx, log)
	}

	log := logFromEvent(evt, LogStatusApplied)
	log.CompanyID = txn.CompanyID
	err = r.PaymentManager.CommitEvent(ctx, log, func(tx *gorm.DB) error {
		return tx.Model(&Transaction{}).
			Where("id = ? AND status = ?", txn.ID, TransactionPending).
			Update("status", TransactionFailed).Error
	})
	if err != nil {
		r.recordFailure(ctx, evt, err)
		return err
	}

	r.Orchestrator.publish(ctx, broker.Event{
		Kind:          broker.EventPaymentFailed,
		CompanyID:     txn.CompanyID,
		PlanID:        txn.PlanID,
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
	})
	return nil
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, evt *gateway.Event) error {
	sub, err := r.SubscriptionManager.GetByExternalID(ctx, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		log := logFromEvent(evt, LogStatusUnmatched)
		log.ErrorCode = "unknown_subscription"
		return r.PaymentManager.CreateLog(ctx, log)
	}
	if !evt.OccurredAt.After(sub.LastEventAt) {
		// an older event must never overwrite newer state
		log := logFromEvent(evt, LogStatusStale)
		log.CompanyID = sub.CompanyID
		log.SubscriptionID = sub.ID
		return r.PaymentManager.CreateLog(ctx, log)
	}

	changes := map[string]interface{}{
		"cancel_at_period_end": evt.CancelAtPeriodEnd,
		"last_event_at":        evt.OccurredAt,
	}
	if !evt.PeriodEnd.IsZero() && evt.PeriodEnd.Unix() > 0 {
		changes["end_date"] = evt.PeriodEnd
	}

	log := logFromEvent(evt, LogStatusApplied)
	log.CompanyID = sub.CompanyID
	log.SubscriptionID = sub.ID
	err = r.PaymentManager.CommitEvent(ctx, log, func(tx *gorm.DB) error {
		return tx.Model(&subscription.Subscription{}).
			Where("id = ? AND last_event_at < ?", sub.ID, evt.OccurredAt).
			Updates(changes).Error
	})
	if err != nil {
		r.recordFailure(ctx, evt, err)
		return err
	}

	if evt.CancelAtPeriodEnd && !sub.CancelAtPeriodEnd {
		r.Orchestrator.publish(ctx, broker.Event{
			Kind:           broker.EventSubscriptionCancelled,
			CompanyID:      sub.CompanyID,
			SubscriptionID: sub.ID,
			PlanID:         sub.PlanID,
		})
	}
	return nil
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, evt *gateway.Event) error {
	sub, err := r.SubscriptionManager.GetByExternalID(ctx, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		log := logFromEvent(evt, LogStatusUnmatched)
		log.ErrorCode = "unknown_subscription"
		return r.PaymentManager.CreateLog(ctx, log)
	}
	if sub.IsExpired {
		log := logFromEvent(evt, LogStatusIgnored)
		log.CompanyID = sub.CompanyID
		log.SubscriptionID = sub.ID
		return r.PaymentManager.CreateLog(ctx, log)
	}
	if !evt.OccurredAt.After(sub.LastEventAt) {
		log := logFromEvent(evt, LogStatusStale)
		log.CompanyID = sub.CompanyID
		log.SubscriptionID = sub.ID
		return r.PaymentManager.CreateLog(ctx, log)
	}

	log := logFromEvent(evt, LogStatusApplied)
	log.CompanyID = sub.CompanyID
	log.SubscriptionID = sub.ID
	err = r.PaymentManager.CommitEvent(ctx, log, func(tx *gorm.DB) error {
		return tx.Model(&subscription.Subscription{}).
			Where("id = ? AND is_expired = ?", sub.ID, false).
			Updates(map[string]interface{}{
				"is_expired":    true,
				"last_event_at": evt.OccurredAt,
			}).Error
	})
	if err != nil {
		r.recordFailure(ctx, evt, err)
		return err
	}

	r.Orchestrator.publish(ctx, broker.Event{
		Kind:           broker.EventSubscriptionExpired,
		CompanyID:      sub.CompanyID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		OccurredAt:     evt.OccurredAt,
	})
	return nil
}

func (r *Reconciler) handleInvoicePaymentFailed(ctx context.Context, evt *gateway.Event) error {
	// no state change: the processor keeps retrying collection and emits a
	// subscription.deleted event if it gives up
	log := logFromEvent(evt, LogStatusFailed)
	var companyID string
	if len(evt.SubscriptionID) > 0 {
		sub, err := r.SubscriptionManager.GetByExternalID(ctx, evt.SubscriptionID)
		if err != nil {
			return err
		}
		if sub != nil {
			companyID = sub.CompanyID
			log.CompanyID = sub.CompanyID
			log.SubscriptionID = sub.ID
		}
	}
	if err := r.PaymentManager.CreateLog(ctx, log); err != nil {
		return err
	}
	if len(companyID) > 0 {
		r.Orchestrator.publish(ctx, broker.Event{
			Kind:      broker.EventPaymentFailed,
			CompanyID: companyID,
			Amount:    evt.Amount,
			Currency:  evt.Currency,
		})
	}
	return nil
}
