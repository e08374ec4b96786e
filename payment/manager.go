package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sheetwork/billing/company"
	"github.com/sheetwork/billing/plan"
	"github.com/sheetwork/billing/subscription"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManagerOptions contains the configuration for the payment Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Transactions and
// PaymentLogs, including the transactional activation of subscriptions
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for payments
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Transaction{}, &PaymentLog{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize payment.Manager")
	}
	// zero-amount transactions carry no intent; only real intents must be unique
	if err := option.DB.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS uniq_transaction_intent ON transactions (external_payment_intent_id) WHERE external_payment_intent_id <> ''",
	).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot create partial unique index on transactions")
	}
	// failure records have no event id so that a redelivery is not deduplicated
	// against them and can still be applied
	if err := option.DB.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS uniq_payment_log_event ON payment_logs (external_event_id) WHERE external_event_id <> ''",
	).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot create partial unique index on payment_logs")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// lockForUpdate takes a row lock on backends that support it. The sqlite
// backend used in tests is single-writer, so the lock is a no-op there.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// gorm v1 has no typed duplicate-key error, so both backends are matched on
// their message
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// CreateTransaction will persist a new transaction row
func (m *Manager) CreateTransaction(ctx context.Context, txn *Transaction) error {
	result := m.DB.WithContext(ctx).Create(txn)
	if result.Error != nil {
		m.Logger.Error("Unable to create new transaction in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create transaction")
	}
	return nil
}

// GetTransactionByID will try to return the transaction by id
func (m *Manager) GetTransactionByID(ctx context.Context, id string) (*Transaction, error) {
	var txn Transaction
	result := m.DB.WithContext(ctx).First(&txn, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get transaction by id")
	}

	return &txn, nil
}

// GetTransactionByIntentID will try to return the transaction holding the
// processor's payment intent id
func (m *Manager) GetTransactionByIntentID(ctx context.Context, intentID string) (*Transaction, error) {
	if len(intentID) == 0 {
		return nil, fmt.Errorf("empty intentID is invalid")
	}
	var txn Transaction
	result := m.DB.WithContext(ctx).First(&txn, "external_payment_intent_id = ?", intentID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get transaction by intent id")
	}

	return &txn, nil
}

// ListTransactions returns a company's transactions, newest first
func (m *Manager) ListTransactions(ctx context.Context, companyID string, limit int) ([]Transaction, error) {
	if len(companyID) == 0 {
		return nil, fmt.Errorf("empty CompanyID is invalid")
	}
	baseQuery := m.DB.WithContext(ctx).
		Order("created_at desc").
		Where("company_id = ?", companyID)
	if limit > 0 {
		baseQuery = baseQuery.Limit(limit)
	}
	results := make([]Transaction, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list transactions")
	}
	return results, nil
}

// GetPaymentLogByEventID will try to return the payment log row recorded for
// the processor's event id. This is the replay check for webhook handling.
func (m *Manager) GetPaymentLogByEventID(ctx context.Context, eventID string) (*PaymentLog, error) {
	if len(eventID) == 0 {
		return nil, fmt.Errorf("empty eventID is invalid")
	}
	var log PaymentLog
	result := m.DB.WithContext(ctx).First(&log, "external_event_id = ?", eventID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get payment log by event id")
	}

	return &log, nil
}

// CreateLog appends a payment log row outside of any mutation. Used for
// outcomes that change no billing state (stale, unmatched, ignored, failed).
func (m *Manager) CreateLog(ctx context.Context, log *PaymentLog) error {
	if len(log.ID) == 0 {
		log.ID = uuid.New().String()
	}
	result := m.DB.WithContext(ctx).Create(log)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return nil
		}
		m.Logger.Error("Unable to append payment log",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot append payment log")
	}
	return nil
}

// CommitEvent appends the payment log row and runs mutate in the same
// serializable transaction, so an event is applied exactly once: if the log
// row already exists the whole commit is a no-op.
func (m *Manager) CommitEvent(ctx context.Context, log *PaymentLog, mutate func(tx *gorm.DB) error) error {
	if log == nil {
		return fmt.Errorf("nil log is invalid")
	}
	if len(log.ID) == 0 {
		log.ID = uuid.New().String()
	}
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Create(log); result.Error != nil {
			return result.Error
		}
		if mutate != nil {
			return mutate(tx)
		}
		return nil
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		if isUniqueViolation(err) {
			// another delivery of the same event won
			return nil
		}
		m.Logger.Error("Unable to commit payment event",
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot commit payment event")
	}
	return nil
}

// ActivateOptions specifies how to apply a successful payment
type ActivateOptions struct {
	TransactionID          string
	Plan                   plan.Plan
	Upgrade                bool
	ExternalSubscriptionID string
	ExternalItemID         string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	EventTime              time.Time
	EventLog               *PaymentLog
}

// ActivateResult carries the outcome of ActivateSubscription
type ActivateResult struct {
	Subscription   *subscription.Subscription
	Transaction    *Transaction
	AlreadyApplied bool
}

// ActivateSubscription applies a successful payment in one serializable
// transaction: the pending transaction flips to SUCCEEDED, the company's
// subscription is created or upgraded, and the company's plan pointer moves.
// Calling it again for the same transaction returns the recorded outcome
// without side effects. A unique violation from a concurrent writer is
// resolved by reading the winner's outcome.
func (m *Manager) ActivateSubscription(ctx context.Context, opt ActivateOptions) (*ActivateResult, error) {
	if len(opt.TransactionID) == 0 {
		return nil, fmt.Errorf("empty TransactionID is invalid")
	}
	if len(opt.Plan.ID) == 0 {
		return nil, fmt.Errorf("empty Plan is invalid")
	}
	now := time.Now()
	if opt.PeriodStart.IsZero() {
		opt.PeriodStart = now
	}
	if opt.PeriodEnd.IsZero() {
		opt.PeriodEnd = opt.PeriodStart.AddDate(0, 0, plan.BillingCycleDays)
	}
	if opt.EventTime.IsZero() {
		opt.EventTime = now
	}
	if opt.EventLog != nil && len(opt.EventLog.ID) == 0 {
		opt.EventLog.ID = uuid.New().String()
	}

	var res ActivateResult
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn Transaction
		lookupRes := lockForUpdate(tx).
			First(&txn, "id = ?", opt.TransactionID)
		if lookupRes.Error != nil {
			return lookupRes.Error
		}

		if txn.Status == TransactionSucceeded {
			res.AlreadyApplied = true
			res.Transaction = &txn
			var existing subscription.Subscription
			subRes := tx.
				Where("company_id = ?", txn.CompanyID).
				Where("is_expired = ?", false).
				First(&existing)
			if subRes.Error == nil {
				res.Subscription = &existing
			} else if !errors.Is(subRes.Error, gorm.ErrRecordNotFound) {
				return subRes.Error
			}
			if opt.EventLog != nil {
				if result := tx.Create(opt.EventLog); result.Error != nil {
					return result.Error
				}
			}
			return nil
		}
		if txn.Status == TransactionFailed {
			return fmt.Errorf("transaction %s has already failed", txn.ID)
		}

		var current subscription.Subscription
		curRes := lockForUpdate(tx).
			Where("company_id = ?", txn.CompanyID).
			Where("is_expired = ?", false).
			First(&current)
		hasCurrent := curRes.Error == nil
		if curRes.Error != nil && !errors.Is(curRes.Error, gorm.ErrRecordNotFound) {
			return curRes.Error
		}

		if opt.Upgrade && hasCurrent {
			// an upgrade keeps the billing period, only the plan moves
			current.PlanID = opt.Plan.ID
			current.LastEventAt = opt.EventTime
			if len(opt.ExternalItemID) > 0 {
				current.ExternalItemID = opt.ExternalItemID
			}
			if saveRes := tx.Save(&current); saveRes.Error != nil {
				return saveRes.Error
			}
			res.Subscription = &current
		} else {
			if hasCurrent {
				current.IsExpired = true
				current.LastEventAt = opt.EventTime
				if saveRes := tx.Save(&current); saveRes.Error != nil {
					return saveRes.Error
				}
			}
			fresh := &subscription.Subscription{
				ID:                     uuid.New().String(),
				CompanyID:              txn.CompanyID,
				PlanID:                 opt.Plan.ID,
				StartDate:              opt.PeriodStart,
				EndDate:                opt.PeriodEnd,
				ExternalSubscriptionID: opt.ExternalSubscriptionID,
				ExternalItemID:         opt.ExternalItemID,
				LastEventAt:            opt.EventTime,
			}
			if createRes := tx.Create(fresh); createRes.Error != nil {
				return createRes.Error
			}
			res.Subscription = fresh
		}

		txn.Status = TransactionSucceeded
		if saveRes := tx.Save(&txn); saveRes.Error != nil {
			return saveRes.Error
		}
		res.Transaction = &txn

		updRes := tx.Model(&company.Company{}).
			Where("id = ?", txn.CompanyID).
			Update("plan_id", opt.Plan.ID)
		if updRes.Error != nil {
			return updRes.Error
		}

		if opt.EventLog != nil {
			if result := tx.Create(opt.EventLog); result.Error != nil {
				return result.Error
			}
		}
		return nil
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})

	if err != nil {
		if isUniqueViolation(err) {
			return m.readApplied(ctx, opt.TransactionID)
		}
		m.Logger.Error("Unable to activate subscription",
			zap.Error(err),
			zap.String("TransactionID", opt.TransactionID),
		)
		return nil, extErrors.Wrap(err, "Cannot activate subscription")
	}
	return &res, nil
}

// readApplied resolves a lost race by returning the state the winning writer
// committed
func (m *Manager) readApplied(ctx context.Context, transactionID string) (*ActivateResult, error) {
	var txn Transaction
	if result := m.DB.WithContext(ctx).First(&txn, "id = ?", transactionID); result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot resolve activation race")
	}
	res := &ActivateResult{
		Transaction:    &txn,
		AlreadyApplied: true,
	}
	var sub subscription.Subscription
	subRes := m.DB.WithContext(ctx).
		Where("company_id = ?", txn.CompanyID).
		Where("is_expired = ?", false).
		First(&sub)
	if subRes.Error == nil {
		res.Subscription = &sub
	} else if !errors.Is(subRes.Error, gorm.ErrRecordNotFound) {
		return nil, extErrors.Wrap(subRes.Error, "Cannot resolve activation race")
	}
	return res, nil
}

// ImmediateUpgradeOptions specifies a plan change that collects no payment
type ImmediateUpgradeOptions struct {
	SubscriptionID string
	CompanyID      string
	UserID         string
	Plan           plan.Plan
}

// ApplyImmediateUpgrade moves an active subscription to the given plan without
// collecting payment, recording a zero-amount transaction for the audit trail
func (m *Manager) ApplyImmediateUpgrade(ctx context.Context, opt ImmediateUpgradeOptions) (*subscription.Subscription, *Transaction, error) {
	if len(opt.SubscriptionID) == 0 {
		return nil, nil, fmt.Errorf("empty SubscriptionID is invalid")
	}
	if len(opt.Plan.ID) == 0 {
		return nil, nil, fmt.Errorf("empty Plan is invalid")
	}
	var (
		updated subscription.Subscription
		txn     Transaction
	)
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupRes := lockForUpdate(tx).
			First(&updated, "id = ?", opt.SubscriptionID)
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		if updated.IsExpired {
			return fmt.Errorf("subscription %s is expired", updated.ID)
		}

		updated.PlanID = opt.Plan.ID
		updated.LastEventAt = time.Now()
		if saveRes := tx.Save(&updated); saveRes.Error != nil {
			return saveRes.Error
		}

		txn = Transaction{
			ID:        shortuuid.New(),
			CompanyID: updated.CompanyID,
			UserID:    opt.UserID,
			PlanID:    opt.Plan.ID,
			Amount:    0,
			Currency:  opt.Plan.Currency,
			Status:    TransactionSucceeded,
			Upgrade:   true,
		}
		if createRes := tx.Create(&txn); createRes.Error != nil {
			return createRes.Error
		}

		updRes := tx.Model(&company.Company{}).
			Where("id = ?", updated.CompanyID).
			Update("plan_id", opt.Plan.ID)
		return updRes.Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		m.Logger.Error("Unable to apply immediate upgrade",
			zap.Error(err),
			zap.String("SubscriptionID", opt.SubscriptionID),
		)
		return nil, nil, extErrors.Wrap(err, "Cannot apply immediate upgrade")
	}
	return &updated, &txn, nil
}

// MarkTransactionFailed flips a pending transaction to FAILED. A transaction
// that already succeeded is left untouched and reported back.
func (m *Manager) MarkTransactionFailed(ctx context.Context, transactionID string) (*Transaction, error) {
	var txn Transaction
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupRes := lockForUpdate(tx).
			First(&txn, "id = ?", transactionID)
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		if txn.Status != TransactionPending {
			return nil
		}
		txn.Status = TransactionFailed
		return tx.Save(&txn).Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		m.Logger.Error("Unable to mark transaction as failed",
			zap.Error(err),
			zap.String("TransactionID", transactionID),
		)
		return nil, extErrors.Wrap(err, "Cannot mark transaction as failed")
	}
	return &txn, nil
}
