package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManagerOptions contains the configuration for the subscription Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Subscriptions
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for subscriptions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	// a company may only ever hold one non-expired subscription; the second
	// concurrent writer loses with a unique violation
	if err := option.DB.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_subscription_per_company ON subscriptions (company_id) WHERE is_expired = false",
	).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot create partial unique index on subscriptions")
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

// Create will persist a new subscription row
func (m *Manager) Create(ctx context.Context, sub *Subscription) error {
	result := m.DB.WithContext(ctx).Create(sub)
	if result.Error != nil {
		m.Logger.Error("Unable to create new subscription in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create subscription")
	}
	return nil
}

// GetActive returns the company's single active subscription, or nil if the
// company has none (expired rows and rows past their end date don't count)
func (m *Manager) GetActive(ctx context.Context, companyID string) (*Subscription, error) {
	if len(companyID) == 0 {
		return nil, fmt.Errorf("empty CompanyID is invalid")
	}
	var sub Subscription
	result := m.DB.WithContext(ctx).
		Where("company_id = ?", companyID).
		Where("is_expired = ?", false).
		Where("end_date > ?", time.Now()).
		First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get active subscription")
	}

	return &sub, nil
}

// GetByID will try to return the subscription in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}

	return &sub, nil
}

// GetByExternalID will try to return the subscription by the processor's subscription id
func (m *Manager) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).
		Order("created_at desc").
		First(&sub, "external_subscription_id = ?", externalID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by external id")
	}

	return &sub, nil
}

// ListOption specifies how to list a company's subscription history
type ListOption struct {
	CompanyID string
	Before    time.Time
	Limit     int
}

// List returns a company's subscription rows, newest first
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Subscription, error) {
	if len(opt.CompanyID) == 0 {
		return nil, fmt.Errorf("ListOption.CompanyID is required")
	}
	baseQuery := m.DB.WithContext(ctx).
		Order("created_at desc").
		Where("company_id = ?", opt.CompanyID)
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	if !opt.Before.IsZero() {
		baseQuery = baseQuery.Where("created_at < ?", opt.Before)
	}

	results := make([]Subscription, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// LambdaUpdateFunc is used when a transaction is required for update. shouldSave
// determines if the Manager should commit the changes; returnError is handed
// back to the caller untouched. current is nil if no Subscription with the
// given id was found.
type LambdaUpdateFunc func(current *Subscription, desired *Subscription) (shouldSave bool, returnError error)

// LambdaUpdateResult carries the outcome of a LambdaUpdate
type LambdaUpdateResult struct {
	Subscription *Subscription
	ReturnError  error
	TxError      error
}

// LambdaUpdate will perform a transactional update based on the lambda
// function. The selected Subscription will be locked with FOR UPDATE.
func (m *Manager) LambdaUpdate(ctx context.Context, id string, lambda LambdaUpdateFunc) LambdaUpdateResult {
	var res LambdaUpdateResult
	res.TxError = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Subscription
		lookupRes := lockForUpdate(tx).
			First(&current, "id = ?", id)
		if lookupRes.Error == nil {
			desired := current
			shouldSave, returnError := lambda(&current, &desired)
			res.ReturnError = returnError
			if shouldSave {
				if saveRes := tx.Save(&desired); saveRes.Error != nil {
					return saveRes.Error
				}
				res.Subscription = &desired
			}
			return nil
		} else if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			_, returnError := lambda(nil, nil)
			res.ReturnError = returnError
			return nil
		}
		return lookupRes.Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	return res
}

// ExpireDue marks every subscription whose end date has passed as expired and
// returns the affected rows. Used by the periodic sweep.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time) ([]Subscription, error) {
	due := make([]Subscription, 0, 4)
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupRes := lockForUpdate(tx).
			Where("is_expired = ?", false).
			Where("end_date <= ?", now).
			Find(&due)
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		if len(due) == 0 {
			return nil
		}
		ids := make([]string, 0, len(due))
		for k := range due {
			due[k].IsExpired = true
			ids = append(ids, due[k].ID)
		}
		updateRes := tx.Model(&Subscription{}).
			Where("id IN ?", ids).
			Update("is_expired", true)
		return updateRes.Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		m.Logger.Error("Unable to expire due subscriptions",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot expire due subscriptions")
	}
	return due, nil
}
