package company

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheetwork/billing/gateway"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ManagerOptions contains the configuration for the company Manager
type ManagerOptions struct {
	DB      *gorm.DB
	Gateway gateway.Gateway
	Logger  *zap.Logger
}

// Manager handles the database operations relating to Companies
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for companies
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Company{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize company.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// GetByID will try to return the company in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Company, error) {
	var comp Company

	result := m.DB.WithContext(ctx).First(&comp, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get company by id")
	}

	return &comp, nil
}

// GetByExternalCustomerID will try to return the company by its processor customer id
func (m *Manager) GetByExternalCustomerID(ctx context.Context, customerID string) (*Company, error) {
	var comp Company

	result := m.DB.WithContext(ctx).First(&comp, "external_customer_id = ?", customerID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get company by customer id")
	}

	return &comp, nil
}

// EnsureExternalCustomer returns the company's processor customer id, lazily
// creating it on the first call. Once set it is never recreated; a concurrent
// first call loses the guarded update and returns the winner's id.
func (m *Manager) EnsureExternalCustomer(ctx context.Context, companyID string) (string, error) {
	comp, err := m.GetByID(ctx, companyID)
	if err != nil {
		return "", err
	}
	if comp == nil {
		return "", fmt.Errorf("no company with id %s", companyID)
	}
	if len(comp.ExternalCustomerID) > 0 {
		return comp.ExternalCustomerID, nil
	}

	customerID, err := m.Gateway.CreateCustomer(ctx, gateway.CreateCustomerOptions{
		CompanyID: comp.ID,
		Name:      comp.Name,
		Email:     comp.BillingEmail,
	})
	if err != nil {
		m.Logger.Error("Unable to create external customer",
			zap.Error(err),
			zap.String("CompanyID", companyID),
		)
		return "", extErrors.Wrap(err, "Cannot create external customer")
	}

	result := m.DB.WithContext(ctx).
		Model(&Company{}).
		Where("id = ? AND (external_customer_id IS NULL OR external_customer_id = '')", companyID).
		Update("external_customer_id", customerID)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return "", extErrors.Wrap(result.Error, "Cannot persist external customer id")
	}
	if result.RowsAffected == 0 {
		// another worker won the race, use theirs
		winner, err := m.GetByID(ctx, companyID)
		if err != nil {
			return "", err
		}
		if winner == nil || len(winner.ExternalCustomerID) == 0 {
			return "", fmt.Errorf("external customer id vanished for company %s", companyID)
		}
		m.Logger.Warn("Concurrent external customer creation detected",
			zap.String("CompanyID", companyID),
			zap.String("Kept", winner.ExternalCustomerID),
			zap.String("Orphaned", customerID),
		)
		return winner.ExternalCustomerID, nil
	}

	return customerID, nil
}
