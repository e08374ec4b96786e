package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const countsCacheTTL = time.Minute

// ManagerOptions contains the configuration for the usage Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Redis  redis.UniversalClient
	Logger *zap.Logger
}

// Manager computes a company's current resource counts. Counts are cached in
// Redis for a short time as they feed a report, not an enforcement decision;
// nothing here is used for idempotency.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for resource usage
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func cacheKey(companyID string) string {
	return "usage:counts:" + companyID
}

// CountForCompany returns the company's current resource counts
func (m *Manager) CountForCompany(ctx context.Context, companyID string) (*Counts, error) {
	if len(companyID) == 0 {
		return nil, fmt.Errorf("empty CompanyID is invalid")
	}

	if m.Redis != nil {
		cached, err := m.Redis.Get(cacheKey(companyID)).Result()
		if err == nil {
			var counts Counts
			if err := json.Unmarshal([]byte(cached), &counts); err == nil {
				return &counts, nil
			}
		} else if err != redis.Nil {
			m.Logger.Warn("Redis returned error, falling back to database",
				zap.Error(err),
			)
		}
	}

	counts := &Counts{}
	queries := []struct {
		table string
		dest  *int64
	}{
		{"workspaces", &counts.Workspaces},
		{"sheets", &counts.Sheets},
		{"members", &counts.Members},
		{"viewers", &counts.Viewers},
		{"tasks", &counts.Tasks},
	}
	for _, q := range queries {
		result := m.DB.WithContext(ctx).
			Table(q.table).
			Where("company_id = ?", companyID).
			Count(q.dest)
		if result.Error != nil {
			m.Logger.Error("Database returned error",
				zap.Error(result.Error),
				zap.String("Table", q.table),
			)
			return nil, extErrors.Wrap(result.Error, "Cannot count company resources")
		}
	}

	if m.Redis != nil {
		encoded, err := json.Marshal(counts)
		if err == nil {
			if err := m.Redis.Set(cacheKey(companyID), encoded, countsCacheTTL).Err(); err != nil {
				m.Logger.Warn("Unable to cache resource counts",
					zap.Error(err),
				)
			}
		}
	}

	return counts, nil
}
