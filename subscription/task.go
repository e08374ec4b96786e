package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/sheetwork/billing/broker"
	"github.com/sheetwork/billing/health"

	"go.uber.org/zap"
)

// TaskOptions contains the configuration for the expiry sweep Task
type TaskOptions struct {
	SubscriptionManager *Manager
	Publisher           broker.Publisher
	Logger              *zap.Logger
}

// Task is the periodic sweep expiring subscriptions whose paid period has run
// out. Expiry normally arrives via the processor's subscription.deleted event;
// the sweep catches rows whose events were lost.
type Task struct {
	TaskOptions
}

// NewTask returns a new Task for the expiry sweep
func NewTask(option TaskOptions) (*Task, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// ExpireSubscriptions marks every overdue subscription as expired and
// publishes an expiry event for each
func (t *Task) ExpireSubscriptions(ctx context.Context) error {
	expired, err := t.SubscriptionManager.ExpireDue(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	t.Logger.Info("Expired overdue subscriptions",
		zap.Int("Count", len(expired)),
	)
	health.SubscriptionsExpiredTotal.Add(float64(len(expired)))

	if t.Publisher == nil {
		return nil
	}
	for _, sub := range expired {
		evt := broker.Event{
			Kind:           broker.EventSubscriptionExpired,
			CompanyID:      sub.CompanyID,
			SubscriptionID: sub.ID,
			PlanID:         sub.PlanID,
			OccurredAt:     time.Now(),
		}
		if err := t.Publisher.PublishBillingEvent(ctx, evt); err != nil {
			t.Logger.Warn("Unable to publish expiry event",
				zap.Error(err),
				zap.String("SubscriptionID", sub.ID),
			)
		}
	}
	return nil
}
