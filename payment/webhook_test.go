package payment

import (
	"context"
	"testing"
	"time"

	"github.com/sheetwork/billing/gateway"
	"github.com/sheetwork/billing/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPaymentSucceededActivatesAndDedupes(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()

	created, err := h.orchestrator.CreatePayment(ctx, author("comp_1"), "plan_starter")
	require.NoError(t, err)

	evt := &gateway.Event{
		ID:              "evt_1",
		Kind:            gateway.EventPaymentSucceeded,
		OccurredAt:      time.Now(),
		PaymentIntentID: created.PaymentIntentID,
		Amount:          1000,
		Currency:        "usd",
	}
	require.NoError(t, h.reconciler.Handle(ctx, evt))

	sub, err := h.subscriptions.GetActive(ctx, "comp_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "plan_starter", sub.PlanID)

	txn, err := h.payments.GetTransactionByIntentID(ctx, created.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, TransactionSucceeded, txn.Status)
	assert.EqualValues(t, 1, h.countLogs(t))

	// redelivery of the same event changes nothing
	require.NoError(t, h.reconciler.Handle(ctx, evt))
	assert.EqualValues(t, 1, h.countSubscriptions(t, "comp_1"))
	assert.EqualValues(t, 1, h.countLogs(t))
}

func TestWebhookReconstructsLostTransaction(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()

	// the intent exists on the processor but the local transaction write
	// was lost; the event metadata carries enough to rebuild it
	evt := &gateway.Event{
		ID:              "evt_lost",
		Kind:            gateway.EventPaymentSucceeded,
		OccurredAt:      time.Now(),
		PaymentIntentID: "pi_lost",
		Amount:          1000,
		Currency:        "usd",
		Metadata: map[string]string{
			metaCompanyID: "comp_1",
			metaPlanID:    "plan_starter",
			metaUserID:    "user_1",
			metaPurpose:   purposeSubscription,
		},
	}
	require.NoError(t, h.reconciler.Handle(ctx, evt))

	txn, err := h.payments.GetTransactionByIntentID(ctx, "pi_lost")
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, TransactionSucceeded, txn.Status)

	sub, err := h.subscriptions.GetActive(ctx, "comp_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "plan_starter", sub.PlanID)
}

func TestWebhookPaymentSucceededUnmatched(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	evt := &gateway.Event{
		ID:              "evt_stray",
		Kind:            gateway.EventPaymentSucceeded,
		OccurredAt:      time.Now(),
		PaymentIntentID: "pi_stray",
		Amount:          999,
	}
	require.NoError(t, h.reconciler.Handle(ctx, evt))

	log, err := h.payments.GetPaymentLogByEventID(ctx, "evt_stray")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, LogStatusUnmatched, log.Status)
}

func TestWebhookPaymentFailed(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()

	created, err := h.orchestrator.CreatePayment(ctx, author("comp_1"), "plan_starter")
	require.NoError(t, err)

	evt := &gateway.Event{
		ID:              "evt_fail",
		Kind:            gateway.EventPaymentFailed,
		OccurredAt:      time.Now(),
		PaymentIntentID: created.PaymentIntentID,
		ErrorCode:       "card_declined",
		ErrorMessage:    "Your card was declined",
	}
	require.NoError(t, h.reconciler.Handle(ctx, evt))

	txn, err := h.payments.GetTransactionByIntentID(ctx, created.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, TransactionFailed, txn.Status)

	log, err := h.payments.GetPaymentLogByEventID(ctx, "evt_fail")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, LogStatusApplied, log.Status)
	assert.Equal(t, "card_declined", log.ErrorCode)

	require.NoError(t, h.reconciler.Handle(ctx, evt))
	assert.EqualValues(t, 1, h.countLogs(t))
}

func TestWebhookSubscriptionUpdatedStaleEventDoesNotOverwrite(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()
	seeded := seedActiveSubscription(t, h, "comp_1", "plan_starter", 15)
	require.NoError(t, h.db.Model(&subscription.Subscription{}).
		Where("id = ?", seeded.ID).
		Update("last_event_at", time.Now()).Error)

	evt := &gateway.Event{
		ID:                "evt_old",
		Kind:              gateway.EventSubscriptionUpdated,
		OccurredAt:        time.Now().Add(-time.Hour),
		SubscriptionID:    "sub_seed",
		CancelAtPeriodEnd: true,
	}
	require.NoError(t, h.reconciler.Handle(ctx, evt))

	sub, err := h.subscriptions.GetByID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)

	log, err := h.payments.GetPaymentLogByEventID(ctx, "evt_old")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, LogStatusStale, log.Status)
}

func TestWebhookSubscriptionUpdatedAppliesCancelFlag(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()
	seeded := seedActiveSubscription(t, h, "comp_1", "plan_starter", 15)

	occurred := time.Now().Add(time.Hour)
	evt := &gateway.Event{
		ID:                "evt_upd",
		Kind:              gateway.EventSubscriptionUpdated,
		OccurredAt:        occurred,
		SubscriptionID:    "sub_seed",
		CancelAtPeriodEnd: true,
		PeriodEnd:         seeded.EndDate,
	}
	require.NoError(t, h.reconciler.Handle(ctx, evt))

	sub, err := h.subscriptions.GetByID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, subscription.StateCancelling, sub.State(time.Now()))
	assert.WithinDuration(t, occurred, sub.LastEventAt, time.Second)
}

func TestWebhookSubscriptionDeletedExpiresCancelling(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()
	seeded := seedActiveSubscription(t, h, "comp_1", "plan_starter", 15)
	require.NoError(t, h.db.Model(&subscription.Subscription{}).
		Where("id = ?", seeded.ID).
		Update("cancel_at_period_end", true).Error)

	evt := &gateway.Event{
		ID:             "evt_del",
		Kind:           gateway.EventSubscriptionDeleted,
		OccurredAt:     time.Now().Add(time.Hour),
		SubscriptionID: "sub_seed",
	}
	require.NoError(t, h.reconciler.Handle(ctx, evt))

	sub, err := h.subscriptions.GetByID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.True(t, sub.IsExpired)
	assert.Equal(t, subscription.StateExpired, sub.State(time.Now()))

	// redelivery is a no-op
	require.NoError(t, h.reconciler.Handle(ctx, evt))
	assert.EqualValues(t, 1, h.countLogs(t))

	// a second deletion event for the already expired row is only recorded
	second := &gateway.Event{
		ID:             "evt_del_2",
		Kind:           gateway.EventSubscriptionDeleted,
		OccurredAt:     time.Now().Add(2 * time.Hour),
		SubscriptionID: "sub_seed",
	}
	require.NoError(t, h.reconciler.Handle(ctx, second))
	log, err := h.payments.GetPaymentLogByEventID(ctx, "evt_del_2")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, LogStatusIgnored, log.Status)
}

func TestWebhookInvoicePaymentFailedRecordsOnly(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()
	seeded := seedActiveSubscription(t, h, "comp_1", "plan_starter", 15)

	evt := &gateway.Event{
		ID:             "evt_inv",
		Kind:           gateway.EventInvoicePaymentFailed,
		OccurredAt:     time.Now(),
		SubscriptionID: "sub_seed",
		Amount:         1000,
		ErrorCode:      "card_declined",
	}
	require.NoError(t, h.reconciler.Handle(ctx, evt))

	sub, err := h.subscriptions.GetByID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.False(t, sub.IsExpired)
	assert.Equal(t, subscription.StateActive, sub.State(time.Now()))

	log, err := h.payments.GetPaymentLogByEventID(ctx, "evt_inv")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, LogStatusFailed, log.Status)
	assert.Equal(t, seeded.ID, log.SubscriptionID)
}

func TestWebhookUnknownKindRecordedAsIgnored(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	evt := &gateway.Event{
		ID:         "evt_other",
		Kind:       gateway.EventKind("charge.refunded"),
		OccurredAt: time.Now(),
	}
	require.NoError(t, h.reconciler.Handle(ctx, evt))

	log, err := h.payments.GetPaymentLogByEventID(ctx, "evt_other")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, LogStatusIgnored, log.Status)
}
