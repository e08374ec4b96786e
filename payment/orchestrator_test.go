package payment

import (
	"context"
	"testing"
	"time"

	"github.com/sheetwork/billing/auth"
	"github.com/sheetwork/billing/gateway"
	resp "github.com/sheetwork/billing/response"
	"github.com/sheetwork/billing/subscription"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedActiveSubscription(t *testing.T, h *testHarness, companyID, planID string, daysLeft int) *subscription.Subscription {
	t.Helper()
	now := time.Now()
	sub := &subscription.Subscription{
		ID:                     uuid.New().String(),
		CompanyID:              companyID,
		PlanID:                 planID,
		StartDate:              now.AddDate(0, 0, daysLeft-30),
		EndDate:                now.AddDate(0, 0, daysLeft),
		ExternalSubscriptionID: "sub_seed",
		ExternalItemID:         "si_seed",
		LastEventAt:            now.AddDate(0, 0, daysLeft-30),
	}
	require.NoError(t, h.subscriptions.Create(context.Background(), sub))
	return sub
}

func TestCreatePaymentNewSubscription(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")

	result, err := h.orchestrator.CreatePayment(context.Background(), author("comp_1"), "plan_starter")
	require.NoError(t, err)
	assert.NotEmpty(t, result.ClientSecret)
	assert.NotEmpty(t, result.PaymentIntentID)
	assert.False(t, result.IsUpgrade)
	assert.EqualValues(t, 1000, result.ProrationAmount)

	txn, err := h.payments.GetTransactionByIntentID(context.Background(), result.PaymentIntentID)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, TransactionPending, txn.Status)
	assert.Equal(t, "comp_1", txn.CompanyID)
	assert.EqualValues(t, 1000, txn.Amount)
	assert.False(t, txn.Upgrade)
}

func TestCreatePaymentRequiresCompanyAuthor(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")

	member := auth.Actor{
		UserID: "user_2",
		Role: auth.Role{
			Type:      auth.RoleCompanyMember,
			CompanyID: "comp_1",
		},
	}
	_, err := h.orchestrator.CreatePayment(context.Background(), member, "plan_starter")
	e, ok := resp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 403, e.StatusCode)
	assert.Equal(t, "not_company_author", e.Code)
}

func TestCreatePaymentUnknownOrRetiredPlan(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")

	_, err := h.orchestrator.CreatePayment(context.Background(), author("comp_1"), "plan_nope")
	e, ok := resp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "plan_not_found", e.Code)

	_, err = h.orchestrator.CreatePayment(context.Background(), author("comp_1"), "plan_legacy")
	e, ok = resp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "plan_not_found", e.Code)
}

func TestCreatePaymentSamePlanRejected(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	seedActiveSubscription(t, h, "comp_1", "plan_starter", 15)

	_, err := h.orchestrator.CreatePayment(context.Background(), author("comp_1"), "plan_starter")
	e, ok := resp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "active_subscription_exists", e.Code)
}

func TestConfirmPaymentActivatesSubscription(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()

	created, err := h.orchestrator.CreatePayment(ctx, author("comp_1"), "plan_business")
	require.NoError(t, err)
	h.gateway.setIntentStatus(created.PaymentIntentID, gateway.IntentSucceeded)

	confirmed, err := h.orchestrator.ConfirmPayment(ctx, created.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, string(TransactionSucceeded), confirmed.Status)
	assert.NotEmpty(t, confirmed.SubscriptionID)
	assert.EqualValues(t, 2000, confirmed.Amount)

	sub, err := h.subscriptions.GetActive(ctx, "comp_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "plan_business", sub.PlanID)
	assert.Equal(t, subscription.StateActive, sub.State(time.Now()))
	assert.NotEmpty(t, sub.ExternalSubscriptionID)

	comp, err := h.companies.GetByID(ctx, "comp_1")
	require.NoError(t, err)
	assert.Equal(t, "plan_business", comp.PlanID)

	assert.Len(t, h.gateway.createdSubscriptions, 1)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()

	created, err := h.orchestrator.CreatePayment(ctx, author("comp_1"), "plan_starter")
	require.NoError(t, err)
	h.gateway.setIntentStatus(created.PaymentIntentID, gateway.IntentSucceeded)

	first, err := h.orchestrator.ConfirmPayment(ctx, created.PaymentIntentID)
	require.NoError(t, err)
	second, err := h.orchestrator.ConfirmPayment(ctx, created.PaymentIntentID)
	require.NoError(t, err)

	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.EqualValues(t, 1, h.countSubscriptions(t, "comp_1"))
	// the mirror is created once, the duplicate confirm never reaches the
	// processor
	assert.Len(t, h.gateway.createdSubscriptions, 1)
}

func TestConfirmPaymentFailedIntent(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()

	created, err := h.orchestrator.CreatePayment(ctx, author("comp_1"), "plan_starter")
	require.NoError(t, err)
	h.gateway.setIntentStatus(created.PaymentIntentID, gateway.IntentFailed)

	_, err = h.orchestrator.ConfirmPayment(ctx, created.PaymentIntentID)
	e, ok := resp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "payment_intent_failed", e.Code)

	txn, err := h.payments.GetTransactionByIntentID(ctx, created.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, TransactionFailed, txn.Status)

	// terminal status holds on repeat confirms
	_, err = h.orchestrator.ConfirmPayment(ctx, created.PaymentIntentID)
	e, ok = resp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "payment_intent_failed", e.Code)
}

func TestConfirmPaymentIncompleteIntent(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()

	created, err := h.orchestrator.CreatePayment(ctx, author("comp_1"), "plan_starter")
	require.NoError(t, err)

	_, err = h.orchestrator.ConfirmPayment(ctx, created.PaymentIntentID)
	e, ok := resp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "payment_intent_incomplete", e.Code)
	assert.True(t, e.Retryable)
}

func TestConfirmPaymentUnknownIntent(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.orchestrator.ConfirmPayment(context.Background(), "pi_unknown")
	e, ok := resp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 404, e.StatusCode)
	assert.Equal(t, "payment_intent_not_found", e.Code)
}

func TestUpgradeWithProration(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()
	seeded := seedActiveSubscription(t, h, "comp_1", "plan_starter", 15)

	created, err := h.orchestrator.CreatePayment(ctx, author("comp_1"), "plan_business")
	require.NoError(t, err)
	assert.True(t, created.IsUpgrade)
	assert.EqualValues(t, 500, created.ProrationAmount)
	assert.NotEmpty(t, created.ClientSecret)

	h.gateway.setIntentStatus(created.PaymentIntentID, gateway.IntentSucceeded)
	confirmed, err := h.orchestrator.ConfirmPayment(ctx, created.PaymentIntentID)
	require.NoError(t, err)

	// the upgrade keeps the subscription row and its billing period
	assert.Equal(t, seeded.ID, confirmed.SubscriptionID)
	sub, err := h.subscriptions.GetByID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan_business", sub.PlanID)
	assert.WithinDuration(t, seeded.EndDate, sub.EndDate, time.Second)
	assert.EqualValues(t, 1, h.countSubscriptions(t, "comp_1"))

	require.Len(t, h.gateway.priceUpdates, 1)
	assert.Equal(t, "price_business", h.gateway.priceUpdates[0].PriceID)
}

func TestDowngradeAppliesImmediately(t *testing.T) {
	h := newTestHarness(t)
	h.createCompany(t, "comp_1")
	ctx := context.Background()
	seeded := seedActiveSubscription(t, h, "comp_1", "plan_business", 15)

	result, err := h.orchestrator.CreatePayment(ctx, author("comp_1"), "plan_starter")
	require.NoError(t, err)
	assert.True(t, result.IsUpgrade)
	assert.EqualValues(t, 0, result.ProrationAmount)
	assert.Empty(t, result.ClientSecret)
	assert.Equal(t, seeded.ID, result.SubscriptionID)

	sub, err := h.subscriptions.GetByID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan_starter", sub.PlanID)

	// a zero-amount audit transaction is recorded
	txns, err := h.payments.ListTransactions(ctx, "comp_1", 0)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, TransactionSucceeded, txns[0].Status)
	assert.EqualValues(t, 0, txns[0].Amount)
	assert.True(t, txns[0].Upgrade)

	require.Len(t, h.gateway.priceUpdates, 1)
	assert.Equal(t, "price_starter", h.gateway.priceUpdates[0].PriceID)
}
