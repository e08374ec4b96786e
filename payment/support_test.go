package payment

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sheetwork/billing/auth"
	"github.com/sheetwork/billing/company"
	"github.com/sheetwork/billing/gateway"
	"github.com/sheetwork/billing/plan"
	"github.com/sheetwork/billing/subscription"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testPlansJSON = `[
	{
		"id": "plan_starter",
		"name": "Starter",
		"description": "For small teams",
		"price": 1000,
		"currency": "usd",
		"interval": "month",
		"limits": {"maxWorkspaces": 1, "maxSheets": 10, "maxMembers": 5, "maxViewers": 10, "maxTasks": 500},
		"externalProductId": "prod_starter",
		"externalPriceId": "price_starter"
	},
	{
		"id": "plan_business",
		"name": "Business",
		"description": "For growing teams",
		"price": 2000,
		"currency": "usd",
		"interval": "month",
		"limits": {"maxWorkspaces": 5, "maxSheets": 100, "maxMembers": 25, "maxViewers": 100, "maxTasks": 10000},
		"externalProductId": "prod_business",
		"externalPriceId": "price_business"
	},
	{
		"id": "plan_legacy",
		"name": "Legacy",
		"description": "No longer sold",
		"price": 500,
		"currency": "usd",
		"interval": "month",
		"limits": {"maxWorkspaces": 1, "maxSheets": 5, "maxMembers": 2, "maxViewers": 5, "maxTasks": 100},
		"externalProductId": "prod_legacy",
		"externalPriceId": "price_legacy",
		"retired": true
	}
]`

var testDBSeq int32

// each test gets its own named in-memory database so state never bleeds
// between tests sharing the process
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("file:payment_test_%d?mode=memory&cache=shared", atomic.AddInt32(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{})
	require.NoError(t, err)
	pool, err := db.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)
	return db
}

func testCatalog(t *testing.T) *plan.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.json")
	require.NoError(t, ioutil.WriteFile(path, []byte(testPlansJSON), 0644))
	catalog, err := plan.NewCatalog(plan.CatalogOptions{
		Logger:         zap.NewNop(),
		PathToPlanJSON: path,
		SkipSync:       true,
	})
	require.NoError(t, err)
	return catalog
}

type fakeGateway struct {
	mu                   sync.Mutex
	intentSeq            int
	subSeq               int
	intents              map[string]*gateway.Intent
	createdSubscriptions []gateway.CreateSubscriptionOptions
	priceUpdates         []gateway.UpdatePriceOptions
	cancelled            []string
	cancelFlags          map[string]bool
}

var _ gateway.Gateway = &fakeGateway{}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intents:     make(map[string]*gateway.Intent),
		cancelFlags: make(map[string]bool),
	}
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, opt gateway.CreateCustomerOptions) (string, error) {
	return "cus_" + opt.CompanyID, nil
}

func (g *fakeGateway) CreatePaymentIntent(ctx context.Context, opt gateway.CreateIntentOptions) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intentSeq++
	id := fmt.Sprintf("pi_%d", g.intentSeq)
	metadata := make(map[string]string, len(opt.Metadata))
	for k, v := range opt.Metadata {
		metadata[k] = v
	}
	intent := &gateway.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Amount:       opt.Amount,
		Currency:     opt.Currency,
		Status:       gateway.IntentRequiresAction,
		Metadata:     metadata,
	}
	g.intents[id] = intent
	return intent, nil
}

func (g *fakeGateway) GetPaymentIntent(ctx context.Context, id string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[id]
	if !ok {
		return nil, fmt.Errorf("no such intent %s", id)
	}
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) setIntentStatus(id string, status gateway.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[id].Status = status
}

func (g *fakeGateway) CreateSubscription(ctx context.Context, opt gateway.CreateSubscriptionOptions) (*gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subSeq++
	g.createdSubscriptions = append(g.createdSubscriptions, opt)
	now := time.Now()
	periodEnd := now.AddDate(0, 0, plan.BillingCycleDays)
	if opt.TrialDays > 0 {
		periodEnd = now.AddDate(0, 0, int(opt.TrialDays))
	}
	return &gateway.Subscription{
		ID:          fmt.Sprintf("sub_%d", g.subSeq),
		ItemID:      fmt.Sprintf("si_%d", g.subSeq),
		CustomerID:  opt.CustomerID,
		Status:      "active",
		PeriodStart: now,
		PeriodEnd:   periodEnd,
	}, nil
}

func (g *fakeGateway) UpdateSubscriptionPrice(ctx context.Context, opt gateway.UpdatePriceOptions) (*gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.priceUpdates = append(g.priceUpdates, opt)
	return &gateway.Subscription{
		ID:     opt.SubscriptionID,
		ItemID: opt.ItemID,
		Status: "active",
	}, nil
}

func (g *fakeGateway) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelFlags[subscriptionID] = cancel
	return nil
}

func (g *fakeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, subscriptionID)
	return nil
}

func (g *fakeGateway) VerifyEvent(payload []byte, signature string) (*gateway.Event, error) {
	return nil, fmt.Errorf("not supported")
}

type testHarness struct {
	db            *gorm.DB
	gateway       *fakeGateway
	catalog       *plan.Catalog
	companies     *company.Manager
	subscriptions *subscription.Manager
	payments      *Manager
	orchestrator  *Orchestrator
	reconciler    *Reconciler
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := zap.NewNop()
	db := testDB(t)
	fg := newFakeGateway()
	catalog := testCatalog(t)

	companyManager, err := company.NewManager(company.ManagerOptions{
		DB:      db,
		Gateway: fg,
		Logger:  logger,
	})
	require.NoError(t, err)

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	require.NoError(t, err)

	paymentManager, err := NewManager(ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	require.NoError(t, err)

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		PaymentManager:      paymentManager,
		SubscriptionManager: subscriptionManager,
		CompanyManager:      companyManager,
		Catalog:             catalog,
		Gateway:             fg,
		Logger:              logger,
	})
	require.NoError(t, err)

	reconciler, err := NewReconciler(ReconcilerOptions{
		PaymentManager:      paymentManager,
		SubscriptionManager: subscriptionManager,
		Orchestrator:        orchestrator,
		Logger:              logger,
	})
	require.NoError(t, err)

	return &testHarness{
		db:            db,
		gateway:       fg,
		catalog:       catalog,
		companies:     companyManager,
		subscriptions: subscriptionManager,
		payments:      paymentManager,
		orchestrator:  orchestrator,
		reconciler:    reconciler,
	}
}

func (h *testHarness) createCompany(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.db.Create(&company.Company{
		ID:           id,
		Name:         "Acme Inc",
		BillingEmail: "billing@example.com",
	}).Error)
}

func author(companyID string) auth.Actor {
	return auth.Actor{
		UserID: "user_1",
		Role: auth.Role{
			Type:      auth.RoleCompanyAuthor,
			CompanyID: companyID,
		},
	}
}

func (h *testHarness) countSubscriptions(t *testing.T, companyID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&subscription.Subscription{}).
		Where("company_id = ?", companyID).
		Count(&count).Error)
	return count
}

func (h *testHarness) countLogs(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&PaymentLog{}).Count(&count).Error)
	return count
}
