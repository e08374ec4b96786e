package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// CatalogOptions contains the configuration for the plan Catalog
type CatalogOptions struct {
	StripeClient   *client.API
	Logger         *zap.Logger
	PathToPlanJSON string
	// SkipSync skips creating/synchronizing plans on Stripe (used by the
	// expiry sweep worker which never sells plans)
	SkipSync bool
}

// Catalog holds the read-only plan definitions. Plans are defined in a JSON
// file and synchronized to Stripe on startup; they are never mutated at
// runtime except by administrative update and restart.
type Catalog struct {
	CatalogOptions
	planArray      []Plan
	planIDIndexMap map[string]int
}

// NewCatalog loads the defined plans and ensures they exist on Stripe
func NewCatalog(option CatalogOptions) (*Catalog, error) {
	if option.StripeClient == nil && !option.SkipSync {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.PathToPlanJSON) == 0 {
		return nil, fmt.Errorf("empty PathToPlanJSON is invalid")
	}

	plans, err := loadPlansFromFile(option.PathToPlanJSON)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot populate defined Plans")
	}

	planMap := make(map[string]int)
	for index, p := range plans {
		if !option.SkipSync {
			if err := p.ensureExistence(context.Background(), option.StripeClient); err != nil {
				return nil, extErrors.Wrap(err, "Cannot ensure Plan existence on Stripe")
			}
		}
		if len(p.ID) == 0 {
			return nil, fmt.Errorf("Plan %q has no ID", p.Name)
		}
		if _, ok := planMap[p.ID]; ok {
			return nil, fmt.Errorf("Duplicate Plan ID %q", p.ID)
		}
		planMap[p.ID] = index + 1
		plans[index] = p
	}

	return &Catalog{
		CatalogOptions: option,
		planIDIndexMap: planMap,
		planArray:      plans,
	}, nil
}

// ListDefinedPlans returns the purchasable plans (retired plans excluded)
func (c *Catalog) ListDefinedPlans() []Plan {
	purchasable := make([]Plan, 0, len(c.planArray))
	for _, p := range c.planArray {
		if p.Retired {
			continue
		}
		purchasable = append(purchasable, p)
	}
	return purchasable
}

// GetDefinedPlanByID returns a plan by its ID. Retired plans remain
// resolvable so existing subscriptions keep working.
func (c *Catalog) GetDefinedPlanByID(planID string) (Plan, bool) {
	index := c.planIDIndexMap[planID]
	if index == 0 {
		return Plan{}, false
	}
	return c.planArray[index-1], true
}

// loadPlansFromFile will read from the plan JSON file to define what plans are
// available for purchase. Stripe ID fields will be populated on startup.
// Note, if you change Plan.Name, Plan.Interval, Plan.Currency, or Plan.Price,
// a new Product and Price will be created on Stripe. To change the price of an
// existing Plan, add a new Plan and mark the old one as Retired.
func loadPlansFromFile(filename string) ([]Plan, error) {
	jsonBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open plans JSON file")
	}
	plans := make([]Plan, 0, 1)
	if err := json.Unmarshal(jsonBytes, &plans); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan JSON file")
	}
	return plans, nil
}
