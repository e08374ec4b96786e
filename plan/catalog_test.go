package plan

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const catalogTestJSON = `[
	{
		"id": "plan_starter",
		"name": "Starter",
		"description": "For small teams",
		"price": 1000,
		"currency": "usd",
		"interval": "month",
		"limits": {"maxWorkspaces": 1, "maxSheets": 10, "maxMembers": 5, "maxViewers": 10, "maxTasks": 500}
	},
	{
		"id": "plan_business",
		"name": "Business",
		"description": "For growing teams",
		"price": 2000,
		"currency": "usd",
		"interval": "month",
		"limits": {"maxWorkspaces": 5, "maxSheets": 100, "maxMembers": 25, "maxViewers": 100, "maxTasks": 10000}
	},
	{
		"id": "plan_legacy",
		"name": "Legacy",
		"description": "No longer sold",
		"price": 500,
		"currency": "usd",
		"interval": "month",
		"limits": {"maxWorkspaces": 1, "maxSheets": 5, "maxMembers": 2, "maxViewers": 5, "maxTasks": 100},
		"retired": true
	}
]`

func catalogFromJSON(t *testing.T, body string) (*Catalog, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.json")
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0644))
	return NewCatalog(CatalogOptions{
		Logger:         zap.NewNop(),
		PathToPlanJSON: path,
		SkipSync:       true,
	})
}

func TestListDefinedPlansExcludesRetired(t *testing.T) {
	catalog, err := catalogFromJSON(t, catalogTestJSON)
	require.NoError(t, err)

	plans := catalog.ListDefinedPlans()
	require.Len(t, plans, 2)
	for _, p := range plans {
		assert.False(t, p.Retired)
	}
	assert.Equal(t, "plan_starter", plans[0].ID)
	assert.Equal(t, "plan_business", plans[1].ID)
}

func TestGetDefinedPlanByID(t *testing.T) {
	catalog, err := catalogFromJSON(t, catalogTestJSON)
	require.NoError(t, err)

	p, ok := catalog.GetDefinedPlanByID("plan_starter")
	require.True(t, ok)
	assert.Equal(t, "Starter", p.Name)
	assert.EqualValues(t, 1000, p.Price)
	assert.EqualValues(t, 5, p.Limits.MaxMembers)

	// retired plans stay resolvable for existing subscriptions
	p, ok = catalog.GetDefinedPlanByID("plan_legacy")
	require.True(t, ok)
	assert.True(t, p.Retired)

	_, ok = catalog.GetDefinedPlanByID("plan_nope")
	assert.False(t, ok)
}

func TestNewCatalogRejectsDuplicateID(t *testing.T) {
	_, err := catalogFromJSON(t, `[
		{"id": "plan_a", "name": "A", "price": 100, "currency": "usd", "interval": "month"},
		{"id": "plan_a", "name": "A again", "price": 200, "currency": "usd", "interval": "month"}
	]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate Plan ID")
}

func TestNewCatalogRejectsMissingID(t *testing.T) {
	_, err := catalogFromJSON(t, `[
		{"name": "Anonymous", "price": 100, "currency": "usd", "interval": "month"}
	]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no ID")
}

func TestNewCatalogRejectsUnreadableFile(t *testing.T) {
	_, err := NewCatalog(CatalogOptions{
		Logger:         zap.NewNop(),
		PathToPlanJSON: filepath.Join(t.TempDir(), "missing.json"),
		SkipSync:       true,
	})
	require.Error(t, err)

	_, err = catalogFromJSON(t, `{not json`)
	require.Error(t, err)
}
