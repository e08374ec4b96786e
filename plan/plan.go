package plan

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// BillingCycleDays is the length of one billing cycle used for proration and
// renewal. Monthly billing is approximated as a fixed 30-day cycle; real
// calendar cycles are a known open item.
const BillingCycleDays = 30

// Unlimited marks a resource limit that is not enforced
const Unlimited int64 = -1

var lookupKeyRegex = regexp.MustCompile("[^a-zA-Z0-9]+")

// Limits describes the per-resource caps a Plan grants to a company.
// A value of Unlimited (-1) disables the check for that resource.
type Limits struct {
	MaxWorkspaces int64 `json:"maxWorkspaces"`
	MaxSheets     int64 `json:"maxSheets"`
	MaxMembers    int64 `json:"maxMembers"`
	MaxViewers    int64 `json:"maxViewers"`
	MaxTasks      int64 `json:"maxTasks"`
}

// Plan describes a purchasable subscription plan. Subscriptions and companies
// reference plans by the stable internal ID; on Stripe each Plan corresponds
// to a "Product" with a single licensed recurring "Price"
type Plan struct {
	ID                string `json:"id"`                // Stable internal ID, referenced by subscriptions and companies
	Name              string `json:"name"`              // Represent the name shown to the customer and on Stripe
	Description       string `json:"description"`       // Shown to the customer
	Price             int64  `json:"price"`             // Amount in minor units per Interval (e.g. 2000 for $20/month)
	Currency          string `json:"currency"`          // The ISO currency code (e.g. usd)
	Interval          string `json:"interval"`          // Billing Frequency (e.g. month)
	Limits            Limits `json:"limits"`            // Resource caps granted by this Plan
	ExternalProductID string `json:"externalProductId"` // Corresponds to Stripe's Product ID, populated on startup
	ExternalPriceID   string `json:"externalPriceId"`   // Corresponds to Stripe's Price ID, populated on startup
	Retired           bool   `json:"retired"`           // Flag if the Plan is no longer purchasable (Archived on Stripe)
}

// lookupKey will generate a unique LookupKey on stripe to identify the Price of the Plan
func (p *Plan) lookupKey() string {
	planName := lookupKeyRegex.ReplaceAllString(p.Name, "-")
	return strings.ToLower(fmt.Sprintf("%s_%s_%d_%s", planName, p.Interval, p.Price, p.Currency))
}

// ensureExistence will ensure that the corresponding Product and Price exist on
// Stripe, and it will populate the External ID fields in the Plan object.
func (p *Plan) ensureExistence(ctx context.Context, s *client.API) error {
	if len(p.ExternalProductID) > 0 && len(p.ExternalPriceID) > 0 {
		return nil
	}
	lookupParams := &stripe.PriceListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
		},
		Active: stripe.Bool(true),
		LookupKeys: []*string{
			stripe.String(p.lookupKey()),
		},
	}
	pricesIter := s.Prices.List(lookupParams)
	for pricesIter.Next() {
		price := pricesIter.Price()
		p.ExternalProductID = price.Product.ID
		p.ExternalPriceID = price.ID
	}
	if pricesIter.Err() != nil {
		return extErrors.Wrap(pricesIter.Err(), "Cannot ensure Plan existence on Stripe")
	}

	if len(p.ExternalPriceID) > 0 {
		// synchronize retired/archived status on Stripe
		if _, err := s.Products.Update(p.ExternalProductID, &stripe.ProductParams{
			Params: stripe.Params{
				Context: ctx,
			},
			Active: stripe.Bool(!p.Retired),
		}); err != nil {
			return extErrors.Wrap(err, "Cannot synchronize Plan Retired/Product Archived status on Stripe")
		}
		return nil
	}

	return p.createOnStripe(ctx, s)
}

// createOnStripe will create the missing Product and its Price on Stripe
func (p *Plan) createOnStripe(ctx context.Context, s *client.API) error {
	if len(p.ExternalProductID) == 0 {
		prodParams := &stripe.ProductParams{
			Params: stripe.Params{
				Context: ctx,
				Metadata: map[string]string{
					"PlanID":        p.ID,
					"MaxWorkspaces": strconv.FormatInt(p.Limits.MaxWorkspaces, 10),
					"MaxSheets":     strconv.FormatInt(p.Limits.MaxSheets, 10),
					"MaxMembers":    strconv.FormatInt(p.Limits.MaxMembers, 10),
					"MaxViewers":    strconv.FormatInt(p.Limits.MaxViewers, 10),
					"MaxTasks":      strconv.FormatInt(p.Limits.MaxTasks, 10),
				},
			},
			Active:      stripe.Bool(true),
			Name:        stripe.String(p.Name),
			Description: stripe.String(p.Description),
		}
		stripeProduct, err := s.Products.New(prodParams)
		if err != nil {
			return extErrors.Wrap(err, "Cannot create Plan as Product on Stripe")
		}
		// Populate the Product ID
		p.ExternalProductID = stripeProduct.ID
	}

	pParams := &stripe.PriceParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Active:        stripe.Bool(true),
		Nickname:      stripe.String(p.Name),
		BillingScheme: stripe.String("per_unit"),
		Currency:      stripe.String(p.Currency),
		UnitAmount:    stripe.Int64(p.Price),
		Product:       stripe.String(p.ExternalProductID),
		LookupKey:     stripe.String(p.lookupKey()),
		Recurring: &stripe.PriceRecurringParams{
			Interval:      stripe.String(p.Interval),
			IntervalCount: stripe.Int64(1),
			UsageType:     stripe.String("licensed"),
		},
	}
	price, err := s.Prices.New(pParams)
	if err != nil {
		return extErrors.Wrap(err, "Cannot create Price on Stripe")
	}
	p.ExternalPriceID = price.ID
	return nil
}
