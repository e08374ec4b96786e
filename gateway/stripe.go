package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// StripeGatewayOptions contains the configuration for the Stripe Gateway
type StripeGatewayOptions struct {
	StripeClient  *client.API
	WebhookSecret string
	Logger        *zap.Logger
}

// StripeGateway implements Gateway against the Stripe API
type StripeGateway struct {
	StripeGatewayOptions
}

var _ Gateway = &StripeGateway{}

// NewStripeGateway returns a Gateway backed by Stripe
func NewStripeGateway(option StripeGatewayOptions) (*StripeGateway, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if len(option.WebhookSecret) == 0 {
		return nil, fmt.Errorf("empty WebhookSecret is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &StripeGateway{
		StripeGatewayOptions: option,
	}, nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, opt CreateCustomerOptions) (string, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"CompanyID": opt.CompanyID,
			},
		},
		Name:  stripe.String(opt.Name),
		Email: stripe.String(opt.Email),
	}
	c, err := g.StripeClient.Customers.New(params)
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot create a new Customer on Stripe")
	}
	return c.ID, nil
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, opt CreateIntentOptions) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount:   stripe.Int64(opt.Amount),
		Currency: stripe.String(opt.Currency),
		Customer: stripe.String(opt.CustomerID),
	}
	for k, v := range opt.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := g.StripeClient.PaymentIntents.New(params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create PaymentIntent on Stripe")
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) GetPaymentIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	pi, err := g.StripeClient.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot fetch PaymentIntent from Stripe")
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, opt CreateSubscriptionOptions) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer: stripe.String(opt.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price:    stripe.String(opt.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	if opt.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(opt.TrialDays)
	}
	params.AddExpand("latest_invoice.payment_intent")

	sub, err := g.StripeClient.Subscriptions.New(params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create Subscription on Stripe")
	}
	return subscriptionFromStripe(sub), nil
}

func (g *StripeGateway) UpdateSubscriptionPrice(ctx context.Context, opt UpdatePriceOptions) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		// proration is computed locally; the collected intent already covers it
		ProrationBehavior: stripe.String("none"),
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(opt.ItemID),
				Price: stripe.String(opt.PriceID),
			},
		},
	}
	sub, err := g.StripeClient.Subscriptions.Update(opt.SubscriptionID, params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot update Subscription price on Stripe")
	}
	return subscriptionFromStripe(sub), nil
}

func (g *StripeGateway) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	sub, err := g.StripeClient.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return extErrors.Wrap(err, "Cannot update cancellation flag on Stripe")
	}
	if sub.CancelAtPeriodEnd != cancel {
		return fmt.Errorf("Stripe did not update cancel at end of period")
	}
	return nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	if _, err := g.StripeClient.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return extErrors.Wrap(err, "Cannot cancel Subscription on Stripe")
	}
	return nil
}

// VerifyEvent checks the webhook signature and translates the Stripe event
// into the processor-neutral Event. A signature failure returns an error and
// no Event; callers must reject the delivery without state change.
func (g *StripeGateway) VerifyEvent(payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signature, g.WebhookSecret)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot verify webhook signature")
	}

	evt := &Event{
		ID:         stripeEvent.ID,
		Kind:       EventKind(stripeEvent.Type),
		OccurredAt: time.Unix(stripeEvent.Created, 0),
		Raw:        stripeEvent.Data.Raw,
	}

	switch evt.Kind {
	case EventPaymentSucceeded, EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(stripeEvent.Data.Raw, &pi); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode PaymentIntent from event")
		}
		evt.PaymentIntentID = pi.ID
		evt.Amount = pi.Amount
		evt.Currency = string(pi.Currency)
		evt.Metadata = pi.Metadata
		if pi.Customer != nil {
			evt.CustomerID = pi.Customer.ID
		}
		if pi.LastPaymentError != nil {
			evt.ErrorCode = string(pi.LastPaymentError.Code)
			evt.ErrorMessage = pi.LastPaymentError.Msg
		}
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode Subscription from event")
		}
		evt.SubscriptionID = sub.ID
		evt.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		evt.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0)
		if sub.Customer != nil {
			evt.CustomerID = sub.Customer.ID
		}
	case EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &inv); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode Invoice from event")
		}
		evt.Amount = inv.AmountDue
		evt.Currency = string(inv.Currency)
		if inv.Subscription != nil {
			evt.SubscriptionID = inv.Subscription.ID
		}
		if inv.PaymentIntent != nil {
			evt.PaymentIntentID = inv.PaymentIntent.ID
		}
		if inv.Customer != nil {
			evt.CustomerID = inv.Customer.ID
		}
	}

	return evt, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	intent := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		intent.Status = IntentSucceeded
	case stripe.PaymentIntentStatusProcessing:
		intent.Status = IntentProcessing
	case stripe.PaymentIntentStatusCanceled:
		intent.Status = IntentCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// a declined charge circles back to requires_payment_method with the
		// failure recorded in last_payment_error
		if pi.LastPaymentError != nil {
			intent.Status = IntentFailed
		} else {
			intent.Status = IntentRequiresAction
		}
	default:
		intent.Status = IntentRequiresAction
	}
	if pi.LastPaymentError != nil {
		intent.ErrorCode = string(pi.LastPaymentError.Code)
		intent.ErrorMessage = pi.LastPaymentError.Msg
	}
	return intent
}

func subscriptionFromStripe(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodStart:       time.Unix(sub.CurrentPeriodStart, 0),
		PeriodEnd:         time.Unix(sub.CurrentPeriodEnd, 0),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		out.ItemID = sub.Items.Data[0].ID
	}
	return out
}
