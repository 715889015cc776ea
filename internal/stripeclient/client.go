// Package stripeclient wraps the Stripe API calls the service makes:
// checkout session creation and the billing portal.
package stripeclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	billingportal "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/Jerson-masa/ETER/internal/entitlement"
	"github.com/Jerson-masa/ETER/pkg/logging"
)

// ErrNotConfigured is returned when no Stripe secret key is set. Callers
// surface this as a temporary service-unavailable condition.
var ErrNotConfigured = errors.New("stripe is not configured")

// ErrMisconfigured is returned when Stripe rejects our request parameters,
// which points at bad configuration rather than a transient failure.
var ErrMisconfigured = errors.New("stripe configuration rejected")

// Client wraps subscription checkout operations against Stripe.
type Client struct {
	secretKey string
	logger    logging.Logger
}

type Config struct {
	SecretKey string // STRIPE_SECRET_KEY
	Logger    logging.Logger
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{
		secretKey: cfg.SecretKey,
		logger:    cfg.Logger,
	}
}

// Configured reports whether a secret key is available.
func (c *Client) Configured() bool {
	return c != nil && c.secretKey != ""
}

// CheckoutParams describes a subscription checkout to initiate.
type CheckoutParams struct {
	AccountID     string
	CustomerEmail string
	Plan          entitlement.Plan
	SuccessURL    string
	CancelURL     string
}

// CreateCheckoutSession starts a Stripe Checkout for the given plan. The
// plan id and credit grant ride along as metadata so the webhook can apply
// the purchase without a price lookup.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*stripe.CheckoutSession, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(int64(params.Plan.PriceUSD * 100)),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
					},
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Plan %s", params.Plan.DisplayName)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"account_id": params.AccountID,
			"plan_id":    params.Plan.ID,
			"credits":    fmt.Sprintf("%d", params.Plan.Credits),
		},
	}
	if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}
	sessionParams.Context = ctx

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			c.logger.WithFields(logging.Fields{
				"plan_id": params.Plan.ID,
				"error":   stripeErr.Msg,
			}).Error("Stripe rejected checkout parameters")
			return nil, fmt.Errorf("%w: %s", ErrMisconfigured, stripeErr.Msg)
		}
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id": sess.ID,
		"account_id": params.AccountID,
		"plan_id":    params.Plan.ID,
	}).Info("Created Stripe checkout session")

	return sess, nil
}

// CreateBillingPortalSession opens the Stripe billing portal so a customer
// can manage or cancel their subscription.
func (c *Client) CreateBillingPortalSession(ctx context.Context, customerRef, returnURL string) (*stripe.BillingPortalSession, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := billingportal.New(params)
	if err != nil {
		return nil, fmt.Errorf("create billing portal session: %w", err)
	}
	return sess, nil
}
