package handlers

import (
	"errors"
	"net/http"

	"github.com/Jerson-masa/ETER/internal/entitlement"
	"github.com/Jerson-masa/ETER/internal/ledger"
	"github.com/Jerson-masa/ETER/internal/stripeclient"
	"github.com/Jerson-masa/ETER/pkg/config"
	"github.com/Jerson-masa/ETER/pkg/logging"
	"github.com/Jerson-masa/ETER/pkg/middleware"
)

// CreateCheckoutSession starts a hosted checkout for a subscription plan.
// POST /checkout-sessions
func CreateCheckoutSession(c middleware.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	plan, ok := entitlement.PlanByID(req.PlanID)
	if !ok {
		recordCheckout(req.PlanID, "invalid_plan")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unknown plan"})
		return
	}

	if !checkout.Configured() {
		recordCheckout(plan.ID, "unconfigured")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Payments are not configured"})
		return
	}

	// accountId is optional: without it the completed-checkout webhook
	// correlates the account by the customer email Stripe collects.
	var accountID, customerEmail string
	if req.AccountID != "" {
		account, err := store.GetAccount(c.Request.Context(), req.AccountID)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				c.JSON(http.StatusNotFound, ErrorResponse{Error: "Account not found"})
				return
			}
			logger.WithFields(logging.Fields{"account_id": req.AccountID, "error": err}).Error("Failed to load account for checkout")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
			return
		}
		accountID = account.ID
		customerEmail = account.Email
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = config.GetEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/?checkout=success")
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = config.GetEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/?checkout=cancel")
	}

	sess, err := checkout.CreateCheckoutSession(c.Request.Context(), stripeclient.CheckoutParams{
		AccountID:     accountID,
		CustomerEmail: customerEmail,
		Plan:          plan,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, stripeclient.ErrNotConfigured), errors.Is(err, stripeclient.ErrMisconfigured):
			recordCheckout(plan.ID, "misconfigured")
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Payments are not configured"})
		default:
			logger.WithFields(logging.Fields{
				"account_id": accountID,
				"plan_id":    plan.ID,
				"error":      err,
			}).Error("Failed to create checkout session")
			recordCheckout(plan.ID, "error")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to start checkout"})
		}
		return
	}

	recordCheckout(plan.ID, "created")
	c.JSON(http.StatusOK, CheckoutResponse{RedirectURL: sess.URL})
}

// CreateBillingPortalSession opens the hosted billing portal so a
// subscriber can manage or cancel their plan.
// POST /billing-portal-sessions
func CreateBillingPortalSession(c middleware.Context) {
	var req PortalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.AccountID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "accountId is required"})
		return
	}

	if !checkout.Configured() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Payments are not configured"})
		return
	}

	account, err := store.GetAccount(c.Request.Context(), req.AccountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Account not found"})
			return
		}
		logger.WithFields(logging.Fields{"account_id": req.AccountID, "error": err}).Error("Failed to load account for billing portal")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
		return
	}
	if account.StripeCustomerID == nil || *account.StripeCustomerID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Account has no subscription to manage"})
		return
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = config.GetEnv("PORTAL_RETURN_URL", "http://localhost:3000/")
	}

	sess, err := checkout.CreateBillingPortalSession(c.Request.Context(), *account.StripeCustomerID, returnURL)
	if err != nil {
		if errors.Is(err, stripeclient.ErrNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Payments are not configured"})
			return
		}
		logger.WithFields(logging.Fields{"account_id": account.ID, "error": err}).Error("Failed to create billing portal session")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to open billing portal"})
		return
	}

	c.JSON(http.StatusOK, PortalResponse{RedirectURL: sess.URL})
}

// ListPlans returns the purchasable subscription plans.
// GET /plans
func ListPlans(c middleware.Context) {
	plans := entitlement.Plans()
	out := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, PlanResponse{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			Credits:     p.Credits,
			PriceUSD:    p.PriceUSD,
			Unlimited:   p.Unlimited(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func recordCheckout(planID, status string) {
	if metrics != nil && metrics.CheckoutSessions != nil {
		metrics.CheckoutSessions.WithLabelValues(planID, status).Inc()
	}
}
