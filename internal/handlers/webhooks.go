package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Jerson-masa/ETER/internal/entitlement"
	"github.com/Jerson-masa/ETER/internal/ledger"
	"github.com/Jerson-masa/ETER/pkg/logging"
	"github.com/Jerson-masa/ETER/pkg/middleware"
	"github.com/Jerson-masa/ETER/pkg/models"
)

const webhookProvider = "stripe"

// HandlePaymentEvent receives payment provider webhooks.
// POST /payment-events
func HandlePaymentEvent(c middleware.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to read request body"})
		return
	}

	ok, msg, status := ProcessPaymentEvent(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	if !ok {
		c.JSON(status, ErrorResponse{Error: msg})
		return
	}
	c.JSON(status, map[string]bool{"received": true})
}

// ProcessPaymentEvent verifies, deduplicates, and applies a Stripe webhook.
// Returns (success, error message, http status).
func ProcessPaymentEvent(ctx context.Context, body []byte, signature string) (bool, string, int) {
	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if webhookSecret == "" {
		// Dev mode: accept unsigned events so local Stripe CLI replays
		// and fixtures work without a secret.
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, accepting unsigned webhook")
	} else if !verifyStripeSignature(body, signature, webhookSecret) {
		recordSignatureFailure()
		return false, "Invalid signature", http.StatusBadRequest
	}

	var payload StripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Invalid webhook payload")
		return false, "Invalid payload", http.StatusBadRequest
	}
	if payload.ID == "" || payload.Type == "" {
		return false, "Invalid payload", http.StatusBadRequest
	}

	logger.WithFields(logging.Fields{
		"event_id":   payload.ID,
		"event_type": payload.Type,
	}).Info("Received payment webhook")

	processed, err := store.IsEventProcessed(ctx, webhookProvider, payload.ID)
	if err != nil {
		logger.WithFields(logging.Fields{"event_id": payload.ID, "error": err}).Error("Failed to check webhook idempotency")
		return false, "Storage unavailable", http.StatusServiceUnavailable
	}
	if processed {
		logger.WithFields(logging.Fields{"event_id": payload.ID}).Debug("Webhook already processed, skipping")
		recordWebhookEvent(payload.Type, "duplicate")
		return true, "", http.StatusOK
	}

	switch payload.Type {
	case "checkout.session.completed":
		err = handleCheckoutCompleted(ctx, payload)
	case "customer.subscription.updated":
		err = handleSubscriptionUpdated(ctx, payload)
	case "customer.subscription.deleted":
		err = handleSubscriptionDeleted(ctx, payload)
	case "invoice.paid":
		err = handleInvoicePaid(ctx, payload)
	default:
		logger.WithFields(logging.Fields{"event_type": payload.Type}).Debug("Ignoring unhandled event type")
	}

	if err != nil {
		logger.WithFields(logging.Fields{
			"event_id":   payload.ID,
			"event_type": payload.Type,
			"error":      err,
		}).Error("Failed to process payment webhook")
		recordWebhookEvent(payload.Type, "error")
		return false, "Failed to process webhook", http.StatusServiceUnavailable
	}

	if err := store.MarkEventProcessed(ctx, webhookProvider, payload.ID, payload.Type); err != nil {
		logger.WithFields(logging.Fields{"event_id": payload.ID, "error": err}).Warn("Failed to mark webhook as processed")
	}
	recordWebhookEvent(payload.Type, "processed")
	return true, "", http.StatusOK
}

// verifyStripeSignature checks the Stripe-Signature header against the
// shared secret: HMAC-SHA256 over "timestamp.payload", timestamps older
// than 5 minutes rejected, constant-time comparison.
func verifyStripeSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	// Header format: t=timestamp,v1=signature[,v1=signature]
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid Stripe signature format: missing timestamp or signatures")
		return false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse webhook timestamp")
		return false
	}

	now := time.Now().Unix()
	if now-timestampInt > 300 {
		logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"age_seconds": now - timestampInt,
		}).Warn("Webhook timestamp too old")
		return false
	}

	signedPayload := timestamp + "." + string(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Stripe signature verification failed")
	return false
}

func handleCheckoutCompleted(ctx context.Context, payload StripeWebhookPayload) error {
	var obj StripeCheckoutSessionObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}

	plan, ok := entitlement.PlanByID(obj.Metadata.PlanID)
	if !ok {
		// Some other product's checkout; acknowledge and move on.
		logger.WithFields(logging.Fields{
			"session_id": obj.ID,
			"plan_id":    obj.Metadata.PlanID,
		}).Warn("Checkout completed for unknown plan, ignoring")
		return nil
	}

	account, err := resolveCheckoutAccount(ctx, obj)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			// Acknowledge so Stripe stops retrying; the money trail
			// still exists on the Stripe side.
			logger.WithFields(logging.Fields{
				"session_id": obj.ID,
				"customer":   obj.Customer,
			}).Error("Checkout completed for unresolvable account, ignoring")
			return nil
		}
		return err
	}

	applied, err := store.ApplyCheckoutCompleted(ctx, ledger.CheckoutGrant{
		AccountID:   account.ID,
		Plan:        plan,
		PaymentRef:  obj.ID,
		CustomerRef: obj.Customer,
		AmountUSD:   float64(obj.AmountTotal) / 100,
	})
	if err != nil {
		return err
	}
	if applied {
		publisher.PublishBalance(ctx, account.ID, plan.GrantedBalance(account.CreditBalance), "purchase")
	}
	return nil
}

func resolveCheckoutAccount(ctx context.Context, obj StripeCheckoutSessionObject) (*models.Account, error) {
	if obj.Metadata.AccountID != "" {
		return store.GetAccount(ctx, obj.Metadata.AccountID)
	}
	email := obj.CustomerDetails.Email
	if email == "" {
		email = obj.CustomerEmail
	}
	if email == "" {
		return nil, ledger.ErrAccountNotFound
	}
	return store.GetAccountByEmail(ctx, email)
}

func handleSubscriptionUpdated(ctx context.Context, payload StripeWebhookPayload) error {
	var obj StripeSubscriptionObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	status := MapSubscriptionStatus(obj.Status, obj.CancelAtPeriodEnd)
	var expiresAt *time.Time
	if obj.CurrentPeriodEnd > 0 {
		t := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		expiresAt = &t
	}

	err := store.ApplySubscriptionUpdated(ctx, obj.Customer, status, expiresAt)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		logger.WithFields(logging.Fields{
			"customer": obj.Customer,
			"status":   obj.Status,
		}).Warn("Subscription update for unknown customer, ignoring")
		return nil
	}
	return err
}

func handleSubscriptionDeleted(ctx context.Context, payload StripeWebhookPayload) error {
	var obj StripeSubscriptionObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	err := store.ApplySubscriptionDeleted(ctx, obj.Customer)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		logger.WithFields(logging.Fields{"customer": obj.Customer}).Warn("Subscription deletion for unknown customer, ignoring")
		return nil
	}
	return err
}

func handleInvoicePaid(ctx context.Context, payload StripeWebhookPayload) error {
	var obj StripeInvoiceObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		return fmt.Errorf("parse invoice: %w", err)
	}

	// Only billing-cycle invoices renew credits; the initial invoice is
	// covered by checkout.session.completed.
	if obj.BillingReason != "subscription_cycle" {
		logger.WithFields(logging.Fields{
			"invoice_id":     obj.ID,
			"billing_reason": obj.BillingReason,
		}).Debug("Invoice is not a renewal, skipping")
		return nil
	}

	account, err := store.GetAccountByCustomerRef(ctx, obj.Customer)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			logger.WithFields(logging.Fields{
				"invoice_id": obj.ID,
				"customer":   obj.Customer,
			}).Warn("Renewal invoice for unknown customer, ignoring")
			return nil
		}
		return err
	}

	plan, ok := entitlement.PlanForTier(account.SubscriptionTier)
	if !ok {
		logger.WithFields(logging.Fields{
			"invoice_id": obj.ID,
			"account_id": account.ID,
			"tier":       account.SubscriptionTier,
		}).Warn("Renewal invoice for account without a paid tier, ignoring")
		return nil
	}

	applied, err := store.ApplyRenewal(ctx, ledger.RenewalGrant{
		AccountID:  account.ID,
		Plan:       plan,
		PaymentRef: obj.ID,
		AmountUSD:  float64(obj.AmountPaid) / 100,
	})
	if err != nil {
		return err
	}
	if applied {
		publisher.PublishBalance(ctx, account.ID, plan.RenewalBalance(), "renewal")
	}
	return nil
}

// MapSubscriptionStatus converts a Stripe subscription status into ours.
func MapSubscriptionStatus(status string, cancelAtPeriodEnd bool) string {
	switch status {
	case "active", "trialing":
		if cancelAtPeriodEnd {
			return models.SubscriptionCanceled
		}
		return models.SubscriptionActive
	case "past_due", "unpaid", "incomplete":
		return models.SubscriptionPastDue
	case "canceled", "incomplete_expired":
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionNone
	}
}

func recordSignatureFailure() {
	if metrics != nil && metrics.WebhookSignatureFailures != nil {
		metrics.WebhookSignatureFailures.Inc()
	}
	logger.Warn("Invalid webhook signature")
}

func recordWebhookEvent(eventType, outcome string) {
	if metrics != nil && metrics.WebhookEvents != nil {
		metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}
