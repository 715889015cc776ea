package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/Jerson-masa/ETER/internal/ledger"
)

func setupWebhookTest(t *testing.T) sqlmock.Sqlmock {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sql expectations: %v", err)
		}
	})

	testLogger := logrus.New()
	testLogger.SetLevel(logrus.PanicLevel)

	Init(db, testLogger, nil, ledger.NewStore(db, testLogger), nil, nil, nil)
	return mock
}

// stripeSignatureHeader builds a valid Stripe-Signature header for a payload.
func stripeSignatureHeader(payload []byte, secret string, ts time.Time) string {
	timestamp := fmt.Sprintf("%d", ts.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestProcessPaymentEventRejectsBadSignature(t *testing.T) {
	setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	body := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`)
	ok, _, status := ProcessPaymentEvent(context.Background(), body, "t=123,v1=deadbeef")
	if ok || status != http.StatusBadRequest {
		t.Errorf("bad signature: ok=%v status=%d, want rejected 400", ok, status)
	}
}

func TestProcessPaymentEventRejectsStaleTimestamp(t *testing.T) {
	setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	body := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`)
	header := stripeSignatureHeader(body, "whsec_test", time.Now().Add(-10*time.Minute))
	ok, _, status := ProcessPaymentEvent(context.Background(), body, header)
	if ok || status != http.StatusBadRequest {
		t.Errorf("stale timestamp: ok=%v status=%d, want rejected 400", ok, status)
	}
}

func accountRow(balance int64, tier string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "email", "display_name", "birth_date", "credit_balance",
		"subscription_tier", "subscription_status", "stripe_customer_id",
		"subscription_expires_at", "created_at", "updated_at",
	}).AddRow(
		"acc-1", "luna@example.com", "Luna", nil, balance,
		tier, "active", "cus_1", nil, now, now,
	)
}

func TestProcessPaymentEventCheckoutCompleted(t *testing.T) {
	mock := setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	body := []byte(`{
		"id": "evt_checkout_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_1",
			"customer": "cus_1",
			"amount_total": 999,
			"metadata": {"account_id": "acc-1", "plan_id": "standard"}
		}}
	}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_checkout_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta("FROM eter.accounts WHERE id = $1")).
		WithArgs("acc-1").
		WillReturnRows(accountRow(10, "free"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.transactions")).
		WithArgs("acc-1", 9.99, int64(50), "cs_test_1", "purchase").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE eter.accounts")).
		WithArgs("acc-1", "standard", "active", "cus_1", int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.webhook_events")).
		WithArgs("stripe", "evt_checkout_1", "checkout.session.completed").
		WillReturnResult(sqlmock.NewResult(1, 1))

	header := stripeSignatureHeader(body, "whsec_test", time.Now())
	ok, msg, status := ProcessPaymentEvent(context.Background(), body, header)
	if !ok || status != http.StatusOK {
		t.Errorf("checkout webhook: ok=%v msg=%q status=%d", ok, msg, status)
	}
}

func TestProcessPaymentEventDuplicateIsAcked(t *testing.T) {
	mock := setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	body := []byte(`{"id":"evt_dup","type":"checkout.session.completed","data":{"object":{}}}`)

	// Only the idempotency check runs; no grant statements.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_dup").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	header := stripeSignatureHeader(body, "whsec_test", time.Now())
	ok, _, status := ProcessPaymentEvent(context.Background(), body, header)
	if !ok || status != http.StatusOK {
		t.Errorf("duplicate webhook should be acked: ok=%v status=%d", ok, status)
	}
}

func TestProcessPaymentEventDevModeAcceptsUnsigned(t *testing.T) {
	mock := setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	body := []byte(`{"id":"evt_dev","type":"invoice.payment_failed","data":{"object":{}}}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_dev").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.webhook_events")).
		WithArgs("stripe", "evt_dev", "invoice.payment_failed").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ok, _, status := ProcessPaymentEvent(context.Background(), body, "")
	if !ok || status != http.StatusOK {
		t.Errorf("dev mode unsigned webhook: ok=%v status=%d", ok, status)
	}
}

func TestProcessPaymentEventRenewalReplacesBalance(t *testing.T) {
	mock := setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	body := []byte(`{
		"id": "evt_renewal_1",
		"type": "invoice.paid",
		"data": {"object": {
			"id": "in_test_1",
			"customer": "cus_1",
			"billing_reason": "subscription_cycle",
			"amount_paid": 999
		}}
	}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_renewal_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE stripe_customer_id = $1")).
		WithArgs("cus_1").
		WillReturnRows(accountRow(12, "standard"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.transactions")).
		WithArgs("acc-1", 9.99, int64(50), "in_test_1", "renewal").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE eter.accounts")).
		WithArgs("acc-1", int64(50), "active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.webhook_events")).
		WithArgs("stripe", "evt_renewal_1", "invoice.paid").
		WillReturnResult(sqlmock.NewResult(1, 1))

	header := stripeSignatureHeader(body, "whsec_test", time.Now())
	ok, _, status := ProcessPaymentEvent(context.Background(), body, header)
	if !ok || status != http.StatusOK {
		t.Errorf("renewal webhook: ok=%v status=%d", ok, status)
	}
}

func TestProcessPaymentEventFirstInvoiceIsSkipped(t *testing.T) {
	mock := setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	body := []byte(`{
		"id": "evt_first_invoice",
		"type": "invoice.paid",
		"data": {"object": {
			"id": "in_first",
			"customer": "cus_1",
			"billing_reason": "subscription_create",
			"amount_paid": 999
		}}
	}`)

	// The initial invoice must not grant credits; only the idempotency
	// bookkeeping runs.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_first_invoice").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.webhook_events")).
		WithArgs("stripe", "evt_first_invoice", "invoice.paid").
		WillReturnResult(sqlmock.NewResult(1, 1))

	header := stripeSignatureHeader(body, "whsec_test", time.Now())
	ok, _, status := ProcessPaymentEvent(context.Background(), body, header)
	if !ok || status != http.StatusOK {
		t.Errorf("subscription_create invoice: ok=%v status=%d", ok, status)
	}
}

func TestProcessPaymentEventSubscriptionDeleted(t *testing.T) {
	mock := setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	body := []byte(`{
		"id": "evt_sub_del",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "canceled"}}
	}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_sub_del").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("SET subscription_tier = $2, subscription_status = $3")).
		WithArgs("cus_1", "free", "canceled").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.webhook_events")).
		WithArgs("stripe", "evt_sub_del", "customer.subscription.deleted").
		WillReturnResult(sqlmock.NewResult(1, 1))

	header := stripeSignatureHeader(body, "whsec_test", time.Now())
	ok, _, status := ProcessPaymentEvent(context.Background(), body, header)
	if !ok || status != http.StatusOK {
		t.Errorf("subscription deleted webhook: ok=%v status=%d", ok, status)
	}
}

func TestProcessPaymentEventSubscriptionCreatedIsIgnored(t *testing.T) {
	mock := setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	// checkout.session.completed activates the subscription; the created
	// event must not touch the account.
	body := []byte(`{
		"id": "evt_sub_created",
		"type": "customer.subscription.created",
		"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "incomplete"}}
	}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_sub_created").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.webhook_events")).
		WithArgs("stripe", "evt_sub_created", "customer.subscription.created").
		WillReturnResult(sqlmock.NewResult(1, 1))

	header := stripeSignatureHeader(body, "whsec_test", time.Now())
	ok, _, status := ProcessPaymentEvent(context.Background(), body, header)
	if !ok || status != http.StatusOK {
		t.Errorf("subscription created webhook: ok=%v status=%d", ok, status)
	}
}

func TestProcessPaymentEventSubscriptionUpdated(t *testing.T) {
	mock := setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	body := []byte(`{
		"id": "evt_sub_upd",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "past_due"}}
	}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_sub_upd").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("SET subscription_status = $2")).
		WithArgs("cus_1", "past_due", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.webhook_events")).
		WithArgs("stripe", "evt_sub_upd", "customer.subscription.updated").
		WillReturnResult(sqlmock.NewResult(1, 1))

	header := stripeSignatureHeader(body, "whsec_test", time.Now())
	ok, _, status := ProcessPaymentEvent(context.Background(), body, header)
	if !ok || status != http.StatusOK {
		t.Errorf("subscription updated webhook: ok=%v status=%d", ok, status)
	}
}

func TestProcessPaymentEventUnknownCustomerIsAcked(t *testing.T) {
	mock := setupWebhookTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	body := []byte(`{
		"id": "evt_ghost",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_x", "customer": "cus_ghost", "status": "canceled"}}
	}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("SET subscription_tier = $2, subscription_status = $3")).
		WithArgs("cus_ghost", "free", "canceled").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.webhook_events")).
		WithArgs("stripe", "evt_ghost", "customer.subscription.deleted").
		WillReturnResult(sqlmock.NewResult(1, 1))

	header := stripeSignatureHeader(body, "whsec_test", time.Now())
	ok, _, status := ProcessPaymentEvent(context.Background(), body, header)
	if !ok || status != http.StatusOK {
		t.Errorf("unknown customer must still be acked: ok=%v status=%d", ok, status)
	}
}

func TestMapSubscriptionStatus(t *testing.T) {
	tests := []struct {
		status            string
		cancelAtPeriodEnd bool
		want              string
	}{
		{"active", false, "active"},
		{"active", true, "canceled"},
		{"trialing", false, "active"},
		{"past_due", false, "past_due"},
		{"unpaid", false, "past_due"},
		{"canceled", false, "canceled"},
		{"incomplete_expired", false, "canceled"},
		{"weird", false, "none"},
	}
	for _, tt := range tests {
		if got := MapSubscriptionStatus(tt.status, tt.cancelAtPeriodEnd); got != tt.want {
			t.Errorf("MapSubscriptionStatus(%q, %v) = %q, want %q", tt.status, tt.cancelAtPeriodEnd, got, tt.want)
		}
	}
}

func TestVerifyStripeSignature(t *testing.T) {
	setupWebhookTest(t)
	payload := []byte(`{"id":"evt"}`)
	secret := "whsec_test"

	valid := stripeSignatureHeader(payload, secret, time.Now())
	if !verifyStripeSignature(payload, valid, secret) {
		t.Error("valid signature rejected")
	}
	if verifyStripeSignature(payload, valid, "whsec_other") {
		t.Error("signature accepted with wrong secret")
	}
	if verifyStripeSignature(payload, "", secret) {
		t.Error("empty header accepted")
	}
	if verifyStripeSignature(payload, "v1=abc", secret) {
		t.Error("header without timestamp accepted")
	}
}
