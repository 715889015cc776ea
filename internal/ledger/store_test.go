package ledger

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/Jerson-masa/ETER/internal/entitlement"
	"github.com/Jerson-masa/ETER/pkg/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
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

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return NewStore(db, logger), mock
}

func accountRows(balance int64, tier string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "email", "display_name", "birth_date", "credit_balance",
		"subscription_tier", "subscription_status", "stripe_customer_id",
		"subscription_expires_at", "created_at", "updated_at",
	}).AddRow(
		"acc-1", "luna@example.com", "Luna", nil, balance,
		tier, "none", nil, nil, now, now,
	)
}

func TestEnsureAccountSeedsStartingCredits(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO eter.accounts")).
		WithArgs("luna@example.com", "Luna", nil, int64(entitlement.StartingCredits)).
		WillReturnRows(accountRows(entitlement.StartingCredits, models.TierFree))

	account, err := store.EnsureAccount(context.Background(), "luna@example.com", "Luna", nil)
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if account.CreditBalance != entitlement.StartingCredits {
		t.Errorf("new account balance = %d, want %d", account.CreditBalance, entitlement.StartingCredits)
	}
	if account.SubscriptionTier != models.TierFree {
		t.Errorf("new account tier = %q, want free", account.SubscriptionTier)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM eter.accounts WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetAccount(context.Background(), "missing")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDebitForConsultation(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE eter.accounts")).
		WithArgs("acc-1", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"credit_balance"}).AddRow(int64(5)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.transactions")).
		WithArgs("acc-1", int64(-5), models.TransactionConsultation).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	remaining, err := store.DebitForConsultation(context.Background(), "acc-1", 5)
	if err != nil {
		t.Fatalf("DebitForConsultation failed: %v", err)
	}
	if remaining != 5 {
		t.Errorf("remaining = %d, want 5", remaining)
	}
}

func TestDebitForConsultationInsufficient(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE eter.accounts")).
		WithArgs("acc-1", int64(5)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := store.DebitForConsultation(context.Background(), "acc-1", 5)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestDebitForConsultationUnknownAccount(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE eter.accounts")).
		WithArgs("ghost", int64(5)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := store.DebitForConsultation(context.Background(), "ghost", 5)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestApplyCheckoutCompleted(t *testing.T) {
	store, mock := newTestStore(t)
	plan, _ := entitlement.PlanByID("standard")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.transactions")).
		WithArgs("acc-1", 9.99, plan.Credits, "cs_test_1", models.TransactionPurchase).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE eter.accounts")).
		WithArgs("acc-1", plan.Tier, models.SubscriptionActive, "cus_1", plan.Credits).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := store.ApplyCheckoutCompleted(context.Background(), CheckoutGrant{
		AccountID:   "acc-1",
		Plan:        plan,
		PaymentRef:  "cs_test_1",
		CustomerRef: "cus_1",
		AmountUSD:   9.99,
	})
	if err != nil {
		t.Fatalf("ApplyCheckoutCompleted failed: %v", err)
	}
	if !applied {
		t.Error("first application should report applied")
	}
}

func TestApplyCheckoutCompletedReplay(t *testing.T) {
	store, mock := newTestStore(t)
	plan, _ := entitlement.PlanByID("standard")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.transactions")).
		WithArgs("acc-1", 9.99, plan.Credits, "cs_test_1", models.TransactionPurchase).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	applied, err := store.ApplyCheckoutCompleted(context.Background(), CheckoutGrant{
		AccountID:   "acc-1",
		Plan:        plan,
		PaymentRef:  "cs_test_1",
		CustomerRef: "cus_1",
		AmountUSD:   9.99,
	})
	if err != nil {
		t.Fatalf("replay should not error: %v", err)
	}
	if applied {
		t.Error("replayed payment reference must be a no-op")
	}
}

func TestApplyCheckoutCompletedUnlimitedSetsSentinel(t *testing.T) {
	store, mock := newTestStore(t)
	plan, _ := entitlement.PlanByID("unlimited")

	// The journal row records 0 credits for unlimited plans; the sentinel
	// only lives on the account balance.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.transactions")).
		WithArgs("acc-1", 19.99, int64(0), "cs_test_2", models.TransactionPurchase).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE eter.accounts")).
		WithArgs("acc-1", plan.Tier, models.SubscriptionActive, "cus_1", int64(entitlement.UnlimitedBalance)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := store.ApplyCheckoutCompleted(context.Background(), CheckoutGrant{
		AccountID:   "acc-1",
		Plan:        plan,
		PaymentRef:  "cs_test_2",
		CustomerRef: "cus_1",
		AmountUSD:   19.99,
	})
	if err != nil {
		t.Fatalf("ApplyCheckoutCompleted failed: %v", err)
	}
	if !applied {
		t.Error("first application should report applied")
	}
}

func TestApplyRenewalReplacesBalance(t *testing.T) {
	store, mock := newTestStore(t)
	plan, _ := entitlement.PlanByID("standard")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.transactions")).
		WithArgs("acc-1", 9.99, plan.Credits, "in_test_1", models.TransactionRenewal).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE eter.accounts")).
		WithArgs("acc-1", plan.RenewalBalance(), models.SubscriptionActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := store.ApplyRenewal(context.Background(), RenewalGrant{
		AccountID:  "acc-1",
		Plan:       plan,
		PaymentRef: "in_test_1",
		AmountUSD:  9.99,
	})
	if err != nil {
		t.Fatalf("ApplyRenewal failed: %v", err)
	}
	if !applied {
		t.Error("first renewal should report applied")
	}
}

func TestApplyRenewalUnlimitedJournalsZeroCredits(t *testing.T) {
	store, mock := newTestStore(t)
	plan, _ := entitlement.PlanByID("unlimited")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.transactions")).
		WithArgs("acc-1", 19.99, int64(0), "in_test_2", models.TransactionRenewal).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE eter.accounts")).
		WithArgs("acc-1", int64(entitlement.UnlimitedBalance), models.SubscriptionActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := store.ApplyRenewal(context.Background(), RenewalGrant{
		AccountID:  "acc-1",
		Plan:       plan,
		PaymentRef: "in_test_2",
		AmountUSD:  19.99,
	})
	if err != nil {
		t.Fatalf("ApplyRenewal failed: %v", err)
	}
	if !applied {
		t.Error("first renewal should report applied")
	}
}

func TestApplyRenewalReplay(t *testing.T) {
	store, mock := newTestStore(t)
	plan, _ := entitlement.PlanByID("standard")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.transactions")).
		WithArgs("acc-1", 9.99, plan.Credits, "in_test_1", models.TransactionRenewal).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	applied, err := store.ApplyRenewal(context.Background(), RenewalGrant{
		AccountID:  "acc-1",
		Plan:       plan,
		PaymentRef: "in_test_1",
		AmountUSD:  9.99,
	})
	if err != nil {
		t.Fatalf("replayed renewal should not error: %v", err)
	}
	if applied {
		t.Error("replayed renewal must be a no-op")
	}
}

func TestApplySubscriptionDeletedKeepsBalance(t *testing.T) {
	store, mock := newTestStore(t)

	// Only tier and status change; credit_balance is not in the statement.
	mock.ExpectExec(regexp.QuoteMeta("SET subscription_tier = $2, subscription_status = $3")).
		WithArgs("cus_1", models.TierFree, models.SubscriptionCanceled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ApplySubscriptionDeleted(context.Background(), "cus_1"); err != nil {
		t.Fatalf("ApplySubscriptionDeleted failed: %v", err)
	}
}

func TestApplySubscriptionUpdatedUnknownCustomer(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("SET subscription_status = $2")).
		WithArgs("cus_ghost", models.SubscriptionPastDue, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.ApplySubscriptionUpdated(context.Background(), "cus_ghost", models.SubscriptionPastDue, nil)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestWebhookEventIdempotency(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM eter.webhook_events")).
		WithArgs("stripe", "evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO eter.webhook_events")).
		WithArgs("stripe", "evt_1", "checkout.session.completed").
		WillReturnResult(sqlmock.NewResult(1, 1))

	processed, err := store.IsEventProcessed(context.Background(), "stripe", "evt_1")
	if err != nil {
		t.Fatalf("IsEventProcessed failed: %v", err)
	}
	if processed {
		t.Error("fresh event should not be marked processed")
	}

	if err := store.MarkEventProcessed(context.Background(), "stripe", "evt_1", "checkout.session.completed"); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}
}
