// Package ledger owns all credit and subscription state. Every balance
// change goes through here so the invariants live in one place: balances
// never go negative, payment references are applied at most once, and every
// change leaves a transaction row behind.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Jerson-masa/ETER/internal/entitlement"
	"github.com/Jerson-masa/ETER/pkg/logging"
	"github.com/Jerson-masa/ETER/pkg/models"
)

var (
	// ErrAccountNotFound is returned when no account matches the lookup key.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientCredits is returned when a debit would take the
	// balance below zero. The balance is left untouched.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Store persists accounts, transactions, consultations, and processed
// webhook events.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const accountColumns = `id, email, display_name, birth_date, credit_balance,
		subscription_tier, subscription_status, stripe_customer_id,
		subscription_expires_at, created_at, updated_at`

func scanAccount(row *sql.Row) (*models.Account, error) {
	var account models.Account
	var displayName sql.NullString
	err := row.Scan(
		&account.ID, &account.Email, &displayName, &account.BirthDate,
		&account.CreditBalance, &account.SubscriptionTier, &account.SubscriptionStatus,
		&account.StripeCustomerID, &account.SubscriptionExpiresAt,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	account.DisplayName = displayName.String
	return &account, nil
}

// EnsureAccount creates the account for an email if it does not exist yet,
// seeding the starting credit grant. Existing accounts are returned as-is
// except that a newly supplied birth date fills in a missing one.
func (s *Store) EnsureAccount(ctx context.Context, email, displayName string, birthDate *time.Time) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO eter.accounts (email, display_name, birth_date, credit_balance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET
			birth_date = COALESCE(eter.accounts.birth_date, EXCLUDED.birth_date),
			updated_at = NOW()
		RETURNING `+accountColumns,
		email, displayName, birthDate, int64(entitlement.StartingCredits))

	account, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return account, nil
}

// GetAccount fetches an account by its internal ID.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM eter.accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// GetAccountByEmail fetches an account by email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM eter.accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// GetAccountByCustomerRef fetches an account by the payment provider's
// customer reference.
func (s *Store) GetAccountByCustomerRef(ctx context.Context, customerRef string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM eter.accounts WHERE stripe_customer_id = $1`, customerRef)
	return scanAccount(row)
}

// DebitForConsultation atomically deducts cost credits and records the
// consumption. The deduction is conditional on sufficient balance so that
// concurrent debits can never drive the balance negative; losers of the
// race get ErrInsufficientCredits and no transaction row.
func (s *Store) DebitForConsultation(ctx context.Context, accountID string, cost int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	var remaining int64
	err = tx.QueryRowContext(ctx, `
		UPDATE eter.accounts
		SET credit_balance = credit_balance - $2, updated_at = NOW()
		WHERE id = $1 AND credit_balance >= $2
		RETURNING credit_balance`, accountID, cost).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No row updated: either the account is missing or it
			// cannot afford the debit. Tell them apart.
			var exists bool
			if checkErr := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM eter.accounts WHERE id = $1)`, accountID).Scan(&exists); checkErr != nil {
				return 0, fmt.Errorf("check account after failed debit: %w", checkErr)
			}
			if !exists {
				return 0, ErrAccountNotFound
			}
			return 0, ErrInsufficientCredits
		}
		return 0, fmt.Errorf("debit account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO eter.transactions (account_id, amount, currency, credits_granted, kind, status)
		VALUES ($1, 0, 'usd', $2, $3, 'completed')`,
		accountID, -cost, models.TransactionConsultation)
	if err != nil {
		return 0, fmt.Errorf("record consumption: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"account_id": accountID,
		"cost":       cost,
		"remaining":  remaining,
	}).Debug("Debited consultation credits")

	return remaining, nil
}

// RecordConsultation stores the question/answer exchange for history.
func (s *Store) RecordConsultation(ctx context.Context, c *models.Consultation) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO eter.consultations (account_id, question, answer, model_used, credits_spent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		c.AccountID, c.Question, c.Answer, c.ModelUsed, c.CreditsSpent).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("record consultation: %w", err)
	}
	return nil
}

// journalCredits is what a grant records in the transaction journal.
// Unlimited plans record 0 so summing credits_granted stays meaningful;
// the unlimited sentinel lives only on the account balance.
func journalCredits(plan entitlement.Plan) int64 {
	if plan.Unlimited() {
		return 0
	}
	return plan.Credits
}

// CheckoutGrant describes a completed first-time checkout to apply.
type CheckoutGrant struct {
	AccountID   string
	Plan        entitlement.Plan
	PaymentRef  string
	CustomerRef string
	AmountUSD   float64
}

// ApplyCheckoutCompleted grants a plan purchase. The payment reference is
// unique across transactions, so a replayed event inserts nothing and the
// whole grant becomes a no-op. Returns true when the grant was applied,
// false when the payment had already been seen.
func (s *Store) ApplyCheckoutCompleted(ctx context.Context, grant CheckoutGrant) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin checkout grant: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO eter.transactions (account_id, amount, currency, credits_granted, stripe_payment_id, kind, status)
		VALUES ($1, $2, 'usd', $3, $4, $5, 'completed')
		ON CONFLICT (stripe_payment_id) DO NOTHING`,
		grant.AccountID, grant.AmountUSD, journalCredits(grant.Plan), grant.PaymentRef, models.TransactionPurchase)
	if err != nil {
		return false, fmt.Errorf("insert purchase transaction: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("purchase rows affected: %w", err)
	}
	if inserted == 0 {
		// Payment reference already applied; replay.
		return false, nil
	}

	if grant.Plan.Unlimited() {
		_, err = tx.ExecContext(ctx, `
			UPDATE eter.accounts
			SET subscription_tier = $2, subscription_status = $3,
			    stripe_customer_id = $4, credit_balance = $5, updated_at = NOW()
			WHERE id = $1`,
			grant.AccountID, grant.Plan.Tier, models.SubscriptionActive,
			grant.CustomerRef, int64(entitlement.UnlimitedBalance))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE eter.accounts
			SET subscription_tier = $2, subscription_status = $3,
			    stripe_customer_id = $4, credit_balance = credit_balance + $5, updated_at = NOW()
			WHERE id = $1`,
			grant.AccountID, grant.Plan.Tier, models.SubscriptionActive,
			grant.CustomerRef, grant.Plan.Credits)
	}
	if err != nil {
		return false, fmt.Errorf("apply checkout grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit checkout grant: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"account_id":  grant.AccountID,
		"plan_id":     grant.Plan.ID,
		"payment_ref": grant.PaymentRef,
	}).Info("Applied checkout grant")

	return true, nil
}

// RenewalGrant describes a billing-cycle renewal to apply.
type RenewalGrant struct {
	AccountID  string
	Plan       entitlement.Plan
	PaymentRef string
	AmountUSD  float64
}

// ApplyRenewal resets the balance for a new billing cycle. Unused credits
// do not roll over. Idempotent on the payment reference like
// ApplyCheckoutCompleted.
func (s *Store) ApplyRenewal(ctx context.Context, grant RenewalGrant) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin renewal: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO eter.transactions (account_id, amount, currency, credits_granted, stripe_payment_id, kind, status)
		VALUES ($1, $2, 'usd', $3, $4, $5, 'completed')
		ON CONFLICT (stripe_payment_id) DO NOTHING`,
		grant.AccountID, grant.AmountUSD, journalCredits(grant.Plan), grant.PaymentRef, models.TransactionRenewal)
	if err != nil {
		return false, fmt.Errorf("insert renewal transaction: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renewal rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE eter.accounts
		SET credit_balance = $2, subscription_status = $3, updated_at = NOW()
		WHERE id = $1`,
		grant.AccountID, grant.Plan.RenewalBalance(), models.SubscriptionActive)
	if err != nil {
		return false, fmt.Errorf("apply renewal balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit renewal: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"account_id":  grant.AccountID,
		"plan_id":     grant.Plan.ID,
		"payment_ref": grant.PaymentRef,
	}).Info("Applied subscription renewal")

	return true, nil
}

// ApplySubscriptionUpdated mirrors the provider's subscription status onto
// the account, including the current period end.
func (s *Store) ApplySubscriptionUpdated(ctx context.Context, customerRef, status string, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE eter.accounts
		SET subscription_status = $2, subscription_expires_at = $3, updated_at = NOW()
		WHERE stripe_customer_id = $1`,
		customerRef, status, expiresAt)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("subscription update rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ApplySubscriptionDeleted downgrades the account to the free tier. Credits
// already granted stay spendable.
func (s *Store) ApplySubscriptionDeleted(ctx context.Context, customerRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE eter.accounts
		SET subscription_tier = $2, subscription_status = $3, updated_at = NOW()
		WHERE stripe_customer_id = $1`,
		customerRef, models.TierFree, models.SubscriptionCanceled)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("subscription cancel rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// IsEventProcessed reports whether a webhook event has been handled before.
func (s *Store) IsEventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM eter.webhook_events WHERE provider = $1 AND event_id = $2)`,
		provider, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

// MarkEventProcessed records a webhook event so replays can be skipped.
func (s *Store) MarkEventProcessed(ctx context.Context, provider, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eter.webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, eventType)
	if err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	return nil
}
