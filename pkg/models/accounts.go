package models

import (
	"time"
)

// Subscription tiers. The unlimited tier never pays per consultation; its
// balance holds the UnlimitedBalance sentinel so displays stay meaningful.
const (
	TierFree      = "free"
	TierStandard  = "standard"
	TierUnlimited = "unlimited"
)

// Subscription statuses as reconciled from payment-provider events.
const (
	SubscriptionNone     = "none"
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
	SubscriptionPastDue  = "past_due"
)

// Account is a user's credit and subscription record.
type Account struct {
	ID                    string     `json:"id" db:"id"`
	Email                 string     `json:"email" db:"email"`
	DisplayName           string     `json:"display_name" db:"display_name"`
	BirthDate             *time.Time `json:"birth_date,omitempty" db:"birth_date"`
	CreditBalance         int64      `json:"credit_balance" db:"credit_balance"`
	SubscriptionTier      string     `json:"subscription_tier" db:"subscription_tier"`
	SubscriptionStatus    string     `json:"subscription_status" db:"subscription_status"`
	StripeCustomerID      *string    `json:"-" db:"stripe_customer_id"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty" db:"subscription_expires_at"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// Transaction kinds.
const (
	TransactionPurchase     = "purchase"
	TransactionRenewal      = "renewal"
	TransactionConsultation = "consultation"
)

// Transaction is an append-only audit entry. Purchases and renewals carry the
// provider payment reference; consultation debits carry a negative
// CreditsGranted and no reference.
type Transaction struct {
	ID              string    `json:"id" db:"id"`
	AccountID       string    `json:"account_id" db:"account_id"`
	Amount          float64   `json:"amount" db:"amount"`
	Currency        string    `json:"currency" db:"currency"`
	CreditsGranted  int64     `json:"credits_granted" db:"credits_granted"`
	StripePaymentID *string   `json:"stripe_payment_id,omitempty" db:"stripe_payment_id"`
	Kind            string    `json:"kind" db:"kind"`
	Status          string    `json:"status" db:"status"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Consultation is an immutable record of one question/answer exchange.
type Consultation struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	Question     string    `json:"question" db:"question"`
	Answer       string    `json:"answer" db:"answer"`
	ModelUsed    string    `json:"model_used" db:"model_used"`
	CreditsSpent int64     `json:"credits_spent" db:"credits_spent"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
