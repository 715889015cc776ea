package handlers

import "encoding/json"

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

type CreateAccountRequest struct {
	Email       string `json:"email" binding:"required,email"`
	DisplayName string `json:"displayName"`
	BirthDate   string `json:"birthDate"` // YYYY-MM-DD, optional
}

type ConsultationRequest struct {
	AccountID    string `json:"accountId"`
	QuestionText string `json:"questionText"`
	DisplayName  string `json:"displayName"`
	BirthDate    string `json:"birthDate"` // YYYY-MM-DD, optional
}

type ConsultationResponse struct {
	AnswerText       string `json:"answerText"`
	CreditsRemaining int64  `json:"creditsRemaining"`
	ZodiacSign       string `json:"zodiacSign,omitempty"`
	LifePathNumber   int    `json:"lifePathNumber,omitempty"`
	Model            string `json:"model,omitempty"`
	Billed           bool   `json:"billed"`
}

type CheckoutRequest struct {
	AccountID  string `json:"accountId"`
	PlanID     string `json:"planId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type CheckoutResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

type PortalRequest struct {
	AccountID string `json:"accountId"`
	ReturnURL string `json:"returnUrl"`
}

type PortalResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

type PlanResponse struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	Credits     int64   `json:"credits"`
	PriceUSD    float64 `json:"priceUsd"`
	Unlimited   bool    `json:"unlimited"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ============================================================================
// STRIPE WEBHOOK PAYLOAD TYPES
// Events are decoded from the raw body, not via the SDK, so signature
// verification stays in our control.
// ============================================================================

type StripeWebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type StripeCheckoutSessionObject struct {
	ID              string `json:"id"`
	Customer        string `json:"customer"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	AmountTotal int64 `json:"amount_total"` // cents
	Metadata    struct {
		AccountID string `json:"account_id"`
		PlanID    string `json:"plan_id"`
	} `json:"metadata"`
}

type StripeSubscriptionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
}

type StripeInvoiceObject struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	BillingReason string `json:"billing_reason"`
	AmountPaid    int64  `json:"amount_paid"` // cents
}
