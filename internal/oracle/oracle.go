// Package oracle orchestrates a consultation: entitlement check, prompt
// construction from the account's esoteric profile, model completion, and
// the credit debit that only happens once an answer exists.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Jerson-masa/ETER/internal/entitlement"
	"github.com/Jerson-masa/ETER/internal/esoteric"
	"github.com/Jerson-masa/ETER/internal/ledger"
	"github.com/Jerson-masa/ETER/internal/notify"
	"github.com/Jerson-masa/ETER/pkg/clients"
	"github.com/Jerson-masa/ETER/pkg/llm"
	"github.com/Jerson-masa/ETER/pkg/logging"
	"github.com/Jerson-masa/ETER/pkg/models"
)

var (
	// ErrGenerationUnavailable means the model call failed. No credits
	// were charged.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrInsufficientCredits re-exports the ledger sentinel so handlers
	// only depend on this package.
	ErrInsufficientCredits = ledger.ErrInsufficientCredits

	// ErrAccountNotFound re-exports the ledger sentinel.
	ErrAccountNotFound = ledger.ErrAccountNotFound
)

// fallbackAnswer is returned when the model produces an empty completion.
// The consultation still happened, so it is still billed.
const fallbackAnswer = "El cosmos está nublado hoy..."

const defaultTimeout = 30 * time.Second

// Service answers consultations against a credit ledger.
type Service struct {
	store     *ledger.Store
	provider  llm.Provider
	publisher *notify.Publisher
	breaker   *clients.CircuitBreaker
	logger    logging.Logger
	model     string
	timeout   time.Duration
}

type Config struct {
	Store     *ledger.Store
	Provider  llm.Provider
	Publisher *notify.Publisher // optional
	Logger    logging.Logger
	Model     string
	Timeout   time.Duration
}

func NewService(cfg Config) *Service {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	breaker := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:         "llm",
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
		Logger:       cfg.Logger,
	})

	return &Service{
		store:     cfg.Store,
		provider:  cfg.Provider,
		publisher: cfg.Publisher,
		breaker:   breaker,
		logger:    cfg.Logger,
		model:     cfg.Model,
		timeout:   timeout,
	}
}

// Request is one consultation to answer. DisplayName and BirthDate are
// optional; when supplied they take precedence over the stored account
// profile so a client can consult before completing its profile.
type Request struct {
	AccountID   string
	Question    string
	DisplayName string
	BirthDate   *time.Time
}

// Result is a completed consultation.
type Result struct {
	Answer           string
	CreditsRemaining int64
	ZodiacSign       string
	LifePathNumber   int
	Model            string
	Billed           bool
}

// Consult answers a question for an account. Metered accounts must afford
// the consultation up front and are debited only after an answer was
// produced; a failed generation never charges. If the debit itself fails
// after generation, the answer is still returned and the discrepancy is
// logged for reconciliation.
func (s *Service) Consult(ctx context.Context, req Request) (*Result, error) {
	if s.provider == nil {
		return nil, ErrGenerationUnavailable
	}

	accountID := req.AccountID
	question := req.Question

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	unlimited := account.SubscriptionTier == models.TierUnlimited
	if !unlimited && account.CreditBalance < entitlement.CostPerConsultation {
		return nil, ErrInsufficientCredits
	}

	result := &Result{
		CreditsRemaining: account.CreditBalance,
		Model:            s.model,
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = account.DisplayName
	}
	birthDate := req.BirthDate
	if birthDate == nil {
		birthDate = account.BirthDate
	}
	if birthDate != nil {
		result.ZodiacSign = esoteric.ZodiacSign(*birthDate)
		result.LifePathNumber = esoteric.LifePathNumber(*birthDate)
	}

	answer, err := s.generate(ctx, displayName, question, result)
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"account_id": accountID,
			"error":      err,
		}).Error("Model completion failed")
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}
	if strings.TrimSpace(answer) == "" {
		answer = fallbackAnswer
	}
	result.Answer = answer

	creditsSpent := int64(0)
	if unlimited {
		result.Billed = true
	} else {
		remaining, debitErr := s.store.DebitForConsultation(ctx, accountID, entitlement.CostPerConsultation)
		switch {
		case debitErr == nil:
			creditsSpent = entitlement.CostPerConsultation
			result.CreditsRemaining = remaining
			result.Billed = true
		case errors.Is(debitErr, ledger.ErrInsufficientCredits):
			// Lost a concurrent debit race after passing the
			// precheck. No answer is delivered unpaid.
			return nil, ErrInsufficientCredits
		default:
			// The answer was already generated; keep serving it and
			// leave a trail for manual reconciliation.
			s.logger.WithFields(logging.Fields{
				"account_id": accountID,
				"error":      debitErr,
			}).Error("Debit failed after generation, needs reconciliation")
			result.Billed = false
		}
	}

	if err := s.store.RecordConsultation(ctx, &models.Consultation{
		AccountID:    accountID,
		Question:     question,
		Answer:       result.Answer,
		ModelUsed:    s.model,
		CreditsSpent: creditsSpent,
	}); err != nil {
		// History is best-effort; the user already has the answer.
		s.logger.WithFields(logging.Fields{
			"account_id": accountID,
			"error":      err,
		}).Warn("Failed to record consultation")
	}

	if result.Billed && !unlimited {
		s.publisher.PublishBalance(ctx, accountID, result.CreditsRemaining, "consultation")
	}

	return result, nil
}

func (s *Service) generate(ctx context.Context, displayName, question string, r *Result) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(displayName, r.ZodiacSign, r.LifePathNumber)},
		{Role: llm.RoleUser, Content: question},
	}

	answer, err := s.breaker.Execute(func() (any, error) {
		return s.provider.Complete(ctx, messages)
	})
	if err != nil {
		return "", err
	}
	return answer.(string), nil
}

func systemPrompt(name, zodiac string, lifePath int) string {
	var b strings.Builder
	b.WriteString("Eres ETER, una inteligencia artificial mística y antigua.\n")
	b.WriteString("Tu propósito es guiar al usuario a través de la sabiduría de las estrellas y los números.\n\n")
	b.WriteString("Perfil del Usuario:\n")
	fmt.Fprintf(&b, "- Nombre: %s\n", name)
	if zodiac != "" {
		fmt.Fprintf(&b, "- Signo: %s\n", zodiac)
		fmt.Fprintf(&b, "- Camino de Vida: %d\n", lifePath)
	}
	b.WriteString("\nResponde a su consulta con un tono enigmático pero útil, usando metáforas relacionadas con su signo y número.\n")
	b.WriteString("Sé conciso (máximo 150 palabras).")
	return b.String()
}
