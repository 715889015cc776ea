package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Jerson-masa/ETER/internal/oracle"
	"github.com/Jerson-masa/ETER/pkg/logging"
	"github.com/Jerson-masa/ETER/pkg/middleware"
)

// CreateConsultation answers a question for an account, charging credits.
// POST /consultations
func CreateConsultation(c middleware.Context) {
	var req ConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.AccountID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "accountId is required"})
		return
	}
	if strings.TrimSpace(req.QuestionText) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "questionText is required"})
		return
	}

	var birthDate *time.Time
	if req.BirthDate != "" {
		parsed, err := time.Parse("2006-01-02", req.BirthDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "birthDate must be YYYY-MM-DD"})
			return
		}
		birthDate = &parsed
	}

	result, err := oracleSvc.Consult(c.Request.Context(), oracle.Request{
		AccountID:   req.AccountID,
		Question:    req.QuestionText,
		DisplayName: req.DisplayName,
		BirthDate:   birthDate,
	})
	if err != nil {
		switch {
		case errors.Is(err, oracle.ErrAccountNotFound):
			recordConsultation("not_found")
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Account not found"})
		case errors.Is(err, oracle.ErrInsufficientCredits):
			recordConsultation("insufficient_credits")
			c.JSON(http.StatusForbidden, ErrorResponse{Error: "Créditos insuficientes"})
		case errors.Is(err, oracle.ErrGenerationUnavailable):
			recordConsultation("unavailable")
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "El oráculo no está disponible, no se cobraron créditos"})
		default:
			logger.WithFields(logging.Fields{
				"account_id": req.AccountID,
				"error":      err,
			}).Error("Consultation failed")
			recordConsultation("error")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
		}
		return
	}

	recordConsultation("answered")
	c.JSON(http.StatusOK, ConsultationResponse{
		AnswerText:       result.Answer,
		CreditsRemaining: result.CreditsRemaining,
		ZodiacSign:       result.ZodiacSign,
		LifePathNumber:   result.LifePathNumber,
		Model:            result.Model,
		Billed:           result.Billed,
	})
}

func recordConsultation(status string) {
	if metrics != nil && metrics.Consultations != nil {
		metrics.Consultations.WithLabelValues(status).Inc()
	}
}
