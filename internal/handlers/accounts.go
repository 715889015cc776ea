package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/Jerson-masa/ETER/internal/ledger"
	"github.com/Jerson-masa/ETER/pkg/logging"
	"github.com/Jerson-masa/ETER/pkg/middleware"
)

// CreateAccount registers an account (or returns the existing one for the
// email), seeded with the starting credit grant.
// POST /accounts
func CreateAccount(c middleware.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "A valid email is required"})
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

	account, err := store.EnsureAccount(c.Request.Context(), req.Email, req.DisplayName, birthDate)
	if err != nil {
		logger.WithFields(logging.Fields{"email": req.Email, "error": err}).Error("Failed to ensure account")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
		return
	}

	c.JSON(http.StatusOK, account)
}

// GetAccount returns an account's current balance and subscription state.
// GET /accounts/:id
func GetAccount(c middleware.Context) {
	account, err := store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Account not found"})
			return
		}
		logger.WithFields(logging.Fields{"account_id": c.Param("id"), "error": err}).Error("Failed to load account")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
		return
	}

	c.JSON(http.StatusOK, account)
}
