package web

import (
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Asset   string `json:"asset,omitempty"`
}

type errorClass struct {
	target error
	status int
	code   string
}

// first match wins, so families go after their members.
var errorClasses = []errorClass{
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{domain.ErrSelfTransferNotAllowed, http.StatusBadRequest, "self_transfer"},
	{domain.ErrValidation, http.StatusBadRequest, "validation"},
	{domain.ErrRecipientNotFound, http.StatusNotFound, "recipient_not_found"},
	{domain.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
	{domain.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{domain.ErrQuoteNotFound, http.StatusNotFound, "quote_not_found"},
	{domain.ErrAccountExists, http.StatusConflict, "account_exists"},
	{domain.ErrConcurrencyConflict, http.StatusConflict, "concurrency_conflict"},
	{domain.ErrStaleStatus, http.StatusConflict, "stale_status"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrCancellationWindowClosed, http.StatusConflict, "cancellation_window_closed"},
	{domain.ErrQuoteAlreadyUsed, http.StatusConflict, "quote_already_used"},
	{domain.ErrStaleQuote, http.StatusConflict, "stale_quote"},
	{domain.ErrQuoteExpired, http.StatusGone, "quote_expired"},
	{domain.ErrPricingUnavailable, http.StatusServiceUnavailable, "pricing_unavailable"},
	{domain.ErrAliasSpaceExhausted, http.StatusServiceUnavailable, "alias_space_exhausted"},
}

func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	resp := errorResponse{Error: code, Message: err.Error()}
	if asset, ok := domain.InsufficientAsset(err); ok {
		resp.Asset = asset
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}
