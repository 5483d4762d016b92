package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError rejects a request before any state is touched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Is makes every validation error match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ErrValidation is the family of request validation failures.
var ErrValidation = errors.New("validation failed")

var (
	ErrInvalidAmount      error = &ValidationError{Reason: "amount must be greater than zero"}
	ErrBelowMinimum       error = &ValidationError{Reason: "amount is below the minimum"}
	ErrExceedsMaximum     error = &ValidationError{Reason: "amount exceeds the daily maximum"}
	ErrInvalidAddress     error = &ValidationError{Reason: "invalid destination address"}
	ErrUnsupportedAsset   error = &ValidationError{Reason: "unsupported asset"}
	ErrUnsupportedNetwork error = &ValidationError{Reason: "unsupported network"}
	ErrQuoteMismatch      error = &ValidationError{Reason: "quote does not match the requested assets"}
)

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrRecipientNotFound      = errors.New("recipient not found")
	ErrSelfTransferNotAllowed = errors.New("self transfer is not allowed")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountExists          = errors.New("account already exists")
	ErrAliasTaken             = errors.New("alias already taken")
	ErrAliasSpaceExhausted    = errors.New("could not mint a free alias")

	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStaleStatus         = errors.New("transaction status changed concurrently")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrTransactionNotFound = errors.New("transaction not found")

	ErrExternalSettlement       = errors.New("external settlement failure")
	ErrCancellationWindowClosed = errors.New("cancellation window closed")

	ErrQuoteExpired       = errors.New("quote expired")
	ErrQuoteNotFound      = errors.New("quote not found")
	ErrQuoteAlreadyUsed   = errors.New("quote already used")
	ErrStaleQuote         = errors.New("quote was priced from stale rates")
	ErrPricingUnavailable = errors.New("pricing unavailable")
)

// InsufficientFundsError names the asset that could not cover a debit.
type InsufficientFundsError struct {
	Asset     string
	Available string
	Required  string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s balance: have %s need %s", e.Asset, e.Available, e.Required)
}

// Is makes the typed error match ErrInsufficientFunds.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// InsufficientAsset extracts the asset name from an insufficient funds error.
func InsufficientAsset(err error) (string, bool) {
	var target *InsufficientFundsError
	if errors.As(err, &target) {
		return target.Asset, true
	}
	return "", false
}
