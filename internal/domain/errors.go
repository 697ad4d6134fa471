package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAccountNotFound   = errors.New("account not found")
	ErrSessionNotFound   = errors.New("checkout session not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLimitReached      = errors.New("usage limit reached")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrReplayedTimestamp = errors.New("webhook timestamp outside tolerance")
	ErrDuplicateEvent    = errors.New("duplicate webhook event")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrSessionExpired    = errors.New("checkout session expired")
	ErrDeductionRace     = errors.New("balance changed between admission and settlement")

	ErrEventInProgress = errors.New("webhook event is being processed")
	ErrInvalidPlan     = errors.New("invalid plan")
	ErrUnknownProduct  = errors.New("unknown product")
	ErrUnknownAction   = errors.New("unknown action type")
	ErrInvalidAmount   = errors.New("amount must be positive")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrEventNotFound        = errors.New("webhook event not found")
)

// LimitError carries the counter state behind an ErrLimitReached.
type LimitError struct {
	Action ActionType
	Used   int64
	Limit  int64
}

func (e *LimitError) Error() string {
	if e.Limit == 0 {
		return fmt.Sprintf("%s is not included in the free plan", e.Action)
	}
	return fmt.Sprintf("free plan limit reached for %s: %d of %d used", e.Action, e.Used, e.Limit)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitReached }

// InsufficientFundsError carries the balance shortfall behind an ErrInsufficientFunds.
type InsufficientFundsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, required %d", e.Balance, e.Required)
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// UserMessage returns the actionable text shown for a denial.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeductionRace):
		return "Your credits ran out while this action was running. Top up or wait for your next renewal."
	case errors.Is(err, ErrInsufficientFunds):
		return "Not enough credits for this action. Top up or wait for your next renewal."
	case errors.Is(err, ErrLimitReached):
		var le *LimitError
		if errors.As(err, &le) && le.Limit == 0 {
			return "This feature is available on paid plans. Upgrade to unlock it."
		}
		return "You have used all free actions for this month. Upgrade for more."
	case errors.Is(err, ErrAccountNotFound):
		return "Account not found."
	}
	return "Something went wrong."
}
