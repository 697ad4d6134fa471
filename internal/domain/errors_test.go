package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	var err error = &LimitError{Action: ActionPostAnalysis, Used: 5, Limit: 5}
	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected LimitError to match ErrLimitReached")
	}
	wrapped := fmt.Errorf("record: %w", &InsufficientFundsError{Balance: 400, Required: 501})
	if !errors.Is(wrapped, ErrInsufficientFunds) {
		t.Fatalf("expected wrapped InsufficientFundsError to match ErrInsufficientFunds")
	}
	if errors.Is(wrapped, ErrLimitReached) {
		t.Fatalf("insufficient funds must not match limit reached")
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"funds", &InsufficientFundsError{Balance: 1, Required: 2}, "Top up"},
		{"race", fmt.Errorf("%w: %w", ErrDeductionRace, ErrInsufficientFunds), "ran out"},
		{"limit", &LimitError{Action: ActionPostAnalysis, Used: 5, Limit: 5}, "Upgrade for more"},
		{"not on plan", &LimitError{Action: ActionAISearch}, "paid plans"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); !strings.Contains(got, tt.want) {
				t.Errorf("UserMessage() = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestParsePlan(t *testing.T) {
	if _, err := ParsePlan("enterprise"); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
	p, err := ParsePlan("pro")
	if err != nil || p != PlanPro || !p.Metered() {
		t.Fatalf("expected metered pro plan, got %q %v", p, err)
	}
	if PlanFree.Metered() {
		t.Fatalf("free plan must not be metered")
	}
}

func TestParseSubscriptionStatus(t *testing.T) {
	if s, ok := ParseSubscriptionStatus("canceled"); !ok || s != SubscriptionCancelled {
		t.Fatalf("expected canceled to map to cancelled, got %q", s)
	}
	if _, ok := ParseSubscriptionStatus("paused"); ok {
		t.Fatalf("unexpected mapping for paused")
	}
}
