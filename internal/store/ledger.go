package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
)

// ForfeitEntry is the debit that zeroes a wallet holding balance.
func ForfeitEntry(accountID string, balance int64, cause string, at time.Time) domain.WalletTransaction {
	var meta map[string]string
	if cause != "" {
		meta = map[string]string{"cause": cause}
	}
	return domain.WalletTransaction{
		AccountID:    accountID,
		Amount:       -balance,
		BalanceAfter: 0,
		Type:         domain.TransactionDebit,
		Reason:       domain.ReasonForfeited,
		Metadata:     meta,
		CreatedAt:    at,
	}
}

// ResetEntries are the entries appended by a cycle reset, in order: a
// forfeiture of the old balance (if any) followed by the new allocation
// (if any).
func ResetEntries(accountID string, balance, allocation int64, at time.Time) []domain.WalletTransaction {
	var out []domain.WalletTransaction
	if balance > 0 {
		out = append(out, ForfeitEntry(accountID, balance, "cycle_reset", at))
	}
	if allocation > 0 {
		out = append(out, domain.WalletTransaction{
			AccountID:    accountID,
			Amount:       allocation,
			BalanceAfter: allocation,
			Type:         domain.TransactionCredit,
			Reason:       domain.ReasonAllocation,
			CreatedAt:    at,
		})
	}
	return out
}

// Reclaimable reports whether an existing event record may be claimed again
// at now: failed deliveries always, in-flight ones once they are stale.
func Reclaimable(existing *domain.WebhookEvent, now time.Time, staleAfter time.Duration) bool {
	switch existing.Result {
	case domain.WebhookFailed:
		return true
	case domain.WebhookProcessing:
		return now.Sub(existing.ReceivedAt) >= staleAfter
	}
	return false
}

// CounterColumns returns the column for counter and the column sharing its
// usage window.
func CounterColumns(c domain.Counter) (col, other string, err error) {
	switch c {
	case domain.CounterAnalyses:
		return string(domain.CounterAnalyses), string(domain.CounterEnrichments), nil
	case domain.CounterEnrichments:
		return string(domain.CounterEnrichments), string(domain.CounterAnalyses), nil
	}
	return "", "", fmt.Errorf("unknown usage counter %q", c)
}

// EncodeMetadata marshals m for a JSON column; empty maps are stored as NULL.
func EncodeMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func DecodeMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
