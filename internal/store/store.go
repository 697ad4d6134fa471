// Package store defines the datastore primitives behind the wallet and
// billing services, and the Postgres implementation used in production.
//
// Every method that changes a balance, a counter, a session status or an
// event claim is atomic on its own: locks are taken and released inside the
// call, never across calls.
package store

import (
	"context"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
)

type AccountStore interface {
	// EnsureAccount returns the account, creating it on the free plan if missing.
	EnsureAccount(ctx context.Context, accountID, email string) (*domain.Account, error)
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	GetAccountByCustomerID(ctx context.Context, customerID string) (*domain.Account, error)
	LinkCustomer(ctx context.Context, accountID, customerID string) error
	SetPlan(ctx context.Context, accountID string, plan domain.Plan, trialEndsAt *time.Time) error
	// MarkOnboarded sets onboarded_at once; changed is false if it was already set.
	MarkOnboarded(ctx context.Context, accountID string, at time.Time) (changed bool, err error)
}

type WalletStore interface {
	// Debit subtracts d.Amount and appends the debit entry in one transaction.
	// It fails with *domain.InsufficientFundsError when the balance is short.
	Debit(ctx context.Context, d domain.Debit) (domain.WalletTransaction, error)
	// ResetWallet forfeits any remaining balance, credits allocation and
	// moves the account to plan.
	ResetWallet(ctx context.Context, accountID string, plan domain.Plan, allocation int64, at time.Time) (domain.WalletMutation, error)
	// ClearWallet forfeits any remaining balance and demotes the account to
	// the free plan.
	ClearWallet(ctx context.Context, accountID, reason string, at time.Time) (domain.WalletMutation, error)
	// ListTransactions returns entries newest first; limit <= 0 returns all.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.WalletTransaction, error)
}

type UsageStore interface {
	// IncrementCounter bumps a free-tier counter if it is below limit,
	// restarting both counters when usage_reset_at precedes periodStart.
	// At the limit it returns the current value and domain.ErrLimitReached.
	IncrementCounter(ctx context.Context, accountID string, counter domain.Counter, limit int64, periodStart, at time.Time) (int64, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error
	ListAudit(ctx context.Context, accountID string, limit int) ([]domain.AuditEntry, error)
}

type SubscriptionStore interface {
	// UpsertSubscription writes sub keyed by ExternalID; the last write wins.
	UpsertSubscription(ctx context.Context, sub *domain.Subscription) error
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error)
}

type CheckoutStore interface {
	CreateCheckoutSession(ctx context.Context, s *domain.CheckoutSession) error
	GetCheckoutSession(ctx context.Context, token string) (*domain.CheckoutSession, error)
	LatestPendingCheckoutSession(ctx context.Context, accountID string) (*domain.CheckoutSession, error)
	// ResolveCheckoutSession moves a pending session to completed or failed.
	ResolveCheckoutSession(ctx context.Context, token string, status domain.CheckoutStatus, at time.Time) (bool, error)
	// ExpireCheckoutSession moves a pending session whose expiry is at or
	// before now to expired.
	ExpireCheckoutSession(ctx context.Context, token string, now time.Time) (bool, error)
}

type WebhookStore interface {
	// ClaimWebhookEvent records ev as processing. When a record already
	// exists it is returned unclaimed, unless it failed or has been
	// processing for longer than staleAfter, in which case it is re-claimed.
	ClaimWebhookEvent(ctx context.Context, ev *domain.WebhookEvent, staleAfter time.Duration) (claimed bool, existing *domain.WebhookEvent, err error)
	FinishWebhookEvent(ctx context.Context, eventID string, result domain.WebhookResult, detail string, at time.Time) error
	GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
}

// Store is the full datastore used by the services.
type Store interface {
	AccountStore
	WalletStore
	UsageStore
	AuditStore
	SubscriptionStore
	CheckoutStore
	WebhookStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// MonthStart is the start of the calendar month (UTC) containing t, the
// boundary of the free-tier usage window.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
