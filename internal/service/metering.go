package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/pricing"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
)

// Completion reports an action that has already run, with the quantities it
// really consumed.
type Completion struct {
	Action     domain.ActionType
	Quantities pricing.Quantities
	Metadata   map[string]string
}

// Settlement is what a completion cost.
type Settlement struct {
	// Cost is the amount debited; zero on the free tier.
	Cost int64
	// Balance is the wallet balance after the debit (metered plans).
	Balance int64
	// CounterValue is the free-tier counter after the increment.
	CounterValue int64
	// Clamped is set when the reported quantities exceeded the plan caps.
	Clamped bool
}

// Audit outcomes for completed actions.
const (
	OutcomeSettled          = "settled"
	OutcomeCounted          = "counted"
	OutcomeLimitReached     = "limit_reached"
	OutcomeSettlementFailed = "settlement_failed"
)

// MeteringService settles completed actions: free-tier counters are bumped
// with an atomic conditional increment, metered wallets are debited the real
// cost.
type MeteringService struct {
	store   store.Store
	wallet  *WalletService
	catalog pricing.Catalog
	audit   auditor
	logger  *slog.Logger
	now     func() time.Time
}

func NewMeteringService(s store.Store, wallet *WalletService, catalog pricing.Catalog, opts Options) *MeteringService {
	opts = opts.withDefaults()
	return &MeteringService{
		store:   s,
		wallet:  wallet,
		catalog: catalog,
		audit:   auditor{store: s, logger: opts.Logger, now: opts.Now},
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// RecordCompletion settles c against the account. On a metered plan a debit
// that no longer fits the balance fails with ErrDeductionRace wrapping
// ErrInsufficientFunds; the balance is left untouched and the shortfall is
// audited. The action itself is not reversible, so nothing else is undone.
func (m *MeteringService) RecordCompletion(ctx context.Context, accountID string, c Completion) (*Settlement, error) {
	if _, err := m.catalog.CostOf(c.Action, c.Quantities); err != nil {
		return nil, err
	}
	a, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Plan.Metered() {
		return m.settleMetered(ctx, a, c)
	}
	return m.settleFree(ctx, a, c)
}

func (m *MeteringService) settleFree(ctx context.Context, a *domain.Account, c Completion) (*Settlement, error) {
	counter, limit, ok := m.catalog.FreeAllowance(c.Action)
	if !ok {
		settlements.WithLabelValues(string(c.Action), OutcomeLimitReached).Inc()
		return nil, &domain.LimitError{Action: c.Action}
	}

	now := m.now().UTC()
	used, err := m.store.IncrementCounter(ctx, a.ID, counter, limit, store.MonthStart(now), now)
	entry := domain.AuditEntry{
		AccountID:  a.ID,
		Kind:       domain.AuditAction,
		ActionType: c.Action,
		Quantities: c.Quantities.AsMap(),
		Metadata:   c.Metadata,
	}
	switch {
	case errors.Is(err, domain.ErrLimitReached):
		settlements.WithLabelValues(string(c.Action), OutcomeLimitReached).Inc()
		entry.Outcome = OutcomeLimitReached
		m.audit.record(ctx, entry)
		return nil, &domain.LimitError{Action: c.Action, Used: used, Limit: limit}
	case err != nil:
		settlements.WithLabelValues(string(c.Action), "error").Inc()
		return nil, fmt.Errorf("record %s: %w", c.Action, err)
	}

	settlements.WithLabelValues(string(c.Action), OutcomeCounted).Inc()
	entry.Outcome = OutcomeCounted
	m.audit.record(ctx, entry)
	return &Settlement{CounterValue: used}, nil
}

func (m *MeteringService) settleMetered(ctx context.Context, a *domain.Account, c Completion) (*Settlement, error) {
	q := m.catalog.Clamp(a.Plan, c.Quantities)
	clamped := q != c.Quantities
	if clamped {
		m.logger.Info("quantities clamped to plan caps",
			"account_id", a.ID, "action", c.Action, "plan", a.Plan,
			"reported_reactions", c.Quantities.ReactionCount, "reported_comments", c.Quantities.CommentCount)
	}
	cost, err := m.catalog.CostOf(c.Action, q)
	if err != nil {
		return nil, err
	}

	entry := domain.AuditEntry{
		AccountID:  a.ID,
		Kind:       domain.AuditAction,
		ActionType: c.Action,
		Quantities: q.AsMap(),
		Cost:       cost,
		Metadata:   c.Metadata,
	}
	balance, err := m.wallet.Deduct(ctx, a.ID, cost, c.Action, string(c.Action), c.Metadata)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			settlements.WithLabelValues(string(c.Action), OutcomeSettlementFailed).Inc()
			m.logger.Warn("settlement failed after action ran",
				"account_id", a.ID, "action", c.Action, "cost", cost, "err", err)
			entry.Outcome = OutcomeSettlementFailed
			entry.Detail = err.Error()
			m.audit.record(ctx, entry)
			return nil, fmt.Errorf("%w: %w", domain.ErrDeductionRace, err)
		}
		settlements.WithLabelValues(string(c.Action), "error").Inc()
		return nil, fmt.Errorf("record %s: %w", c.Action, err)
	}

	settlements.WithLabelValues(string(c.Action), OutcomeSettled).Inc()
	entry.Outcome = OutcomeSettled
	m.audit.record(ctx, entry)
	return &Settlement{Cost: cost, Balance: balance, Clamped: clamped}, nil
}
