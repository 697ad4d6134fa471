package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/pricing"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
)

// UsageSnapshot is an account's plan and consumption at one instant.
type UsageSnapshot struct {
	Plan             domain.Plan `json:"plan"`
	WalletBalance    int64       `json:"wallet_balance"`
	AnalysesUsed     int64       `json:"analyses_used"`
	AnalysesLimit    int64       `json:"analyses_limit"`
	EnrichmentsUsed  int64       `json:"enrichments_used"`
	EnrichmentsLimit int64       `json:"enrichments_limit"`
	PeriodStart      time.Time   `json:"period_start"`
}

// Decision is the answer to "may this account start this action now".
type Decision struct {
	Allowed bool
	// Reason is the user-facing explanation of a denial.
	Reason string
	// Denial is nil when allowed, otherwise a *domain.LimitError or a
	// *domain.InsufficientFundsError.
	Denial        error
	EstimatedCost int64
	Usage         UsageSnapshot
}

// AdmissionService decides, before an action runs, whether it may run. It
// never mutates state: the free tier is checked against its counters and
// metered plans against the action's worst-case cost.
type AdmissionService struct {
	accounts store.AccountStore
	catalog  pricing.Catalog
	logger   *slog.Logger
	now      func() time.Time
}

func NewAdmissionService(accounts store.AccountStore, catalog pricing.Catalog, opts Options) *AdmissionService {
	opts = opts.withDefaults()
	return &AdmissionService{accounts: accounts, catalog: catalog, logger: opts.Logger, now: opts.Now}
}

func (s *AdmissionService) CanPerform(ctx context.Context, accountID string, action domain.ActionType) (*Decision, error) {
	if _, err := s.catalog.CostOf(action, pricing.Quantities{}); err != nil {
		return nil, err
	}
	a, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	d := &Decision{Usage: s.snapshot(a)}

	if a.Plan.Metered() {
		est, err := s.catalog.EstimatedMaxCost(a.Plan, action)
		if err != nil {
			return nil, err
		}
		d.EstimatedCost = est
		if a.WalletBalance < est {
			d.Denial = &domain.InsufficientFundsError{Balance: a.WalletBalance, Required: est}
		}
	} else {
		counter, limit, ok := s.catalog.FreeAllowance(action)
		if !ok {
			d.Denial = &domain.LimitError{Action: action}
		} else if used := counterValue(d.Usage, counter); used >= limit {
			d.Denial = &domain.LimitError{Action: action, Used: used, Limit: limit}
		}
	}

	d.Allowed = d.Denial == nil
	outcome := "allowed"
	if !d.Allowed {
		d.Reason = domain.UserMessage(d.Denial)
		outcome = "denied"
		s.logger.Debug("action denied",
			"account_id", accountID, "action", action, "plan", a.Plan, "err", d.Denial)
	}
	admissionDecisions.WithLabelValues(string(action), outcome).Inc()
	return d, nil
}

// Snapshot returns the account's current usage without evaluating an action.
func (s *AdmissionService) Snapshot(ctx context.Context, accountID string) (*UsageSnapshot, error) {
	a, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	snap := s.snapshot(a)
	return &snap, nil
}

// snapshot treats counters from a previous calendar month as zero; the
// stored values are only rolled over by the next increment.
func (s *AdmissionService) snapshot(a *domain.Account) UsageSnapshot {
	period := store.MonthStart(s.now())
	free := s.catalog.LimitsFor(domain.PlanFree)
	snap := UsageSnapshot{
		Plan:             a.Plan,
		WalletBalance:    a.WalletBalance,
		AnalysesLimit:    free.FreeAnalyses,
		EnrichmentsLimit: free.FreeEnrichments,
		PeriodStart:      period,
	}
	if !a.UsageResetAt.Before(period) {
		snap.AnalysesUsed = a.AnalysesUsed
		snap.EnrichmentsUsed = a.EnrichmentsUsed
	}
	return snap
}

func counterValue(u UsageSnapshot, c domain.Counter) int64 {
	switch c {
	case domain.CounterAnalyses:
		return u.AnalysesUsed
	case domain.CounterEnrichments:
		return u.EnrichmentsUsed
	}
	return 0
}
