package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/pricing"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/service"
)

func TestCanPerformRejectsShortWallet(t *testing.T) {
	e := newEnv(t)
	e.account(t, "user_1")
	e.fund(t, "user_1", domain.PlanStarter, 400)
	before := len(e.transactions(t, "user_1"))

	d, err := e.admission.CanPerform(context.Background(), "user_1", domain.ActionPostAnalysis)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("admitted an action the wallet cannot cover")
	}
	var ife *domain.InsufficientFundsError
	if !errors.As(d.Denial, &ife) || ife.Balance != 400 || ife.Required != 501 {
		t.Errorf("denial = %v, want insufficient funds 400 < 501", d.Denial)
	}
	if d.EstimatedCost != 501 || d.Reason == "" {
		t.Errorf("decision = %+v", d)
	}
	if after := len(e.transactions(t, "user_1")); after != before {
		t.Errorf("admission wrote %d transactions", after-before)
	}
}

func TestCanPerformRejectsExhaustedFreeTier(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "user_1")
	for i := 0; i < 5; i++ {
		if _, err := e.metering.RecordCompletion(ctx, "user_1", service.Completion{Action: domain.ActionPostAnalysis}); err != nil {
			t.Fatalf("completion %d: %v", i+1, err)
		}
	}

	d, err := e.admission.CanPerform(ctx, "user_1", domain.ActionPostAnalysis)
	if err != nil {
		t.Fatal(err)
	}
	var le *domain.LimitError
	if d.Allowed || !errors.As(d.Denial, &le) || le.Used != 5 || le.Limit != 5 {
		t.Fatalf("decision = %+v, want limit reached at 5 of 5", d)
	}
	if got := e.get(t, "user_1").AnalysesUsed; got != 5 {
		t.Errorf("analyses used = %d, want 5", got)
	}

	// Enrichments have their own allowance.
	d, err = e.admission.CanPerform(ctx, "user_1", domain.ActionProfileEnrichment)
	if err != nil || !d.Allowed {
		t.Errorf("enrichment decision = %+v, %v", d, err)
	}
}

func TestCanPerformFreeTierWithoutAllowance(t *testing.T) {
	e := newEnv(t)
	e.account(t, "user_1")
	d, err := e.admission.CanPerform(context.Background(), "user_1", domain.ActionEmailLookup)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || !errors.Is(d.Denial, domain.ErrLimitReached) {
		t.Fatalf("decision = %+v, want limit reached", d)
	}
	if d.Reason != domain.UserMessage(d.Denial) {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestCanPerformNewMonthStartsFresh(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "user_1")
	for i := 0; i < 5; i++ {
		if _, err := e.metering.RecordCompletion(ctx, "user_1", service.Completion{Action: domain.ActionPostAnalysis}); err != nil {
			t.Fatal(err)
		}
	}
	e.clock.Advance(31 * 24 * time.Hour)

	d, err := e.admission.CanPerform(ctx, "user_1", domain.ActionPostAnalysis)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Usage.AnalysesUsed != 0 {
		t.Fatalf("decision = %+v, want a fresh allowance", d)
	}
	if want := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC); !d.Usage.PeriodStart.Equal(want) {
		t.Errorf("period start = %s, want %s", d.Usage.PeriodStart, want)
	}

	s, err := e.metering.RecordCompletion(ctx, "user_1", service.Completion{Action: domain.ActionPostAnalysis})
	if err != nil || s.CounterValue != 1 {
		t.Errorf("first completion of the month = %+v, %v", s, err)
	}
}

func TestCanPerformErrors(t *testing.T) {
	e := newEnv(t)
	e.account(t, "user_1")
	if _, err := e.admission.CanPerform(context.Background(), "user_1", "teleport"); !errors.Is(err, domain.ErrUnknownAction) {
		t.Errorf("unknown action err = %v", err)
	}
	if _, err := e.admission.CanPerform(context.Background(), "ghost", domain.ActionAISearch); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("unknown account err = %v", err)
	}
}

// An admitted metered action can always be paid for, whatever quantities
// the provider reports.
func TestAdmissionIsConservative(t *testing.T) {
	actions := []domain.ActionType{
		domain.ActionPostAnalysis,
		domain.ActionProfileEnrichment,
		domain.ActionEmailLookup,
		domain.ActionAISearch,
		domain.ActionMonitoring,
	}
	reported := []pricing.Quantities{
		{},
		{ReactionCount: 299, CommentCount: 99},
		{ReactionCount: 1000000, CommentCount: 1000000},
	}
	for _, plan := range []domain.Plan{domain.PlanStarter, domain.PlanPro, domain.PlanAgency} {
		for _, action := range actions {
			for qi, q := range reported {
				t.Run(fmt.Sprintf("%s/%s/%d", plan, action, qi), func(t *testing.T) {
					e := newEnv(t)
					ctx := context.Background()
					e.account(t, "user_1")
					est, err := e.catalog.EstimatedMaxCost(plan, action)
					if err != nil {
						t.Fatal(err)
					}
					e.fund(t, "user_1", plan, est)

					d, err := e.admission.CanPerform(ctx, "user_1", action)
					if err != nil || !d.Allowed {
						t.Fatalf("decision = %+v, %v", d, err)
					}
					s, err := e.metering.RecordCompletion(ctx, "user_1", service.Completion{Action: action, Quantities: q})
					if err != nil {
						t.Fatalf("settlement after admission failed: %v", err)
					}
					if s.Cost > est || s.Balance < 0 {
						t.Errorf("settlement = %+v with estimate %d", s, est)
					}
				})
			}
		}
	}
}

func TestSnapshot(t *testing.T) {
	e := newEnv(t)
	e.account(t, "user_1")
	e.fund(t, "user_1", domain.PlanPro, 15000)
	snap, err := e.admission.Snapshot(context.Background(), "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Plan != domain.PlanPro || snap.WalletBalance != 15000 || snap.AnalysesLimit != 5 || snap.EnrichmentsLimit != 10 {
		t.Errorf("snapshot = %+v", snap)
	}
}
