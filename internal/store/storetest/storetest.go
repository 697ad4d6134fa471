// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
)

// Factory returns an empty, migrated store. Each call must be isolated from
// the others.
type Factory func(t *testing.T) store.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EnsureAccountIsIdempotent", testEnsureAccount},
		{"CustomerLinking", testCustomerLinking},
		{"DebitRejectsShortBalance", testDebitShortBalance},
		{"ConcurrentDebitsNeverOverdraw", testConcurrentDebits},
		{"ResetForfeitsThenAllocates", testResetForfeits},
		{"ClearForfeitsAndDemotes", testClearForfeits},
		{"LedgerReplaysToBalance", testLedgerReplay},
		{"CounterStopsAtLimit", testCounterLimit},
		{"ConcurrentCounterIncrements", testConcurrentCounter},
		{"CounterRollsMonthlyWindow", testCounterRollover},
		{"SubscriptionUpsertLastWriteWins", testSubscriptionUpsert},
		{"CheckoutTransitions", testCheckoutTransitions},
		{"WebhookClaimSemantics", testWebhookClaim},
		{"AuditAppendAndList", testAudit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var t0 = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func mustAccount(t *testing.T, s store.Store, accountID string) *domain.Account {
	t.Helper()
	a, err := s.EnsureAccount(context.Background(), accountID, accountID+"@example.com")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	return a
}

func fund(t *testing.T, s store.Store, accountID string, amount int64) {
	t.Helper()
	if _, err := s.ResetWallet(context.Background(), accountID, domain.PlanStarter, amount, t0); err != nil {
		t.Fatalf("ResetWallet: %v", err)
	}
}

func testEnsureAccount(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustAccount(t, s, "user_1")
	if a.Plan != domain.PlanFree || a.WalletBalance != 0 {
		t.Fatalf("new account = %+v, want free plan with empty wallet", a)
	}
	again, err := s.EnsureAccount(ctx, "user_1", "other@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if again.Email != "user_1@example.com" {
		t.Errorf("email overwritten: %q", again.Email)
	}
	if _, err := s.GetAccount(ctx, "missing"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("GetAccount(missing) err = %v", err)
	}
}

func testCustomerLinking(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	if err := s.LinkCustomer(ctx, "user_1", "cus_9"); err != nil {
		t.Fatal(err)
	}
	a, err := s.GetAccountByCustomerID(ctx, "cus_9")
	if err != nil || a.ID != "user_1" {
		t.Fatalf("GetAccountByCustomerID = %v, %v", a, err)
	}
	if _, err := s.GetAccountByCustomerID(ctx, "cus_unknown"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("unknown customer err = %v", err)
	}
	if err := s.LinkCustomer(ctx, "missing", "cus_1"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("LinkCustomer(missing) err = %v", err)
	}

	trial := t0.Add(72 * time.Hour)
	if err := s.SetPlan(ctx, "user_1", domain.PlanPro, &trial); err != nil {
		t.Fatal(err)
	}
	a, _ = s.GetAccount(ctx, "user_1")
	if a.Plan != domain.PlanPro || a.TrialEndsAt == nil || !a.TrialEndsAt.Equal(trial) {
		t.Errorf("after SetPlan = %+v", a)
	}

	changed, err := s.MarkOnboarded(ctx, "user_1", t0)
	if err != nil || !changed {
		t.Fatalf("first MarkOnboarded = %v, %v", changed, err)
	}
	changed, err = s.MarkOnboarded(ctx, "user_1", t0.Add(time.Hour))
	if err != nil || changed {
		t.Fatalf("second MarkOnboarded = %v, %v", changed, err)
	}
}

func testDebitShortBalance(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	fund(t, s, "user_1", 400)

	_, err := s.Debit(ctx, domain.Debit{AccountID: "user_1", Amount: 501, Reason: "post_analysis", At: t0})
	var ife *domain.InsufficientFundsError
	if !errors.As(err, &ife) || ife.Balance != 400 || ife.Required != 501 {
		t.Fatalf("Debit err = %v, want InsufficientFundsError{400, 501}", err)
	}
	if _, err := s.Debit(ctx, domain.Debit{AccountID: "user_1", Amount: 0, At: t0}); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero debit err = %v", err)
	}
	if _, err := s.Debit(ctx, domain.Debit{AccountID: "missing", Amount: 1, At: t0}); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("missing account err = %v", err)
	}

	txs, err := s.ListTransactions(ctx, "user_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Reason != domain.ReasonAllocation {
		t.Errorf("transactions = %+v, want only the allocation", txs)
	}
}

func testConcurrentDebits(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	fund(t, s, "user_1", 1000)

	const workers = 25
	var ok, short int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Debit(ctx, domain.Debit{AccountID: "user_1", Amount: 70, Reason: "ai_search", At: t0})
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, domain.ErrInsufficientFunds):
				atomic.AddInt64(&short, 1)
			default:
				t.Errorf("Debit: %v", err)
			}
		}()
	}
	wg.Wait()

	a, err := s.GetAccount(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if ok != 14 || short != workers-14 {
		t.Errorf("succeeded %d, short %d; want 14 and %d", ok, short, workers-14)
	}
	if want := 1000 - ok*70; a.WalletBalance != want {
		t.Errorf("balance = %d, want %d", a.WalletBalance, want)
	}
}

func testResetForfeits(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	fund(t, s, "user_1", 5000)
	if _, err := s.Debit(ctx, domain.Debit{AccountID: "user_1", Amount: 1200, Reason: "x", At: t0}); err != nil {
		t.Fatal(err)
	}

	m, err := s.ResetWallet(ctx, "user_1", domain.PlanPro, 15000, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if m.Balance != 15000 || len(m.Transactions) != 2 {
		t.Fatalf("mutation = %+v", m)
	}
	if f := m.Transactions[0]; f.Amount != -3800 || f.Reason != domain.ReasonForfeited || f.BalanceAfter != 0 {
		t.Errorf("forfeiture entry = %+v", f)
	}
	if c := m.Transactions[1]; c.Amount != 15000 || c.Type != domain.TransactionCredit || c.BalanceAfter != 15000 {
		t.Errorf("allocation entry = %+v", c)
	}
	a, _ := s.GetAccount(ctx, "user_1")
	if a.Plan != domain.PlanPro || a.WalletBalance != 15000 || a.WalletResetAt == nil {
		t.Errorf("account after reset = %+v", a)
	}

	// A reset of an empty wallet writes only the credit.
	mustAccount(t, s, "user_2")
	m, err = s.ResetWallet(ctx, "user_2", domain.PlanStarter, 5000, t0)
	if err != nil || len(m.Transactions) != 1 {
		t.Fatalf("empty reset = %+v, %v", m, err)
	}
}

func testClearForfeits(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	fund(t, s, "user_1", 2000)

	m, err := s.ClearWallet(ctx, "user_1", "subscription_expired", t0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Balance != 0 || len(m.Transactions) != 1 || m.Transactions[0].Amount != -2000 ||
		m.Transactions[0].Reason != domain.ReasonForfeited {
		t.Fatalf("clear mutation = %+v", m)
	}
	a, _ := s.GetAccount(ctx, "user_1")
	if a.Plan != domain.PlanFree || a.WalletBalance != 0 {
		t.Errorf("account after clear = %+v", a)
	}

	m, err = s.ClearWallet(ctx, "user_1", "subscription_expired", t0)
	if err != nil || len(m.Transactions) != 0 {
		t.Fatalf("second clear = %+v, %v; want no entries", m, err)
	}
}

func testLedgerReplay(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	fund(t, s, "user_1", 5000)
	for _, amt := range []int64{501, 10, 20, 5, 2} {
		if _, err := s.Debit(ctx, domain.Debit{AccountID: "user_1", Amount: amt, Reason: "x", At: t0}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ResetWallet(ctx, "user_1", domain.PlanPro, 15000, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Debit(ctx, domain.Debit{AccountID: "user_1", Amount: 99, Reason: "x", At: t0.Add(2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	txs, err := s.ListTransactions(ctx, "user_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var sum int64
	for i := len(txs) - 1; i >= 0; i-- {
		sum += txs[i].Amount
		if sum != txs[i].BalanceAfter {
			t.Fatalf("entry %s: running sum %d != balance_after %d", txs[i].ID, sum, txs[i].BalanceAfter)
		}
	}
	a, _ := s.GetAccount(ctx, "user_1")
	if sum != a.WalletBalance {
		t.Errorf("replayed %d, balance %d", sum, a.WalletBalance)
	}

	latest, err := s.ListTransactions(ctx, "user_1", 2)
	if err != nil || len(latest) != 2 || latest[0].Amount != -99 {
		t.Errorf("limited listing = %+v, %v", latest, err)
	}
}

func testCounterLimit(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	period := store.MonthStart(time.Now())

	for i := int64(1); i <= 5; i++ {
		used, err := s.IncrementCounter(ctx, "user_1", domain.CounterAnalyses, 5, period, time.Now())
		if err != nil || used != i {
			t.Fatalf("increment %d = %d, %v", i, used, err)
		}
	}
	used, err := s.IncrementCounter(ctx, "user_1", domain.CounterAnalyses, 5, period, time.Now())
	if !errors.Is(err, domain.ErrLimitReached) || used != 5 {
		t.Fatalf("over limit = %d, %v", used, err)
	}
	a, _ := s.GetAccount(ctx, "user_1")
	if a.AnalysesUsed != 5 || a.EnrichmentsUsed != 0 {
		t.Errorf("counters = %d/%d", a.AnalysesUsed, a.EnrichmentsUsed)
	}
	if _, err := s.IncrementCounter(ctx, "missing", domain.CounterAnalyses, 5, period, time.Now()); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("missing account err = %v", err)
	}
}

func testConcurrentCounter(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	period := store.MonthStart(time.Now())

	const calls, limit = 40, 10
	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementCounter(ctx, "user_1", domain.CounterEnrichments, limit, period, time.Now())
			if err == nil {
				atomic.AddInt64(&admitted, 1)
			} else if !errors.Is(err, domain.ErrLimitReached) {
				t.Errorf("IncrementCounter: %v", err)
			}
		}()
	}
	wg.Wait()
	if admitted != limit {
		t.Errorf("admitted %d of %d, want %d", admitted, calls, limit)
	}
	a, _ := s.GetAccount(ctx, "user_1")
	if a.EnrichmentsUsed != limit {
		t.Errorf("enrichments_used = %d", a.EnrichmentsUsed)
	}
}

func testCounterRollover(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	now := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := s.IncrementCounter(ctx, "user_1", domain.CounterAnalyses, 5, store.MonthStart(now), now); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.IncrementCounter(ctx, "user_1", domain.CounterEnrichments, 10, store.MonthStart(now), now); err != nil {
		t.Fatal(err)
	}

	next := store.MonthStart(now).AddDate(0, 1, 3)
	used, err := s.IncrementCounter(ctx, "user_1", domain.CounterAnalyses, 5, store.MonthStart(next), next)
	if err != nil || used != 1 {
		t.Fatalf("first increment of new month = %d, %v", used, err)
	}
	a, _ := s.GetAccount(ctx, "user_1")
	if a.AnalysesUsed != 1 || a.EnrichmentsUsed != 0 {
		t.Errorf("counters after rollover = %d/%d, want 1/0", a.AnalysesUsed, a.EnrichmentsUsed)
	}
}

func testSubscriptionUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	sub := &domain.Subscription{
		AccountID:          "user_1",
		Plan:               domain.PlanStarter,
		Status:             domain.SubscriptionActive,
		CurrentPeriodStart: t0,
		CurrentPeriodEnd:   t0.AddDate(0, 1, 0),
		ExternalID:         "sub_ext_1",
		CustomerID:         "cus_1",
		UpdatedAt:          t0,
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	firstID := sub.ID

	sub2 := *sub
	sub2.ID = ""
	sub2.Plan = domain.PlanPro
	sub2.Status = domain.SubscriptionPastDue
	sub2.UpdatedAt = t0.Add(time.Hour)
	if err := s.UpsertSubscription(ctx, &sub2); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSubscriptionByExternalID(ctx, "sub_ext_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != firstID || got.Plan != domain.PlanPro || got.Status != domain.SubscriptionPastDue {
		t.Errorf("subscription = %+v", got)
	}
	if !got.CurrentPeriodEnd.Equal(t0.AddDate(0, 1, 0)) {
		t.Errorf("period end = %v", got.CurrentPeriodEnd)
	}
	if _, err := s.GetSubscriptionByExternalID(ctx, "nope"); !errors.Is(err, domain.ErrSubscriptionNotFound) {
		t.Errorf("missing subscription err = %v", err)
	}
}

func testCheckoutTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAccount(t, s, "user_1")
	for i, tok := range []string{"tok_old", "tok_new"} {
		err := s.CreateCheckoutSession(ctx, &domain.CheckoutSession{
			CallbackToken: tok,
			AccountID:     "user_1",
			Plan:          domain.PlanPro,
			Status:        domain.CheckoutPending,
			ExpiresAt:     t0.Add(30 * time.Minute),
			CreatedAt:     t0.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	latest, err := s.LatestPendingCheckoutSession(ctx, "user_1")
	if err != nil || latest.CallbackToken != "tok_new" {
		t.Fatalf("latest pending = %+v, %v", latest, err)
	}

	if ok, err := s.ExpireCheckoutSession(ctx, "tok_new", t0.Add(10*time.Minute)); err != nil || ok {
		t.Fatalf("expire before deadline = %v, %v", ok, err)
	}
	if ok, err := s.ResolveCheckoutSession(ctx, "tok_new", domain.CheckoutCompleted, t0.Add(10*time.Minute)); err != nil || !ok {
		t.Fatalf("complete = %v, %v", ok, err)
	}
	if ok, _ := s.ResolveCheckoutSession(ctx, "tok_new", domain.CheckoutFailed, t0.Add(11*time.Minute)); ok {
		t.Error("completed session resolved twice")
	}
	if ok, _ := s.ExpireCheckoutSession(ctx, "tok_new", t0.Add(time.Hour)); ok {
		t.Error("completed session expired")
	}

	if ok, err := s.ExpireCheckoutSession(ctx, "tok_old", t0.Add(time.Hour)); err != nil || !ok {
		t.Fatalf("expire past deadline = %v, %v", ok, err)
	}
	if ok, _ := s.ResolveCheckoutSession(ctx, "tok_old", domain.CheckoutCompleted, t0.Add(time.Hour)); ok {
		t.Error("expired session completed")
	}

	if _, err := s.ResolveCheckoutSession(ctx, "tok_old", domain.CheckoutExpired, t0); err == nil {
		t.Error("resolve to expired should be rejected")
	}

	got, err := s.GetCheckoutSession(ctx, "tok_new")
	if err != nil || got.Status != domain.CheckoutCompleted || got.CompletedAt == nil {
		t.Errorf("session = %+v, %v", got, err)
	}
	if _, err := s.LatestPendingCheckoutSession(ctx, "user_1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("no pending err = %v", err)
	}
	if _, err := s.GetCheckoutSession(ctx, "nope"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("missing session err = %v", err)
	}
}

func testWebhookClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	ev := func(at time.Time) *domain.WebhookEvent {
		return &domain.WebhookEvent{
			EventID:    "evt_1",
			EventType:  "payment.succeeded",
			Payload:    []byte(`{"event_id":"evt_1"}`),
			ReceivedAt: at,
		}
	}
	const stale = 5 * time.Minute

	claimed, _, err := s.ClaimWebhookEvent(ctx, ev(t0), stale)
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}
	claimed, existing, err := s.ClaimWebhookEvent(ctx, ev(t0.Add(time.Second)), stale)
	if err != nil || claimed || existing == nil || existing.Result != domain.WebhookProcessing {
		t.Fatalf("in-flight claim = %v, %+v, %v", claimed, existing, err)
	}

	if err := s.FinishWebhookEvent(ctx, "evt_1", domain.WebhookFailed, "boom", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	claimed, _, err = s.ClaimWebhookEvent(ctx, ev(t0.Add(time.Minute)), stale)
	if err != nil || !claimed {
		t.Fatalf("claim after failure = %v, %v", claimed, err)
	}

	// An abandoned claim becomes reclaimable once stale.
	claimed, _, err = s.ClaimWebhookEvent(ctx, ev(t0.Add(time.Minute+stale)), stale)
	if err != nil || !claimed {
		t.Fatalf("stale reclaim = %v, %v", claimed, err)
	}

	if err := s.FinishWebhookEvent(ctx, "evt_1", domain.WebhookProcessed, "", t0.Add(7*time.Minute)); err != nil {
		t.Fatal(err)
	}
	claimed, existing, err = s.ClaimWebhookEvent(ctx, ev(t0.Add(time.Hour)), stale)
	if err != nil || claimed || existing.Result != domain.WebhookProcessed {
		t.Fatalf("claim after success = %v, %+v, %v", claimed, existing, err)
	}

	got, err := s.GetWebhookEvent(ctx, "evt_1")
	if err != nil || got.Result != domain.WebhookProcessed || got.ProcessedAt == nil {
		t.Errorf("event = %+v, %v", got, err)
	}
	if err := s.FinishWebhookEvent(ctx, "nope", domain.WebhookProcessed, "", t0); !errors.Is(err, domain.ErrEventNotFound) {
		t.Errorf("finish unknown event err = %v", err)
	}
}

func testAudit(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, outcome := range []string{"settled", "settlement_failed"} {
		err := s.AppendAudit(ctx, &domain.AuditEntry{
			AccountID:  "user_1",
			Kind:       domain.AuditAction,
			ActionType: domain.ActionPostAnalysis,
			Quantities: map[string]int64{"reactions": 10, "comments": int64(i)},
			Cost:       11,
			Outcome:    outcome,
			CreatedAt:  t0,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.ListAudit(ctx, "user_1", 0)
	if err != nil || len(entries) != 2 {
		t.Fatalf("ListAudit = %+v, %v", entries, err)
	}
	if entries[0].Outcome != "settlement_failed" || entries[0].Quantities["comments"] != 1 || entries[0].ID == "" {
		t.Errorf("newest entry = %+v", entries[0])
	}
}
