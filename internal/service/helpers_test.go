package service_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/pricing"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/service"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store/memory"
)

const testSecret = "whsec_c2VjcmV0LWZvci10ZXN0cw=="

var testProducts = map[string]domain.Plan{
	"prod_starter": domain.PlanStarter,
	"prod_pro":     domain.PlanPro,
	"prod_agency":  domain.PlanAgency,
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	store     *memory.Store
	clock     *clock
	catalog   pricing.Catalog
	wallet    *service.WalletService
	admission *service.AdmissionService
	metering  *service.MeteringService
	checkout  *service.CheckoutService
	verifier  *service.SignatureVerifier
	billing   *service.BillingProcessor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, func(m *memory.Store) store.Store { return m })
}

// newEnvWith builds the services on wrap(memory store). e.store stays the
// unwrapped store for direct inspection.
func newEnvWith(t *testing.T, wrap func(*memory.Store) store.Store) *env {
	t.Helper()
	clk := &clock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	mem := memory.New().WithClock(clk.Now)
	st := wrap(mem)
	opts := service.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    clk.Now,
	}
	catalog := pricing.DefaultCatalog()
	verifier, err := service.NewSignatureVerifier(testSecret, 0, clk.Now)
	if err != nil {
		t.Fatalf("NewSignatureVerifier: %v", err)
	}
	wallet := service.NewWalletService(st, catalog, opts)
	checkout := service.NewCheckoutService(st, service.CheckoutConfig{}, opts)
	return &env{
		store:     mem,
		clock:     clk,
		catalog:   catalog,
		wallet:    wallet,
		admission: service.NewAdmissionService(st, catalog, opts),
		metering:  service.NewMeteringService(st, wallet, catalog, opts),
		checkout:  checkout,
		verifier:  verifier,
		billing: service.NewBillingProcessor(st, wallet, checkout, verifier,
			service.BillingConfig{Products: testProducts}, opts),
	}
}

func (e *env) account(t *testing.T, accountID string) *domain.Account {
	t.Helper()
	a, err := e.store.EnsureAccount(context.Background(), accountID, accountID+"@example.com")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	return a
}

// fund puts the account on plan with exactly balance credits.
func (e *env) fund(t *testing.T, accountID string, plan domain.Plan, balance int64) {
	t.Helper()
	if _, err := e.store.ResetWallet(context.Background(), accountID, plan, balance, e.clock.Now()); err != nil {
		t.Fatalf("ResetWallet: %v", err)
	}
}

func (e *env) get(t *testing.T, accountID string) *domain.Account {
	t.Helper()
	a, err := e.store.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return a
}

func (e *env) transactions(t *testing.T, accountID string) []domain.WalletTransaction {
	t.Helper()
	txs, err := e.store.ListTransactions(context.Background(), accountID, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	return txs
}

type event struct {
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	Data      map[string]any `json:"data"`
}

// delivery builds a correctly signed delivery for ev.
func (e *env) delivery(t *testing.T, ev event) service.Delivery {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	ts, sig := e.verifier.Sign(ev.EventID, e.clock.Now(), body)
	return service.Delivery{EventID: ev.EventID, Timestamp: ts, Signature: sig, Body: body}
}

func (e *env) deliver(t *testing.T, ev event) (service.DeliveryOutcome, error) {
	t.Helper()
	return e.billing.Process(context.Background(), e.delivery(t, ev))
}

// replay folds the ledger oldest first.
func replay(txs []domain.WalletTransaction) int64 {
	var sum int64
	for i := len(txs) - 1; i >= 0; i-- {
		sum += txs[i].Amount
	}
	return sum
}
