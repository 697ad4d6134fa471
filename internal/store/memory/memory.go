// Package memory is an in-process Store for tests and local development.
// A single mutex makes every method atomic; it gives no cross-process
// guarantees and must not back a multi-instance deployment.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/id"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
)

type Store struct {
	mu sync.Mutex

	accounts      map[string]*domain.Account
	transactions  map[string][]domain.WalletTransaction
	audit         map[string][]domain.AuditEntry
	subscriptions map[string]*domain.Subscription
	sessions      map[string]*domain.CheckoutSession
	events        map[string]*domain.WebhookEvent

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:      make(map[string]*domain.Account),
		transactions:  make(map[string][]domain.WalletTransaction),
		audit:         make(map[string][]domain.AuditEntry),
		subscriptions: make(map[string]*domain.Subscription),
		sessions:      make(map[string]*domain.CheckoutSession),
		events:        make(map[string]*domain.WebhookEvent),
		now:           time.Now,
	}
}

// WithClock replaces the clock used for creation and update timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close()                        {}

// --- Accounts ---

func (s *Store) EnsureAccount(_ context.Context, accountID, email string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		now := s.now().UTC()
		a = &domain.Account{
			ID:           accountID,
			Email:        email,
			Plan:         domain.PlanFree,
			UsageResetAt: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.accounts[accountID] = a
	} else if a.Email == "" && email != "" {
		a.Email = email
	}
	return copyAccount(a), nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (s *Store) GetAccountByCustomerID(_ context.Context, customerID string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if customerID == "" {
		return nil, domain.ErrAccountNotFound
	}
	for _, a := range s.accounts {
		if a.CustomerID == customerID {
			return copyAccount(a), nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (s *Store) LinkCustomer(_ context.Context, accountID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.CustomerID = customerID
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) SetPlan(_ context.Context, accountID string, plan domain.Plan, trialEndsAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.Plan = plan
	a.TrialEndsAt = copyTime(trialEndsAt)
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) MarkOnboarded(_ context.Context, accountID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok || a.OnboardedAt != nil {
		return false, nil
	}
	a.OnboardedAt = &at
	a.UpdatedAt = at
	return true, nil
}

// --- Wallet ---

func (s *Store) Debit(_ context.Context, d domain.Debit) (domain.WalletTransaction, error) {
	if d.Amount <= 0 {
		return domain.WalletTransaction{}, domain.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[d.AccountID]
	if !ok {
		return domain.WalletTransaction{}, domain.ErrAccountNotFound
	}
	if a.WalletBalance < d.Amount {
		return domain.WalletTransaction{}, &domain.InsufficientFundsError{Balance: a.WalletBalance, Required: d.Amount}
	}
	a.WalletBalance -= d.Amount
	a.UpdatedAt = d.At
	return s.appendTransaction(domain.WalletTransaction{
		ID:           d.TransactionID,
		AccountID:    d.AccountID,
		Amount:       -d.Amount,
		BalanceAfter: a.WalletBalance,
		Type:         domain.TransactionDebit,
		Reason:       d.Reason,
		ActionType:   d.ActionType,
		Metadata:     copyMeta(d.Metadata),
		CreatedAt:    d.At,
	}), nil
}

func (s *Store) ResetWallet(_ context.Context, accountID string, plan domain.Plan, allocation int64, at time.Time) (domain.WalletMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.WalletMutation{}, domain.ErrAccountNotFound
	}
	var m domain.WalletMutation
	for _, e := range store.ResetEntries(accountID, a.WalletBalance, allocation, at) {
		m.Transactions = append(m.Transactions, s.appendTransaction(e))
	}
	a.WalletBalance = allocation
	a.Plan = plan
	a.WalletResetAt = &at
	a.UpdatedAt = at
	m.Balance = allocation
	return m, nil
}

func (s *Store) ClearWallet(_ context.Context, accountID, reason string, at time.Time) (domain.WalletMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.WalletMutation{}, domain.ErrAccountNotFound
	}
	var m domain.WalletMutation
	if a.WalletBalance > 0 {
		m.Transactions = append(m.Transactions, s.appendTransaction(store.ForfeitEntry(accountID, a.WalletBalance, reason, at)))
	}
	a.WalletBalance = 0
	a.Plan = domain.PlanFree
	a.TrialEndsAt = nil
	a.UpdatedAt = at
	return m, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string, limit int) ([]domain.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.transactions[accountID]
	out := make([]domain.WalletTransaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		t := all[i]
		t.Metadata = copyMeta(t.Metadata)
		out = append(out, t)
	}
	return out, nil
}

// appendTransaction must be called with s.mu held.
func (s *Store) appendTransaction(t domain.WalletTransaction) domain.WalletTransaction {
	if t.ID == "" {
		t.ID = id.NewTransactionID()
	}
	s.transactions[t.AccountID] = append(s.transactions[t.AccountID], t)
	return t
}

// --- Usage ---

func (s *Store) IncrementCounter(_ context.Context, accountID string, counter domain.Counter, limit int64, periodStart, at time.Time) (int64, error) {
	if _, _, err := store.CounterColumns(counter); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return 0, domain.ErrAccountNotFound
	}
	rolled := a.UsageResetAt.Before(periodStart)
	used := a.CounterValue(counter)
	if rolled {
		used = 0
	}
	if used >= limit {
		return used, domain.ErrLimitReached
	}
	if rolled {
		a.AnalysesUsed, a.EnrichmentsUsed = 0, 0
		a.UsageResetAt = at
	}
	switch counter {
	case domain.CounterAnalyses:
		a.AnalysesUsed++
	case domain.CounterEnrichments:
		a.EnrichmentsUsed++
	}
	a.UpdatedAt = at
	return used + 1, nil
}

// --- Audit ---

func (s *Store) AppendAudit(_ context.Context, e *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = id.NewAuditID()
	}
	s.audit[e.AccountID] = append(s.audit[e.AccountID], *e)
	return nil
}

func (s *Store) ListAudit(_ context.Context, accountID string, limit int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.audit[accountID]
	out := make([]domain.AuditEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

// --- Subscriptions ---

func (s *Store) UpsertSubscription(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	if existing, ok := s.subscriptions[sub.ExternalID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		if cp.ID == "" {
			cp.ID = id.NewSubscriptionID()
		}
		cp.CreatedAt = cp.UpdatedAt
	}
	sub.ID = cp.ID
	s.subscriptions[sub.ExternalID] = &cp
	return nil
}

func (s *Store) GetSubscriptionByExternalID(_ context.Context, externalID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[externalID]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

// --- Checkout sessions ---

func (s *Store) CreateCheckoutSession(_ context.Context, cs *domain.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cs
	s.sessions[cs.CallbackToken] = &cp
	return nil
}

func (s *Store) GetCheckoutSession(_ context.Context, token string) (*domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[token]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(cs), nil
}

func (s *Store) LatestPendingCheckoutSession(_ context.Context, accountID string) (*domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*domain.CheckoutSession
	for _, cs := range s.sessions {
		if cs.AccountID == accountID && cs.Status == domain.CheckoutPending {
			pending = append(pending, cs)
		}
	}
	if len(pending) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.After(pending[j].CreatedAt) })
	return copySession(pending[0]), nil
}

func (s *Store) ResolveCheckoutSession(_ context.Context, token string, status domain.CheckoutStatus, at time.Time) (bool, error) {
	if status != domain.CheckoutCompleted && status != domain.CheckoutFailed {
		return false, fmt.Errorf("resolve checkout session: invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[token]
	if !ok || cs.Status != domain.CheckoutPending {
		return false, nil
	}
	cs.Status = status
	cs.CompletedAt = &at
	return true, nil
}

func (s *Store) ExpireCheckoutSession(_ context.Context, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[token]
	if !ok || cs.Status != domain.CheckoutPending || cs.ExpiresAt.After(now) {
		return false, nil
	}
	cs.Status = domain.CheckoutExpired
	return true, nil
}

// --- Webhook events ---

func (s *Store) ClaimWebhookEvent(_ context.Context, ev *domain.WebhookEvent, staleAfter time.Duration) (bool, *domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[ev.EventID]; ok && !store.Reclaimable(existing, ev.ReceivedAt, staleAfter) {
		cp := *existing
		return false, &cp, nil
	}
	cp := *ev
	cp.Result = domain.WebhookProcessing
	cp.Detail = ""
	cp.ProcessedAt = nil
	s.events[ev.EventID] = &cp
	return true, nil, nil
}

func (s *Store) FinishWebhookEvent(_ context.Context, eventID string, result domain.WebhookResult, detail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return domain.ErrEventNotFound
	}
	ev.Result = result
	ev.Detail = detail
	ev.ProcessedAt = &at
	return nil
}

func (s *Store) GetWebhookEvent(_ context.Context, eventID string) (*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func copyAccount(a *domain.Account) *domain.Account {
	cp := *a
	cp.WalletResetAt = copyTime(a.WalletResetAt)
	cp.TrialEndsAt = copyTime(a.TrialEndsAt)
	cp.OnboardedAt = copyTime(a.OnboardedAt)
	return &cp
}

func copySession(cs *domain.CheckoutSession) *domain.CheckoutSession {
	cp := *cs
	cp.CompletedAt = copyTime(cs.CompletedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
