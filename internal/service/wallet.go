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

// WalletService is the credit ledger. Every balance change goes through one
// atomic store primitive that also appends the matching transactions, so the
// ordered transaction stream always folds to the current balance.
type WalletService struct {
	store   store.Store
	catalog pricing.Catalog
	logger  *slog.Logger
	now     func() time.Time
}

func NewWalletService(s store.Store, catalog pricing.Catalog, opts Options) *WalletService {
	opts = opts.withDefaults()
	return &WalletService{store: s, catalog: catalog, logger: opts.Logger, now: opts.Now}
}

func (w *WalletService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	a, err := w.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.WalletBalance, nil
}

// Deduct removes amount from the wallet and returns the new balance. It
// fails with ErrInsufficientFunds, leaving no trace, when the balance is short.
func (w *WalletService) Deduct(ctx context.Context, accountID string, amount int64, action domain.ActionType, reason string, metadata map[string]string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidAmount, amount)
	}
	entry, err := w.store.Debit(ctx, domain.Debit{
		AccountID:  accountID,
		Amount:     amount,
		ActionType: action,
		Reason:     reason,
		Metadata:   metadata,
		At:         w.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			walletOperations.WithLabelValues("deduct", "insufficient_funds").Inc()
		} else {
			walletOperations.WithLabelValues("deduct", "error").Inc()
		}
		return 0, err
	}
	walletOperations.WithLabelValues("deduct", "ok").Inc()
	creditsMoved.WithLabelValues(reason).Add(float64(amount))
	return entry.BalanceAfter, nil
}

// Reset starts a billing cycle: any remaining balance is forfeited and the
// wallet is set to plan's allocation. The account moves to plan.
func (w *WalletService) Reset(ctx context.Context, accountID string, plan domain.Plan) (int64, error) {
	allocation, err := w.catalog.Allocation(plan)
	if err != nil {
		return 0, err
	}
	m, err := w.store.ResetWallet(ctx, accountID, plan, allocation, w.now().UTC())
	if err != nil {
		walletOperations.WithLabelValues("reset", "error").Inc()
		return 0, fmt.Errorf("reset wallet: %w", err)
	}
	walletOperations.WithLabelValues("reset", "ok").Inc()
	w.observe(m)
	w.logger.Info("wallet reset",
		"account_id", accountID, "plan", plan, "allocation", allocation, "entries", len(m.Transactions))
	return m.Balance, nil
}

// Clear forfeits the whole balance and demotes the account to the free plan.
// An already empty wallet gets no ledger entry.
func (w *WalletService) Clear(ctx context.Context, accountID, reason string) (int64, error) {
	m, err := w.store.ClearWallet(ctx, accountID, reason, w.now().UTC())
	if err != nil {
		walletOperations.WithLabelValues("clear", "error").Inc()
		return 0, fmt.Errorf("clear wallet: %w", err)
	}
	walletOperations.WithLabelValues("clear", "ok").Inc()
	w.observe(m)
	var forfeited int64
	for _, t := range m.Transactions {
		forfeited -= t.Amount
	}
	w.logger.Info("wallet cleared", "account_id", accountID, "reason", reason, "forfeited", forfeited)
	return m.Balance, nil
}

// Transactions lists the ledger newest first; limit <= 0 returns everything.
func (w *WalletService) Transactions(ctx context.Context, accountID string, limit int) ([]domain.WalletTransaction, error) {
	if _, err := w.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return w.store.ListTransactions(ctx, accountID, limit)
}

func (w *WalletService) observe(m domain.WalletMutation) {
	for _, t := range m.Transactions {
		amt := t.Amount
		if amt < 0 {
			amt = -amt
		}
		creditsMoved.WithLabelValues(t.Reason).Add(float64(amt))
	}
}
