// Package sqlite is a single-node store.Store on an embedded SQLite file,
// used for local development and tests. Write transactions start with
// BEGIN IMMEDIATE, which takes the database write lock up front, so the
// balance read and update in Debit cannot interleave with another writer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/id"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (creating if needed) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() { s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			wallet_balance INTEGER NOT NULL DEFAULT 0 CHECK (wallet_balance >= 0),
			wallet_reset_at INTEGER,
			trial_ends_at INTEGER,
			analyses_used INTEGER NOT NULL DEFAULT 0,
			enrichments_used INTEGER NOT NULL DEFAULT 0,
			usage_reset_at INTEGER NOT NULL,
			customer_id TEXT UNIQUE,
			onboarded_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS wallet_transactions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			amount INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			type TEXT NOT NULL,
			reason TEXT NOT NULL,
			action_type TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_transactions_account ON wallet_transactions(account_id, seq)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_start INTEGER,
			current_period_end INTEGER,
			external_id TEXT NOT NULL UNIQUE,
			customer_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS checkout_sessions (
			callback_token TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			plan TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			expires_at INTEGER NOT NULL,
			completed_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkout_sessions_account ON checkout_sessions(account_id, status, created_at)`,

		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload TEXT,
			result TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			received_at INTEGER NOT NULL,
			processed_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			action_type TEXT NOT NULL DEFAULT '',
			quantities TEXT,
			cost INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_account ON audit_log(account_id, seq)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Times are stored as Unix nanoseconds.

func unix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// --- Accounts ---

const accountColumns = `id, email, plan, wallet_balance, wallet_reset_at, trial_ends_at,
	analyses_used, enrichments_used, usage_reset_at, COALESCE(customer_id, ''),
	onboarded_at, created_at, updated_at`

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var a domain.Account
	var resetAt, trialEnds, onboarded sql.NullInt64
	var usageReset, created, updated int64
	err := row.Scan(&a.ID, &a.Email, &a.Plan, &a.WalletBalance, &resetAt, &trialEnds,
		&a.AnalysesUsed, &a.EnrichmentsUsed, &usageReset, &a.CustomerID,
		&onboarded, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.WalletResetAt = timePtr(resetAt)
	a.TrialEndsAt = timePtr(trialEnds)
	a.OnboardedAt = timePtr(onboarded)
	a.UsageResetAt = fromUnix(usageReset)
	a.CreatedAt = fromUnix(created)
	a.UpdatedAt = fromUnix(updated)
	return &a, nil
}

func (s *Store) EnsureAccount(ctx context.Context, accountID, email string) (*domain.Account, error) {
	now := unix(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, usage_reset_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		accountID, email, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	if email != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET email = ?, updated_at = ? WHERE id = ? AND email = ''`,
			email, now, accountID); err != nil {
			return nil, fmt.Errorf("ensure account email: %w", err)
		}
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", accountID))
}

func (s *Store) GetAccountByCustomerID(ctx context.Context, customerID string) (*domain.Account, error) {
	if customerID == "" {
		return nil, domain.ErrAccountNotFound
	}
	return scanAccount(s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE customer_id = ?", customerID))
}

func (s *Store) LinkCustomer(ctx context.Context, accountID, customerID string) error {
	return s.updateAccount(ctx, "link customer",
		`UPDATE accounts SET customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, unix(time.Now()), accountID)
}

func (s *Store) SetPlan(ctx context.Context, accountID string, plan domain.Plan, trialEndsAt *time.Time) error {
	return s.updateAccount(ctx, "set plan",
		`UPDATE accounts SET plan = ?, trial_ends_at = ?, updated_at = ? WHERE id = ?`,
		plan, nullUnix(trialEndsAt), unix(time.Now()), accountID)
}

func (s *Store) updateAccount(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Store) MarkOnboarded(ctx context.Context, accountID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET onboarded_at = ?, updated_at = ? WHERE id = ? AND onboarded_at IS NULL`,
		unix(at), unix(at), accountID)
	if err != nil {
		return false, fmt.Errorf("mark onboarded: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// --- Wallet ---

func (s *Store) Debit(ctx context.Context, d domain.Debit) (domain.WalletTransaction, error) {
	if d.Amount <= 0 {
		return domain.WalletTransaction{}, domain.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WalletTransaction{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	balance, err := readBalance(ctx, tx, d.AccountID)
	if err != nil {
		return domain.WalletTransaction{}, err
	}
	if balance < d.Amount {
		return domain.WalletTransaction{}, &domain.InsufficientFundsError{Balance: balance, Required: d.Amount}
	}

	entry := domain.WalletTransaction{
		ID:           d.TransactionID,
		AccountID:    d.AccountID,
		Amount:       -d.Amount,
		BalanceAfter: balance - d.Amount,
		Type:         domain.TransactionDebit,
		Reason:       d.Reason,
		ActionType:   d.ActionType,
		Metadata:     d.Metadata,
		CreatedAt:    d.At,
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET wallet_balance = ?, updated_at = ? WHERE id = ?`,
		entry.BalanceAfter, unix(d.At), d.AccountID); err != nil {
		return domain.WalletTransaction{}, fmt.Errorf("balance update failed: %w", err)
	}
	if err := insertTransaction(ctx, tx, &entry); err != nil {
		return domain.WalletTransaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.WalletTransaction{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return entry, nil
}

func (s *Store) ResetWallet(ctx context.Context, accountID string, plan domain.Plan, allocation int64, at time.Time) (domain.WalletMutation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WalletMutation{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	balance, err := readBalance(ctx, tx, accountID)
	if err != nil {
		return domain.WalletMutation{}, err
	}

	var m domain.WalletMutation
	for _, entry := range store.ResetEntries(accountID, balance, allocation, at) {
		if err := insertTransaction(ctx, tx, &entry); err != nil {
			return domain.WalletMutation{}, err
		}
		m.Transactions = append(m.Transactions, entry)
	}
	m.Balance = allocation

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET wallet_balance = ?, plan = ?, wallet_reset_at = ?, updated_at = ? WHERE id = ?`,
		allocation, plan, unix(at), unix(at), accountID); err != nil {
		return domain.WalletMutation{}, fmt.Errorf("wallet reset failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.WalletMutation{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return m, nil
}

func (s *Store) ClearWallet(ctx context.Context, accountID, reason string, at time.Time) (domain.WalletMutation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WalletMutation{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	balance, err := readBalance(ctx, tx, accountID)
	if err != nil {
		return domain.WalletMutation{}, err
	}

	var m domain.WalletMutation
	if balance > 0 {
		entry := store.ForfeitEntry(accountID, balance, reason, at)
		if err := insertTransaction(ctx, tx, &entry); err != nil {
			return domain.WalletMutation{}, err
		}
		m.Transactions = append(m.Transactions, entry)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET wallet_balance = 0, plan = ?, trial_ends_at = NULL, updated_at = ? WHERE id = ?`,
		domain.PlanFree, unix(at), accountID); err != nil {
		return domain.WalletMutation{}, fmt.Errorf("wallet clear failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.WalletMutation{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return m, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.WalletTransaction, error) {
	q := `SELECT id, account_id, amount, balance_after, type, reason, action_type, metadata, created_at
		FROM wallet_transactions WHERE account_id = ? ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WalletTransaction
	for rows.Next() {
		var t domain.WalletTransaction
		var meta []byte
		var created int64
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.BalanceAfter, &t.Type, &t.Reason,
			&t.ActionType, &meta, &created); err != nil {
			return nil, err
		}
		if t.Metadata, err = store.DecodeMetadata(meta); err != nil {
			return nil, err
		}
		t.CreatedAt = fromUnix(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func readBalance(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, "SELECT wallet_balance FROM accounts WHERE id = ?", accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("balance read failed: %w", err)
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *domain.WalletTransaction) error {
	if t.ID == "" {
		t.ID = id.NewTransactionID()
	}
	meta, err := store.EncodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallet_transactions (id, account_id, amount, balance_after, type, reason, action_type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, t.Amount, t.BalanceAfter, t.Type, t.Reason, t.ActionType, meta, unix(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

// --- Usage ---

func (s *Store) IncrementCounter(ctx context.Context, accountID string, counter domain.Counter, limit int64, periodStart, at time.Time) (int64, error) {
	col, other, err := store.CounterColumns(counter)
	if err != nil {
		return 0, err
	}
	period, now := unix(periodStart), unix(at)
	if limit > 0 {
		// Parameters bind in order of appearance.
		var used int64
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`UPDATE accounts SET
			%[1]s = CASE WHEN usage_reset_at < ? THEN 1 ELSE %[1]s + 1 END,
			%[2]s = CASE WHEN usage_reset_at < ? THEN 0 ELSE %[2]s END,
			usage_reset_at = CASE WHEN usage_reset_at < ? THEN ? ELSE usage_reset_at END,
			updated_at = ?
			WHERE id = ? AND (usage_reset_at < ? OR %[1]s < ?)
			RETURNING %[1]s`, col, other),
			period, period, period, now, now, accountID, period, limit).Scan(&used)
		if err == nil {
			return used, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("increment %s: %w", col, err)
		}
	}

	var used int64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT CASE WHEN usage_reset_at < ? THEN 0 ELSE %s END FROM accounts WHERE id = ?`, col),
		period, accountID).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", col, err)
	}
	return used, domain.ErrLimitReached
}

// --- Audit ---

func (s *Store) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = id.NewAuditID()
	}
	meta, err := store.EncodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	var qty []byte
	if len(e.Quantities) > 0 {
		if qty, err = json.Marshal(e.Quantities); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, account_id, kind, action_type, quantities, cost, outcome, detail, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Kind, e.ActionType, qty, e.Cost, e.Outcome, e.Detail, meta, unix(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, accountID string, limit int) ([]domain.AuditEntry, error) {
	q := `SELECT id, account_id, kind, action_type, quantities, cost, outcome, detail, metadata, created_at
		FROM audit_log WHERE account_id = ? ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var qty, meta []byte
		var created int64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.ActionType, &qty, &e.Cost, &e.Outcome,
			&e.Detail, &meta, &created); err != nil {
			return nil, err
		}
		if len(qty) > 0 {
			if err := json.Unmarshal(qty, &e.Quantities); err != nil {
				return nil, err
			}
		}
		if e.Metadata, err = store.DecodeMetadata(meta); err != nil {
			return nil, err
		}
		e.CreatedAt = fromUnix(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Subscriptions ---

func (s *Store) UpsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == "" {
		sub.ID = id.NewSubscriptionID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, account_id, plan, status, current_period_start, current_period_end,
			external_id, customer_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO UPDATE SET
			account_id = excluded.account_id,
			plan = excluded.plan,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			customer_id = excluded.customer_id,
			updated_at = excluded.updated_at`,
		sub.ID, sub.AccountID, sub.Plan, sub.Status, nullUnix(&sub.CurrentPeriodStart), nullUnix(&sub.CurrentPeriodEnd),
		sub.ExternalID, sub.CustomerID, unix(sub.UpdatedAt), unix(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	var start, end sql.NullInt64
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, plan, status, current_period_start, current_period_end, external_id, customer_id, created_at, updated_at
		 FROM subscriptions WHERE external_id = ?`, externalID).
		Scan(&sub.ID, &sub.AccountID, &sub.Plan, &sub.Status, &start, &end, &sub.ExternalID, &sub.CustomerID,
			&created, &updated)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if t := timePtr(start); t != nil {
		sub.CurrentPeriodStart = *t
	}
	if t := timePtr(end); t != nil {
		sub.CurrentPeriodEnd = *t
	}
	sub.CreatedAt = fromUnix(created)
	sub.UpdatedAt = fromUnix(updated)
	return &sub, nil
}

// --- Checkout sessions ---

func (s *Store) CreateCheckoutSession(ctx context.Context, cs *domain.CheckoutSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkout_sessions (callback_token, account_id, plan, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cs.CallbackToken, cs.AccountID, cs.Plan, cs.Status, unix(cs.ExpiresAt), unix(cs.CreatedAt))
	if err != nil {
		return fmt.Errorf("create checkout session: %w", err)
	}
	return nil
}

const sessionColumns = `callback_token, account_id, plan, status, expires_at, completed_at, created_at`

func scanSession(row *sql.Row) (*domain.CheckoutSession, error) {
	var cs domain.CheckoutSession
	var expires, created int64
	var completed sql.NullInt64
	err := row.Scan(&cs.CallbackToken, &cs.AccountID, &cs.Plan, &cs.Status, &expires, &completed, &created)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	cs.ExpiresAt = fromUnix(expires)
	cs.CompletedAt = timePtr(completed)
	cs.CreatedAt = fromUnix(created)
	return &cs, nil
}

func (s *Store) GetCheckoutSession(ctx context.Context, token string) (*domain.CheckoutSession, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM checkout_sessions WHERE callback_token = ?", token))
}

func (s *Store) LatestPendingCheckoutSession(ctx context.Context, accountID string) (*domain.CheckoutSession, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+` FROM checkout_sessions
		 WHERE account_id = ? AND status = 'pending' ORDER BY created_at DESC LIMIT 1`, accountID))
}

func (s *Store) ResolveCheckoutSession(ctx context.Context, token string, status domain.CheckoutStatus, at time.Time) (bool, error) {
	if status != domain.CheckoutCompleted && status != domain.CheckoutFailed {
		return false, fmt.Errorf("resolve checkout session: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = ?, completed_at = ?
		 WHERE callback_token = ? AND status = 'pending'`, status, unix(at), token)
	if err != nil {
		return false, fmt.Errorf("resolve checkout session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) ExpireCheckoutSession(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = 'expired'
		 WHERE callback_token = ? AND status = 'pending' AND expires_at <= ?`, token, unix(now))
	if err != nil {
		return false, fmt.Errorf("expire checkout session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// --- Webhook events ---

func (s *Store) ClaimWebhookEvent(ctx context.Context, ev *domain.WebhookEvent, staleAfter time.Duration) (bool, *domain.WebhookEvent, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type, payload, result, received_at)
		 VALUES (?, ?, ?, 'processing', ?)`,
		ev.EventID, ev.EventType, string(ev.Payload), unix(ev.ReceivedAt))
	if err == nil {
		return true, nil, nil
	}
	if !isConstraint(err) {
		return false, nil, fmt.Errorf("event reservation failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanEvent(tx.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM webhook_events WHERE event_id = ?", ev.EventID))
	if err != nil {
		return false, nil, err
	}
	if !store.Reclaimable(existing, ev.ReceivedAt, staleAfter) {
		return false, existing, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE webhook_events SET event_type = ?, payload = ?, result = 'processing', detail = '',
			received_at = ?, processed_at = NULL
		 WHERE event_id = ?`,
		ev.EventType, string(ev.Payload), unix(ev.ReceivedAt), ev.EventID); err != nil {
		return false, nil, fmt.Errorf("event reclaim failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil, nil
}

func (s *Store) FinishWebhookEvent(ctx context.Context, eventID string, result domain.WebhookResult, detail string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET result = ?, detail = ?, processed_at = ? WHERE event_id = ?`,
		result, detail, unix(at), eventID)
	if err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

const eventColumns = `event_id, event_type, payload, result, detail, received_at, processed_at`

func scanEvent(row *sql.Row) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var payload sql.NullString
	var received int64
	var processed sql.NullInt64
	err := row.Scan(&ev.EventID, &ev.EventType, &payload, &ev.Result, &ev.Detail, &received, &processed)
	if err == sql.ErrNoRows {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		ev.Payload = []byte(payload.String)
	}
	ev.ReceivedAt = fromUnix(received)
	ev.ProcessedAt = timePtr(processed)
	return &ev, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	return scanEvent(s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM webhook_events WHERE event_id = ?", eventID))
}
