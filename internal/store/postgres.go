package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/id"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// PostgresStore is the production datastore. Balance changes take a row
// lock on the account (SELECT ... FOR UPDATE) for the life of one
// transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{db: pool}, nil
}

// Pool exposes the connection pool for bulk tooling such as the seeder.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.db }

func (s *PostgresStore) Close() { s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Accounts ---

const accountColumns = `id, email, plan, wallet_balance, wallet_reset_at, trial_ends_at,
	analyses_used, enrichments_used, usage_reset_at, COALESCE(customer_id, ''),
	onboarded_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.Email, &a.Plan, &a.WalletBalance, &a.WalletResetAt, &a.TrialEndsAt,
		&a.AnalysesUsed, &a.EnrichmentsUsed, &a.UsageResetAt, &a.CustomerID,
		&a.OnboardedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, accountID, email string) (*domain.Account, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, email) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		accountID, email)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	if email != "" {
		_, err = s.db.Exec(ctx,
			`UPDATE accounts SET email = $2, updated_at = now() WHERE id = $1 AND email = ''`,
			accountID, email)
		if err != nil {
			return nil, fmt.Errorf("ensure account email: %w", err)
		}
	}
	return s.GetAccount(ctx, accountID)
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID))
}

func (s *PostgresStore) GetAccountByCustomerID(ctx context.Context, customerID string) (*domain.Account, error) {
	if customerID == "" {
		return nil, domain.ErrAccountNotFound
	}
	return scanAccount(s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE customer_id = $1", customerID))
}

func (s *PostgresStore) LinkCustomer(ctx context.Context, accountID, customerID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET customer_id = $2, updated_at = now() WHERE id = $1`,
		accountID, customerID)
	if err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) SetPlan(ctx context.Context, accountID string, plan domain.Plan, trialEndsAt *time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET plan = $2, trial_ends_at = $3, updated_at = now() WHERE id = $1`,
		accountID, plan, trialEndsAt)
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) MarkOnboarded(ctx context.Context, accountID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET onboarded_at = $2, updated_at = $2 WHERE id = $1 AND onboarded_at IS NULL`,
		accountID, at)
	if err != nil {
		return false, fmt.Errorf("mark onboarded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Wallet ---

func (s *PostgresStore) Debit(ctx context.Context, d domain.Debit) (domain.WalletTransaction, error) {
	if d.Amount <= 0 {
		return domain.WalletTransaction{}, domain.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.WalletTransaction{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, d.AccountID)
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
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET wallet_balance = $2, updated_at = $3 WHERE id = $1`,
		d.AccountID, entry.BalanceAfter, d.At); err != nil {
		return domain.WalletTransaction{}, fmt.Errorf("balance update failed: %w", err)
	}
	if err := insertTransaction(ctx, tx, &entry); err != nil {
		return domain.WalletTransaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.WalletTransaction{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ResetWallet(ctx context.Context, accountID string, plan domain.Plan, allocation int64, at time.Time) (domain.WalletMutation, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.WalletMutation{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, accountID)
	if err != nil {
		return domain.WalletMutation{}, err
	}

	var m domain.WalletMutation
	for _, entry := range ResetEntries(accountID, balance, allocation, at) {
		if err := insertTransaction(ctx, tx, &entry); err != nil {
			return domain.WalletMutation{}, err
		}
		m.Transactions = append(m.Transactions, entry)
	}
	m.Balance = allocation

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET wallet_balance = $2, plan = $3, wallet_reset_at = $4, updated_at = $4 WHERE id = $1`,
		accountID, allocation, plan, at); err != nil {
		return domain.WalletMutation{}, fmt.Errorf("wallet reset failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.WalletMutation{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ClearWallet(ctx context.Context, accountID, reason string, at time.Time) (domain.WalletMutation, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.WalletMutation{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, accountID)
	if err != nil {
		return domain.WalletMutation{}, err
	}

	var m domain.WalletMutation
	if balance > 0 {
		entry := ForfeitEntry(accountID, balance, reason, at)
		if err := insertTransaction(ctx, tx, &entry); err != nil {
			return domain.WalletMutation{}, err
		}
		m.Transactions = append(m.Transactions, entry)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET wallet_balance = 0, plan = $2, trial_ends_at = NULL, updated_at = $3 WHERE id = $1`,
		accountID, domain.PlanFree, at); err != nil {
		return domain.WalletMutation{}, fmt.Errorf("wallet clear failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.WalletMutation{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.WalletTransaction, error) {
	q := `SELECT id, account_id, amount, balance_after, type, reason, action_type, metadata, created_at
		FROM wallet_transactions WHERE account_id = $1 ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WalletTransaction
	for rows.Next() {
		var t domain.WalletTransaction
		var meta []byte
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.BalanceAfter, &t.Type, &t.Reason,
			&t.ActionType, &meta, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Metadata, err = DecodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func lockBalance(ctx context.Context, tx pgx.Tx, accountID string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, "SELECT wallet_balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *domain.WalletTransaction) error {
	if t.ID == "" {
		t.ID = id.NewTransactionID()
	}
	meta, err := EncodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, account_id, amount, balance_after, type, reason, action_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.AccountID, t.Amount, t.BalanceAfter, t.Type, t.Reason, t.ActionType, meta, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

// --- Usage ---

func (s *PostgresStore) IncrementCounter(ctx context.Context, accountID string, counter domain.Counter, limit int64, periodStart, at time.Time) (int64, error) {
	col, other, err := CounterColumns(counter)
	if err != nil {
		return 0, err
	}
	if limit > 0 {
		var used int64
		err = s.db.QueryRow(ctx, fmt.Sprintf(`UPDATE accounts SET
			%[1]s = CASE WHEN usage_reset_at < $2 THEN 1 ELSE %[1]s + 1 END,
			%[2]s = CASE WHEN usage_reset_at < $2 THEN 0 ELSE %[2]s END,
			usage_reset_at = CASE WHEN usage_reset_at < $2 THEN $3 ELSE usage_reset_at END,
			updated_at = $3
			WHERE id = $1 AND (usage_reset_at < $2 OR %[1]s < $4)
			RETURNING %[1]s`, col, other),
			accountID, periodStart, at, limit).Scan(&used)
		if err == nil {
			return used, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("increment %s: %w", col, err)
		}
	}

	var used int64
	err = s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT CASE WHEN usage_reset_at < $2 THEN 0 ELSE %s END FROM accounts WHERE id = $1`, col),
		accountID, periodStart).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", col, err)
	}
	return used, domain.ErrLimitReached
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = id.NewAuditID()
	}
	meta, err := EncodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	var qty []byte
	if len(e.Quantities) > 0 {
		if qty, err = json.Marshal(e.Quantities); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO audit_log (id, account_id, kind, action_type, quantities, cost, outcome, detail, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AccountID, e.Kind, e.ActionType, qty, e.Cost, e.Outcome, e.Detail, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, accountID string, limit int) ([]domain.AuditEntry, error) {
	q := `SELECT id, account_id, kind, action_type, quantities, cost, outcome, detail, metadata, created_at
		FROM audit_log WHERE account_id = $1 ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var qty, meta []byte
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.ActionType, &qty, &e.Cost, &e.Outcome,
			&e.Detail, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(qty) > 0 {
			if err := json.Unmarshal(qty, &e.Quantities); err != nil {
				return nil, err
			}
		}
		if e.Metadata, err = DecodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Subscriptions ---

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == "" {
		sub.ID = id.NewSubscriptionID()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions (id, account_id, plan, status, current_period_start, current_period_end,
			external_id, customer_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (external_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			customer_id = EXCLUDED.customer_id,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.AccountID, sub.Plan, sub.Status, nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd),
		sub.ExternalID, sub.CustomerID, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	var start, end *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT id, account_id, plan, status, current_period_start, current_period_end, external_id, customer_id, created_at, updated_at
		 FROM subscriptions WHERE external_id = $1`, externalID).
		Scan(&sub.ID, &sub.AccountID, &sub.Plan, &sub.Status, &start, &end, &sub.ExternalID, &sub.CustomerID,
			&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if start != nil {
		sub.CurrentPeriodStart = *start
	}
	if end != nil {
		sub.CurrentPeriodEnd = *end
	}
	return &sub, nil
}

// --- Checkout sessions ---

func (s *PostgresStore) CreateCheckoutSession(ctx context.Context, cs *domain.CheckoutSession) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO checkout_sessions (callback_token, account_id, plan, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cs.CallbackToken, cs.AccountID, cs.Plan, cs.Status, cs.ExpiresAt, cs.CreatedAt)
	if err != nil {
		return fmt.Errorf("create checkout session: %w", err)
	}
	return nil
}

const sessionColumns = `callback_token, account_id, plan, status, expires_at, completed_at, created_at`

func scanSession(row pgx.Row) (*domain.CheckoutSession, error) {
	var cs domain.CheckoutSession
	err := row.Scan(&cs.CallbackToken, &cs.AccountID, &cs.Plan, &cs.Status, &cs.ExpiresAt, &cs.CompletedAt, &cs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *PostgresStore) GetCheckoutSession(ctx context.Context, token string) (*domain.CheckoutSession, error) {
	return scanSession(s.db.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM checkout_sessions WHERE callback_token = $1", token))
}

func (s *PostgresStore) LatestPendingCheckoutSession(ctx context.Context, accountID string) (*domain.CheckoutSession, error) {
	return scanSession(s.db.QueryRow(ctx,
		"SELECT "+sessionColumns+` FROM checkout_sessions
		 WHERE account_id = $1 AND status = 'pending' ORDER BY created_at DESC LIMIT 1`, accountID))
}

func (s *PostgresStore) ResolveCheckoutSession(ctx context.Context, token string, status domain.CheckoutStatus, at time.Time) (bool, error) {
	if status != domain.CheckoutCompleted && status != domain.CheckoutFailed {
		return false, fmt.Errorf("resolve checkout session: invalid status %q", status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE checkout_sessions SET status = $2, completed_at = $3
		 WHERE callback_token = $1 AND status = 'pending'`, token, status, at)
	if err != nil {
		return false, fmt.Errorf("resolve checkout session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ExpireCheckoutSession(ctx context.Context, token string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE checkout_sessions SET status = 'expired'
		 WHERE callback_token = $1 AND status = 'pending' AND expires_at <= $2`, token, now)
	if err != nil {
		return false, fmt.Errorf("expire checkout session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Webhook events ---

func (s *PostgresStore) ClaimWebhookEvent(ctx context.Context, ev *domain.WebhookEvent, staleAfter time.Duration) (bool, *domain.WebhookEvent, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, payload, result, received_at)
		 VALUES ($1, $2, $3, 'processing', $4)`,
		ev.EventID, ev.EventType, []byte(ev.Payload), ev.ReceivedAt)
	if err == nil {
		return true, nil, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false, nil, fmt.Errorf("event reservation failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanEvent(tx.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM webhook_events WHERE event_id = $1 FOR UPDATE", ev.EventID))
	if err != nil {
		return false, nil, err
	}
	if !Reclaimable(existing, ev.ReceivedAt, staleAfter) {
		return false, existing, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE webhook_events SET event_type = $2, payload = $3, result = 'processing', detail = '',
			received_at = $4, processed_at = NULL
		 WHERE event_id = $1`,
		ev.EventID, ev.EventType, []byte(ev.Payload), ev.ReceivedAt); err != nil {
		return false, nil, fmt.Errorf("event reclaim failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil, nil
}

func (s *PostgresStore) FinishWebhookEvent(ctx context.Context, eventID string, result domain.WebhookResult, detail string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE webhook_events SET result = $2, detail = $3, processed_at = $4 WHERE event_id = $1`,
		eventID, result, detail, at)
	if err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

const eventColumns = `event_id, event_type, payload, result, detail, received_at, processed_at`

func scanEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var payload []byte
	err := row.Scan(&ev.EventID, &ev.EventType, &payload, &ev.Result, &ev.Detail, &ev.ReceivedAt, &ev.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	return &ev, nil
}

func (s *PostgresStore) GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	return scanEvent(s.db.QueryRow(ctx, "SELECT "+eventColumns+" FROM webhook_events WHERE event_id = $1", eventID))
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
