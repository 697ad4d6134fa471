package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
)

const DefaultCheckoutTTL = 30 * time.Minute

// CheckoutConfig controls session issuance. URLTemplate, when set, is
// expanded with {token}, {plan} and {account} to give the client the
// processor's hosted checkout address.
type CheckoutConfig struct {
	TTL         time.Duration
	URLTemplate string
}

// PollResult is what a client sees when it polls a callback token.
type PollResult struct {
	Session *domain.CheckoutSession
	Email   string
	// RequiresLogin is set on a completed session polled by someone other
	// than its owner.
	RequiresLogin bool
	// Onboarded is set when this poll finished the owner's onboarding.
	Onboarded bool
	Message   string
}

// CheckoutService correlates a client-side checkout with the webhook that
// confirms it. The webhook is the source of truth; polling only observes it.
type CheckoutService struct {
	store  store.Store
	cfg    CheckoutConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewCheckoutService(s store.Store, cfg CheckoutConfig, opts Options) *CheckoutService {
	opts = opts.withDefaults()
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCheckoutTTL
	}
	return &CheckoutService{store: s, cfg: cfg, logger: opts.Logger, now: opts.Now}
}

// Create issues a pending session for a metered plan.
func (c *CheckoutService) Create(ctx context.Context, accountID string, plan domain.Plan) (*domain.CheckoutSession, error) {
	if !plan.Metered() {
		return nil, fmt.Errorf("%w: %q cannot be purchased", domain.ErrInvalidPlan, plan)
	}
	if _, err := c.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	token, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate callback token: %w", err)
	}
	now := c.now().UTC()
	cs := &domain.CheckoutSession{
		CallbackToken: token.String(),
		AccountID:     accountID,
		Plan:          plan,
		Status:        domain.CheckoutPending,
		ExpiresAt:     now.Add(c.cfg.TTL),
		CreatedAt:     now,
	}
	if err := c.store.CreateCheckoutSession(ctx, cs); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	checkoutTransitions.WithLabelValues(string(domain.CheckoutPending)).Inc()
	c.logger.Info("checkout session created",
		"account_id", accountID, "plan", plan, "expires_at", cs.ExpiresAt)
	return cs, nil
}

// CheckoutURL expands the configured template for cs, or returns "".
func (c *CheckoutService) CheckoutURL(cs *domain.CheckoutSession) string {
	if c.cfg.URLTemplate == "" {
		return ""
	}
	return strings.NewReplacer(
		"{token}", cs.CallbackToken,
		"{plan}", string(cs.Plan),
		"{account}", cs.AccountID,
	).Replace(c.cfg.URLTemplate)
}

// Poll reads a session, expiring it if it is pending past its deadline.
// callerID is the authenticated caller, or "" when anonymous; only the
// owner of a completed session gets its onboarding finished.
func (c *CheckoutService) Poll(ctx context.Context, token, callerID string) (*PollResult, error) {
	if token == "" {
		return nil, domain.ErrSessionNotFound
	}
	cs, err := c.store.GetCheckoutSession(ctx, token)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	if cs.Status == domain.CheckoutPending && !now.Before(cs.ExpiresAt) {
		expired, err := c.store.ExpireCheckoutSession(ctx, token, now)
		if err != nil {
			return nil, fmt.Errorf("expire checkout session: %w", err)
		}
		if expired {
			checkoutTransitions.WithLabelValues(string(domain.CheckoutExpired)).Inc()
			c.logger.Info("checkout session expired", "account_id", cs.AccountID, "plan", cs.Plan)
		}
		// Either we expired it or a webhook resolved it first; reread.
		if cs, err = c.store.GetCheckoutSession(ctx, token); err != nil {
			return nil, err
		}
	}

	res := &PollResult{Session: cs}
	switch cs.Status {
	case domain.CheckoutPending:
		res.Message = "Waiting for payment confirmation."
	case domain.CheckoutExpired:
		res.Message = "This checkout has expired. Please start again."
	case domain.CheckoutFailed:
		res.Message = "Payment failed. No charge was made to your plan."
	case domain.CheckoutCompleted:
		if err := c.finish(ctx, cs, callerID, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (c *CheckoutService) finish(ctx context.Context, cs *domain.CheckoutSession, callerID string, res *PollResult) error {
	if callerID == "" || callerID != cs.AccountID {
		res.RequiresLogin = true
		res.Message = "Payment confirmed. Sign in to continue."
		return nil
	}
	a, err := c.store.GetAccount(ctx, cs.AccountID)
	if err != nil {
		return err
	}
	res.Email = a.Email
	changed, err := c.store.MarkOnboarded(ctx, a.ID, c.now().UTC())
	if err != nil {
		return fmt.Errorf("mark onboarded: %w", err)
	}
	res.Onboarded = changed
	res.Message = "Payment confirmed. Your plan is active."
	return nil
}

// CompleteForAccount resolves the pending session behind a confirmed
// subscription: the session named by token when it belongs to accountID,
// otherwise the account's most recent pending session. It reports whether
// a session moved to completed.
func (c *CheckoutService) CompleteForAccount(ctx context.Context, accountID, token string) (bool, error) {
	return c.resolveForAccount(ctx, accountID, token, domain.CheckoutCompleted)
}

// FailForAccount marks the session named by token failed. Without a token
// nothing is touched: a declined renewal must not fail an unrelated checkout.
func (c *CheckoutService) FailForAccount(ctx context.Context, accountID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	return c.resolveForAccount(ctx, accountID, token, domain.CheckoutFailed)
}

func (c *CheckoutService) resolveForAccount(ctx context.Context, accountID, token string, status domain.CheckoutStatus) (bool, error) {
	if token != "" {
		cs, err := c.store.GetCheckoutSession(ctx, token)
		switch {
		case err == nil && cs.AccountID == accountID:
			return c.resolve(ctx, cs, status)
		case err == nil:
			c.logger.Warn("callback token belongs to another account",
				"account_id", accountID, "session_account_id", cs.AccountID)
		case !errors.Is(err, domain.ErrSessionNotFound):
			return false, err
		}
		if status != domain.CheckoutCompleted {
			return false, nil
		}
	}
	cs, err := c.store.LatestPendingCheckoutSession(ctx, accountID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.resolve(ctx, cs, status)
}

func (c *CheckoutService) resolve(ctx context.Context, cs *domain.CheckoutSession, status domain.CheckoutStatus) (bool, error) {
	ok, err := c.store.ResolveCheckoutSession(ctx, cs.CallbackToken, status, c.now().UTC())
	if err != nil {
		return false, fmt.Errorf("resolve checkout session: %w", err)
	}
	if ok {
		checkoutTransitions.WithLabelValues(string(status)).Inc()
		c.logger.Info("checkout session resolved",
			"account_id", cs.AccountID, "plan", cs.Plan, "status", status)
	}
	return ok, nil
}
