package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/models"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
)

// Event types delivered by the payment processor.
const (
	EventPaymentSucceeded        = "payment.succeeded"
	EventPaymentFailed           = "payment.failed"
	EventSubscriptionActive      = "subscription.active"
	EventSubscriptionUpdated     = "subscription.updated"
	EventSubscriptionCancelled   = "subscription.cancelled"
	EventSubscriptionExpired     = "subscription.expired"
	EventSubscriptionRenewed     = "subscription.renewed"
	EventSubscriptionTrialEnding = "subscription.trial_ending"
)

const (
	DefaultWebhookStaleAfter = 5 * time.Minute

	reasonSubscriptionExpired = "subscription_expired"
	unknownEventType          = "unknown"
)

// Delivery is one inbound webhook request.
type Delivery struct {
	EventID   string
	Timestamp string
	Signature string
	Body      []byte
}

// DeliveryOutcome is how an accepted delivery was handled.
type DeliveryOutcome string

const (
	DeliveryProcessed DeliveryOutcome = "processed"
	DeliveryIgnored   DeliveryOutcome = "ignored"
	DeliveryDuplicate DeliveryOutcome = "duplicate"
)

// BillingConfig maps the processor's catalogue onto plans.
type BillingConfig struct {
	// Products maps processor product ids to plans.
	Products map[string]domain.Plan
	// StaleAfter is how long a claimed event may stay processing before a
	// redelivery may take it over.
	StaleAfter time.Duration
}

// BillingProcessor applies payment-processor events. Each event id has its
// side effects applied at most once; every handler is written to be safe
// against whatever state earlier, possibly out-of-order, events left.
type BillingProcessor struct {
	store    store.Store
	wallet   *WalletService
	checkout *CheckoutService
	verifier *SignatureVerifier
	cfg      BillingConfig
	audit    auditor
	logger   *slog.Logger
	now      func() time.Time
}

func NewBillingProcessor(s store.Store, wallet *WalletService, checkout *CheckoutService, verifier *SignatureVerifier, cfg BillingConfig, opts Options) *BillingProcessor {
	opts = opts.withDefaults()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultWebhookStaleAfter
	}
	return &BillingProcessor{
		store:    s,
		wallet:   wallet,
		checkout: checkout,
		verifier: verifier,
		cfg:      cfg,
		audit:    auditor{store: s, logger: opts.Logger, now: opts.Now},
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Process authenticates, deduplicates and applies one delivery.
//
// Errors: ErrInvalidSignature and ErrReplayedTimestamp for authenticity
// failures, ErrMalformedPayload for an unreadable body, ErrEventInProgress
// while another worker holds the event, anything else is a processing
// failure the sender should retry.
func (p *BillingProcessor) Process(ctx context.Context, d Delivery) (DeliveryOutcome, error) {
	start := time.Now()

	if err := p.verifier.Verify(d.EventID, d.Timestamp, d.Signature, d.Body); err != nil {
		webhookEvents.WithLabelValues(unknownEventType, "unauthenticated").Inc()
		p.logger.Warn("webhook rejected", "event_id", d.EventID, "err", err)
		return "", err
	}

	payload, err := parsePayload(d)
	if err != nil {
		webhookEvents.WithLabelValues(unknownEventType, "malformed").Inc()
		p.logger.Warn("webhook rejected", "event_id", d.EventID, "err", err)
		return "", err
	}
	eventType := payload.EventType
	defer func() {
		webhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	claimed, existing, err := p.store.ClaimWebhookEvent(ctx, &domain.WebhookEvent{
		EventID:    d.EventID,
		EventType:  eventType,
		Payload:    json.RawMessage(d.Body),
		Result:     domain.WebhookProcessing,
		ReceivedAt: p.now().UTC(),
	}, p.cfg.StaleAfter)
	if err != nil {
		webhookEvents.WithLabelValues(eventType, "error").Inc()
		return "", fmt.Errorf("claim event %s: %w", d.EventID, err)
	}
	if !claimed {
		return p.alreadySeen(d.EventID, eventType, existing)
	}

	// Once claimed, a client hang-up must not leave a half-applied event.
	ctx = context.WithoutCancel(ctx)
	log := p.logger.With("event_id", d.EventID, "event_type", eventType)

	result, handleErr := p.dispatch(ctx, payload, d.EventID)
	detail := ""
	if handleErr != nil {
		result = domain.WebhookFailed
		detail = handleErr.Error()
	}
	if err := p.store.FinishWebhookEvent(ctx, d.EventID, result, detail, p.now().UTC()); err != nil {
		if handleErr != nil {
			log.Error("record failed event", "err", err)
		} else {
			// The side effects are applied; reporting failure would make the
			// sender redeliver into a stale claim and apply them twice.
			log.Error("record processed event, side effects already applied", "err", err)
		}
	}

	if handleErr != nil {
		webhookEvents.WithLabelValues(eventType, "failed").Inc()
		log.Error("webhook processing failed", "err", handleErr)
		return "", handleErr
	}
	webhookEvents.WithLabelValues(eventType, string(result)).Inc()
	if result == domain.WebhookIgnored {
		log.Info("webhook event ignored")
		return DeliveryIgnored, nil
	}
	log.Info("webhook event processed")
	return DeliveryProcessed, nil
}

func (p *BillingProcessor) alreadySeen(eventID, eventType string, existing *domain.WebhookEvent) (DeliveryOutcome, error) {
	if existing == nil {
		return "", fmt.Errorf("claim event %s: no record returned", eventID)
	}
	if !existing.Result.Final() {
		webhookEvents.WithLabelValues(eventType, "in_progress").Inc()
		return "", fmt.Errorf("%w: %s", domain.ErrEventInProgress, eventID)
	}
	if existing.EventType != eventType {
		p.logger.Warn("event id reused for a different event type",
			"event_id", eventID, "event_type", eventType, "recorded_type", existing.EventType)
	}
	webhookEvents.WithLabelValues(eventType, string(DeliveryDuplicate)).Inc()
	p.logger.Debug("duplicate webhook delivery",
		"event_id", eventID, "event_type", eventType, "result", existing.Result)
	return DeliveryDuplicate, nil
}

func parsePayload(d Delivery) (*models.WebhookPayload, error) {
	var payload models.WebhookPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if payload.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", domain.ErrMalformedPayload)
	}
	if payload.EventID != "" && payload.EventID != d.EventID {
		return nil, fmt.Errorf("%w: event id %q does not match header %q",
			domain.ErrMalformedPayload, payload.EventID, d.EventID)
	}
	return &payload, nil
}

func (p *BillingProcessor) dispatch(ctx context.Context, payload *models.WebhookPayload, eventID string) (domain.WebhookResult, error) {
	var err error
	data := payload.Data
	switch payload.EventType {
	case EventPaymentSucceeded:
		err = p.paymentSucceeded(ctx, data, eventID)
	case EventPaymentFailed:
		err = p.paymentFailed(ctx, data)
	case EventSubscriptionActive:
		err = p.subscriptionActive(ctx, data)
	case EventSubscriptionUpdated:
		err = p.subscriptionUpdated(ctx, data)
	case EventSubscriptionCancelled:
		err = p.subscriptionStatus(ctx, data, domain.SubscriptionCancelled)
	case EventSubscriptionExpired:
		err = p.subscriptionExpired(ctx, data, eventID)
	case EventSubscriptionRenewed:
		err = p.subscriptionRenewed(ctx, data)
	case EventSubscriptionTrialEnding:
		err = p.trialEnding(ctx, data, eventID)
	default:
		return domain.WebhookIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", payload.EventType, err)
	}
	return domain.WebhookProcessed, nil
}

// paymentSucceeded starts a new cycle: the wallet is reset to the plan's
// allocation and the subscription period advances.
func (p *BillingProcessor) paymentSucceeded(ctx context.Context, data models.WebhookData, eventID string) error {
	a, err := p.resolveAccount(ctx, data)
	if err != nil {
		return err
	}
	plan, err := p.resolvePlan(data)
	if err != nil {
		return err
	}
	balance, err := p.wallet.Reset(ctx, a.ID, plan)
	if err != nil {
		return err
	}
	start, end := p.period(data)
	if err := p.writeSubscription(ctx, a, data, func(sub *domain.Subscription) {
		sub.Plan = plan
		sub.Status = domain.SubscriptionActive
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = start, end
	}); err != nil {
		return err
	}
	p.audit.record(ctx, domain.AuditEntry{
		AccountID: a.ID,
		Kind:      domain.AuditBilling,
		Outcome:   EventPaymentSucceeded,
		Detail:    fmt.Sprintf("wallet reset to %d for plan %s", balance, plan),
		Metadata:  eventMetadata(eventID, data),
	})
	return nil
}

// paymentFailed marks the subscription past due. Credits stay usable
// through the grace period.
func (p *BillingProcessor) paymentFailed(ctx context.Context, data models.WebhookData) error {
	a, err := p.resolveAccount(ctx, data)
	if err != nil {
		return err
	}
	if err := p.writeSubscription(ctx, a, data, func(sub *domain.Subscription) {
		sub.Status = domain.SubscriptionPastDue
	}); err != nil {
		return err
	}
	if _, err := p.checkout.FailForAccount(ctx, a.ID, data.Meta(models.MetaCallbackToken)); err != nil {
		return err
	}
	return nil
}

// subscriptionActive is the signal that a checkout went through, trial or
// not. It moves the account to the plan and completes the pending session.
func (p *BillingProcessor) subscriptionActive(ctx context.Context, data models.WebhookData) error {
	a, err := p.resolveAccount(ctx, data)
	if err != nil {
		return err
	}
	plan, err := p.resolvePlan(data)
	if err != nil {
		return err
	}
	status, ok := domain.ParseSubscriptionStatus(data.Status)
	if !ok {
		status = domain.SubscriptionActive
		if data.TrialEndsAt != nil {
			status = domain.SubscriptionTrialing
		}
	}
	if err := p.store.SetPlan(ctx, a.ID, plan, utcPtr(data.TrialEndsAt)); err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	start, end := p.period(data)
	if err := p.writeSubscription(ctx, a, data, func(sub *domain.Subscription) {
		sub.Plan = plan
		sub.Status = status
		if data.CurrentPeriodStart != nil || sub.CurrentPeriodStart.IsZero() {
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd = start, end
		}
	}); err != nil {
		return err
	}
	completed, err := p.checkout.CompleteForAccount(ctx, a.ID, data.Meta(models.MetaCallbackToken))
	if err != nil {
		return err
	}
	p.logger.Info("subscription active",
		"account_id", a.ID, "plan", plan, "status", status, "checkout_completed", completed)
	return nil
}

// subscriptionUpdated changes plan and status fields only. The wallet is
// left to the next payment.succeeded.
func (p *BillingProcessor) subscriptionUpdated(ctx context.Context, data models.WebhookData) error {
	a, err := p.resolveAccount(ctx, data)
	if err != nil {
		return err
	}
	plan, err := p.resolvePlan(data)
	if errors.Is(err, domain.ErrUnknownProduct) && data.ProductID == "" {
		// A status-only update keeps whatever plan is on record.
		plan, err = p.currentPlan(ctx, a, data.SubscriptionID), nil
	}
	if err != nil {
		return err
	}
	status, hasStatus := domain.ParseSubscriptionStatus(data.Status)
	stored := p.storedStatus(ctx, data.SubscriptionID)
	if stored == domain.SubscriptionExpired {
		// Expiry is final; a late update must not revive the cleared account.
		hasStatus = false
	}
	effective := stored
	if hasStatus {
		effective = status
	}
	if plan.Metered() && !effective.Ended() {
		if err := p.store.SetPlan(ctx, a.ID, plan, utcPtr(data.TrialEndsAt)); err != nil {
			return fmt.Errorf("set plan: %w", err)
		}
	} else if plan.Metered() {
		p.logger.Info("plan change skipped on ended subscription",
			"account_id", a.ID, "subscription_id", data.SubscriptionID, "status", effective, "plan", plan)
	}
	return p.writeSubscription(ctx, a, data, func(sub *domain.Subscription) {
		if plan.Metered() {
			sub.Plan = plan
		}
		if hasStatus {
			sub.Status = status
		}
	})
}

// storedStatus is the recorded status of the subscription, or "" when there
// is none.
func (p *BillingProcessor) storedStatus(ctx context.Context, subscriptionID string) domain.SubscriptionStatus {
	if subscriptionID == "" {
		return ""
	}
	sub, err := p.store.GetSubscriptionByExternalID(ctx, subscriptionID)
	if err != nil {
		return ""
	}
	return sub.Status
}

func (p *BillingProcessor) subscriptionStatus(ctx context.Context, data models.WebhookData, status domain.SubscriptionStatus) error {
	a, err := p.resolveAccount(ctx, data)
	if err != nil {
		return err
	}
	return p.writeSubscription(ctx, a, data, func(sub *domain.Subscription) {
		sub.Status = status
	})
}

// subscriptionExpired forfeits the wallet now and demotes the account.
func (p *BillingProcessor) subscriptionExpired(ctx context.Context, data models.WebhookData, eventID string) error {
	a, err := p.resolveAccount(ctx, data)
	if err != nil {
		return err
	}
	if err := p.writeSubscription(ctx, a, data, func(sub *domain.Subscription) {
		sub.Status = domain.SubscriptionExpired
	}); err != nil {
		return err
	}
	if _, err := p.wallet.Clear(ctx, a.ID, reasonSubscriptionExpired); err != nil {
		return err
	}
	p.audit.record(ctx, domain.AuditEntry{
		AccountID: a.ID,
		Kind:      domain.AuditBilling,
		Outcome:   EventSubscriptionExpired,
		Detail:    fmt.Sprintf("forfeited %d, plan reverted to %s", a.WalletBalance, domain.PlanFree),
		Metadata:  eventMetadata(eventID, data),
	})
	return nil
}

// subscriptionRenewed moves the period window. Credits arrive with the
// paired payment.succeeded.
func (p *BillingProcessor) subscriptionRenewed(ctx context.Context, data models.WebhookData) error {
	a, err := p.resolveAccount(ctx, data)
	if err != nil {
		return err
	}
	start, end := p.period(data)
	return p.writeSubscription(ctx, a, data, func(sub *domain.Subscription) {
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = start, end
		if sub.Status == "" {
			sub.Status = domain.SubscriptionActive
		}
	})
}

func (p *BillingProcessor) trialEnding(ctx context.Context, data models.WebhookData, eventID string) error {
	a, err := p.resolveAccount(ctx, data)
	if errors.Is(err, domain.ErrAccountNotFound) {
		p.logger.Info("trial ending for unknown account",
			"customer_id", data.CustomerID, "subscription_id", data.SubscriptionID)
		return nil
	}
	if err != nil {
		return err
	}
	detail := "trial ending"
	if data.TrialEndsAt != nil {
		detail = "trial ends at " + data.TrialEndsAt.UTC().Format(time.RFC3339)
	}
	p.audit.record(ctx, domain.AuditEntry{
		AccountID: a.ID,
		Kind:      domain.AuditBilling,
		Outcome:   EventSubscriptionTrialEnding,
		Detail:    detail,
		Metadata:  eventMetadata(eventID, data),
	})
	return nil
}

// resolveAccount finds the account by processor customer id, falling back
// to the user id the checkout put in metadata. The fallback links the
// customer so later events resolve directly.
func (p *BillingProcessor) resolveAccount(ctx context.Context, data models.WebhookData) (*domain.Account, error) {
	if data.CustomerID != "" {
		a, err := p.store.GetAccountByCustomerID(ctx, data.CustomerID)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return nil, err
		}
	}
	userID := data.Meta(models.MetaUserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: customer %q", domain.ErrAccountNotFound, data.CustomerID)
	}
	a, err := p.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve account %q: %w", userID, err)
	}
	if data.CustomerID != "" && a.CustomerID != data.CustomerID {
		if a.CustomerID != "" {
			p.logger.Warn("relinking account to a new customer",
				"account_id", a.ID, "old_customer_id", a.CustomerID, "customer_id", data.CustomerID)
		}
		if err := p.store.LinkCustomer(ctx, a.ID, data.CustomerID); err != nil {
			return nil, fmt.Errorf("link customer: %w", err)
		}
		a.CustomerID = data.CustomerID
	}
	return a, nil
}

// resolvePlan maps the product id, falling back to the plan id the checkout
// put in metadata. Only metered plans can be bought.
func (p *BillingProcessor) resolvePlan(data models.WebhookData) (domain.Plan, error) {
	if plan, ok := p.cfg.Products[data.ProductID]; ok && data.ProductID != "" {
		return plan, nil
	}
	if raw := data.Meta(models.MetaPlanID); raw != "" {
		if plan, err := domain.ParsePlan(raw); err == nil && plan.Metered() {
			return plan, nil
		}
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownProduct, data.ProductID)
}

func (p *BillingProcessor) currentPlan(ctx context.Context, a *domain.Account, subscriptionID string) domain.Plan {
	if subscriptionID != "" {
		if sub, err := p.store.GetSubscriptionByExternalID(ctx, subscriptionID); err == nil {
			return sub.Plan
		}
	}
	return a.Plan
}

// period is the event's billing window, defaulting to one month from now.
func (p *BillingProcessor) period(data models.WebhookData) (time.Time, time.Time) {
	start := p.now().UTC()
	if data.CurrentPeriodStart != nil {
		start = data.CurrentPeriodStart.UTC()
	}
	end := start.AddDate(0, 1, 0)
	if data.CurrentPeriodEnd != nil {
		end = data.CurrentPeriodEnd.UTC()
	}
	return start, end
}

// writeSubscription loads the subscription named in data, or starts a new
// one from the account, applies mutate and upserts it. Events without a
// subscription id have nothing to write.
func (p *BillingProcessor) writeSubscription(ctx context.Context, a *domain.Account, data models.WebhookData, mutate func(*domain.Subscription)) error {
	if data.SubscriptionID == "" {
		p.logger.Debug("event carries no subscription id", "account_id", a.ID)
		return nil
	}
	now := p.now().UTC()
	sub, err := p.store.GetSubscriptionByExternalID(ctx, data.SubscriptionID)
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		start, end := p.period(data)
		sub = &domain.Subscription{
			ExternalID:         data.SubscriptionID,
			Plan:               a.Plan,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   end,
			CreatedAt:          now,
		}
		if plan, err := p.resolvePlan(data); err == nil {
			sub.Plan = plan
		}
	case err != nil:
		return fmt.Errorf("load subscription: %w", err)
	}
	sub.AccountID = a.ID
	if data.CustomerID != "" {
		sub.CustomerID = data.CustomerID
	}
	mutate(sub)
	if sub.Status == "" {
		sub.Status = domain.SubscriptionActive
	}
	sub.UpdatedAt = now
	if err := p.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func eventMetadata(eventID string, data models.WebhookData) map[string]string {
	m := map[string]string{"event_id": eventID}
	if data.SubscriptionID != "" {
		m["subscription_id"] = data.SubscriptionID
	}
	if data.CustomerID != "" {
		m["customer_id"] = data.CustomerID
	}
	return m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
