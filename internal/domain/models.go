package domain

import (
	"encoding/json"
	"time"
)

// Plan is a subscription tier. PlanFree is the only non-metered tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanAgency  Plan = "agency"
)

// Metered reports whether the plan draws down wallet credits.
func (p Plan) Metered() bool {
	return p == PlanStarter || p == PlanPro || p == PlanAgency
}

// Valid reports whether p is one of the known tiers.
func (p Plan) Valid() bool {
	return p == PlanFree || p.Metered()
}

// ParsePlan validates a plan identifier coming from outside the system.
func ParsePlan(s string) (Plan, error) {
	p := Plan(s)
	if !p.Valid() {
		return "", ErrInvalidPlan
	}
	return p, nil
}

// ActionType names a consumable action.
type ActionType string

const (
	ActionPostAnalysis      ActionType = "post_analysis"
	ActionProfileEnrichment ActionType = "profile_enrichment"
	ActionEmailLookup       ActionType = "email_lookup"
	ActionAISearch          ActionType = "ai_search"
	ActionMonitoring        ActionType = "monitoring"
)

// Counter is a free-tier usage column. Values double as column names and are
// the only identifiers ever interpolated into SQL.
type Counter string

const (
	CounterAnalyses    Counter = "analyses_used"
	CounterEnrichments Counter = "enrichments_used"
)

// Account is one user's billing state.
// WalletBalance only has meaning on metered plans; the free tier uses the counters.
type Account struct {
	ID              string     `json:"id"`
	Email           string     `json:"email,omitempty"`
	Plan            Plan       `json:"plan"`
	WalletBalance   int64      `json:"wallet_balance"`
	WalletResetAt   *time.Time `json:"wallet_reset_at,omitempty"`
	TrialEndsAt     *time.Time `json:"trial_ends_at,omitempty"`
	AnalysesUsed    int64      `json:"analyses_used"`
	EnrichmentsUsed int64      `json:"enrichments_used"`
	UsageResetAt    time.Time  `json:"usage_reset_at"`
	CustomerID      string     `json:"customer_id,omitempty"`
	OnboardedAt     *time.Time `json:"onboarded_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CounterValue returns the current value of a free-tier counter.
func (a *Account) CounterValue(c Counter) int64 {
	switch c {
	case CounterAnalyses:
		return a.AnalysesUsed
	case CounterEnrichments:
		return a.EnrichmentsUsed
	}
	return 0
}

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// Ledger reasons written by the wallet itself.
const (
	ReasonForfeited  = "forfeited"
	ReasonAllocation = "allocation"
)

// WalletTransaction is an immutable ledger entry.
// Folding Amount over an account's ordered entries reproduces its balance.
type WalletTransaction struct {
	ID           string            `json:"id"`
	AccountID    string            `json:"account_id"`
	Amount       int64             `json:"amount"`
	BalanceAfter int64             `json:"balance_after"`
	Type         TransactionType   `json:"type"`
	Reason       string            `json:"reason"`
	ActionType   ActionType        `json:"action_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Debit is the input to a single atomic deduction.
type Debit struct {
	TransactionID string
	AccountID     string
	Amount        int64
	ActionType    ActionType
	Reason        string
	Metadata      map[string]string
	At            time.Time
}

// WalletMutation is the outcome of a reset or clear: the final balance and
// the entries appended to produce it.
type WalletMutation struct {
	Balance      int64               `json:"balance"`
	Transactions []WalletTransaction `json:"transactions"`
}

type SubscriptionStatus string

const (
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// ParseSubscriptionStatus maps a processor status string; ok is false for
// anything unrecognised.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, bool) {
	switch s {
	case "trialing", "on_trial":
		return SubscriptionTrialing, true
	case "active":
		return SubscriptionActive, true
	case "past_due", "unpaid":
		return SubscriptionPastDue, true
	case "cancelled", "canceled":
		return SubscriptionCancelled, true
	case "expired":
		return SubscriptionExpired, true
	}
	return "", false
}

// Ended reports whether the subscription no longer entitles a paid plan.
func (s SubscriptionStatus) Ended() bool {
	return s == SubscriptionCancelled || s == SubscriptionExpired
}

// Subscription mirrors the payment processor's subscription. ExternalID is
// unique; the latest write wins.
type Subscription struct {
	ID                 string             `json:"id"`
	AccountID          string             `json:"account_id"`
	Plan               Plan               `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	ExternalID         string             `json:"external_id"`
	CustomerID         string             `json:"customer_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

type CheckoutStatus string

const (
	CheckoutPending   CheckoutStatus = "pending"
	CheckoutCompleted CheckoutStatus = "completed"
	CheckoutFailed    CheckoutStatus = "failed"
	CheckoutExpired   CheckoutStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s CheckoutStatus) Terminal() bool {
	return s != CheckoutPending
}

// CheckoutSession correlates a client-side checkout with its webhook confirmation.
type CheckoutSession struct {
	CallbackToken string         `json:"callback_token"`
	AccountID     string         `json:"account_id"`
	Plan          Plan           `json:"plan"`
	Status        CheckoutStatus `json:"status"`
	ExpiresAt     time.Time      `json:"expires_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type WebhookResult string

const (
	WebhookProcessing WebhookResult = "processing"
	WebhookProcessed  WebhookResult = "processed"
	WebhookIgnored    WebhookResult = "ignored"
	WebhookFailed     WebhookResult = "failed"
)

// Final reports whether a redelivery of the event must be short-circuited.
func (r WebhookResult) Final() bool {
	return r == WebhookProcessed || r == WebhookIgnored
}

// WebhookEvent is the idempotency record for one processor event id.
type WebhookEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Result      WebhookResult   `json:"result"`
	Detail      string          `json:"detail,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

type AuditKind string

const (
	AuditAction  AuditKind = "action"
	AuditBilling AuditKind = "billing"
)

// AuditEntry is a best-effort record of a completed action or billing notice.
type AuditEntry struct {
	ID         string            `json:"id"`
	AccountID  string            `json:"account_id"`
	Kind       AuditKind         `json:"kind"`
	ActionType ActionType        `json:"action_type,omitempty"`
	Quantities map[string]int64  `json:"quantities,omitempty"`
	Cost       int64             `json:"cost"`
	Outcome    string            `json:"outcome"`
	Detail     string            `json:"detail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
