package models

import (
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
)

// WebhookPayload is the body the payment processor posts to the webhook endpoint.
type WebhookPayload struct {
	EventType string      `json:"event_type"`
	EventID   string      `json:"event_id"`
	Data      WebhookData `json:"data"`
}

// WebhookData is the event's subject. Which fields are set depends on the
// event type; every one of them is optional on the wire.
type WebhookData struct {
	CustomerID         string            `json:"customer_id"`
	SubscriptionID     string            `json:"subscription_id"`
	ProductID          string            `json:"product_id"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CurrentPeriodStart *time.Time        `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time        `json:"current_period_end,omitempty"`
	TrialEndsAt        *time.Time        `json:"trial_ends_at,omitempty"`
}

// Metadata keys the checkout flow attaches to the processor's checkout.
const (
	MetaUserID        = "user_id"
	MetaPlanID        = "plan_id"
	MetaCallbackToken = "callback_token"
)

// Meta returns a metadata value, or "" when absent.
func (d WebhookData) Meta(key string) string {
	return d.Metadata[key]
}

// WebhookAck is the body of every webhook response.
type WebhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CreateCheckoutRequest starts a checkout for a metered plan.
type CreateCheckoutRequest struct {
	PlanID string `json:"plan_id"`
}

type CreateCheckoutResponse struct {
	CallbackToken string    `json:"callback_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	CheckoutURL   string    `json:"checkout_url,omitempty"`
}

// CheckoutStatusResponse is polled by the client after redirecting back
// from the processor's checkout page.
type CheckoutStatusResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	UserEmail     string `json:"user_email,omitempty"`
	PlanID        string `json:"plan_id,omitempty"`
	RequiresLogin bool   `json:"requires_login,omitempty"`
	Message       string `json:"message"`
}

// UsageResponse is the dashboard view of an account's plan and consumption.
type UsageResponse struct {
	AccountID        string      `json:"account_id"`
	Email            string      `json:"email,omitempty"`
	Plan             domain.Plan `json:"plan"`
	Metered          bool        `json:"metered"`
	WalletBalance    int64       `json:"wallet_balance"`
	WalletResetAt    *time.Time  `json:"wallet_reset_at,omitempty"`
	TrialEndsAt      *time.Time  `json:"trial_ends_at,omitempty"`
	AnalysesUsed     int64       `json:"analyses_used"`
	AnalysesLimit    int64       `json:"analyses_limit"`
	EnrichmentsUsed  int64       `json:"enrichments_used"`
	EnrichmentsLimit int64       `json:"enrichments_limit"`
	UsagePeriodStart time.Time   `json:"usage_period_start"`
	Onboarded        bool        `json:"onboarded"`
}

type TransactionsResponse struct {
	Transactions []domain.WalletTransaction `json:"transactions"`
}

type ActivityResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// UsageCheckRequest asks whether an action may start now.
type UsageCheckRequest struct {
	Action domain.ActionType `json:"action"`
}

type UsageCheckResponse struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	EstimatedCost int64  `json:"estimated_cost"`
	WalletBalance int64  `json:"wallet_balance"`
}

// RecordUsageRequest reports an action that has finished running.
type RecordUsageRequest struct {
	Action        domain.ActionType `json:"action"`
	ReactionCount int64             `json:"reaction_count"`
	CommentCount  int64             `json:"comment_count"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type RecordUsageResponse struct {
	Cost         int64 `json:"cost"`
	Balance      int64 `json:"balance"`
	CounterValue int64 `json:"counter_value"`
	Clamped      bool  `json:"clamped,omitempty"`
}
