package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/auth"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/models"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/pricing"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/service"
)

const (
	maxWebhookBody  = 1 << 20
	defaultPageSize = 50
	maxPageSize     = 500
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "err", err)
		h.respondError(w, http.StatusServiceUnavailable, "datastore unavailable", http.MethodGet, "/health")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, http.MethodGet, "/health")
}

// WebhookHandler accepts payment-processor deliveries. Accepted, ignored
// and duplicate events all answer 200 so the sender stops retrying.
func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodPost, endpointWebhook))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.respondJSON(w, http.StatusBadRequest, models.WebhookAck{Error: "unreadable body"}, http.MethodPost, endpointWebhook)
		return
	}

	outcome, err := h.svc.Billing.Process(r.Context(), service.Delivery{
		EventID:   r.Header.Get("Webhook-Id"),
		Timestamp: r.Header.Get("Webhook-Timestamp"),
		Signature: r.Header.Get("Webhook-Signature"),
		Body:      body,
	})
	if err != nil {
		code := statusFor(err)
		msg := err.Error()
		switch {
		case errors.Is(err, domain.ErrEventInProgress):
			// Another delivery holds the claim; 500 makes the sender retry.
			code, msg = http.StatusInternalServerError, "event is being processed, retry later"
		case code == http.StatusInternalServerError || code == http.StatusNotFound:
			code, msg = http.StatusInternalServerError, "processing failed"
		}
		h.respondJSON(w, code, models.WebhookAck{Error: msg}, http.MethodPost, endpointWebhook)
		return
	}
	h.respondJSON(w, http.StatusOK, models.WebhookAck{Received: true, Outcome: string(outcome)}, http.MethodPost, endpointWebhook)
}

// CheckoutStatusHandler is polled after the processor redirects back. Any
// caller holding the token may read the status; only the signed-in owner
// gets onboarding finished.
func (h *Handler) CheckoutStatusHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodGet, endpointCheckoutStatus))
	defer timer.ObserveDuration()

	token := r.URL.Query().Get("token")
	if token == "" {
		h.respondError(w, http.StatusBadRequest, "token query parameter is required", http.MethodGet, endpointCheckoutStatus)
		return
	}

	res, err := h.svc.Checkout.Poll(r.Context(), token, auth.SubjectFromContext(r.Context()))
	if errors.Is(err, domain.ErrSessionNotFound) {
		h.respondJSON(w, http.StatusNotFound, models.CheckoutStatusResponse{
			Message: "Checkout session not found.",
		}, http.MethodGet, endpointCheckoutStatus)
		return
	}
	if err != nil {
		h.respondDomainError(w, err, http.MethodGet, endpointCheckoutStatus)
		return
	}

	cs := res.Session
	h.respondJSON(w, http.StatusOK, models.CheckoutStatusResponse{
		Success:       cs.Status == domain.CheckoutCompleted,
		Status:        string(cs.Status),
		UserEmail:     res.Email,
		PlanID:        string(cs.Plan),
		RequiresLogin: res.RequiresLogin,
		Message:       res.Message,
	}, http.MethodGet, endpointCheckoutStatus)
}

func (h *Handler) CreateCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodPost, endpointCheckout))
	defer timer.ObserveDuration()

	var req models.CreateCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", http.MethodPost, endpointCheckout)
		return
	}
	plan, err := domain.ParsePlan(req.PlanID)
	if err != nil || !plan.Metered() {
		h.respondError(w, http.StatusUnprocessableEntity, "plan_id must be starter, pro or agency", http.MethodPost, endpointCheckout)
		return
	}

	a, ok := h.ensureAccount(w, r, http.MethodPost, endpointCheckout)
	if !ok {
		return
	}
	cs, err := h.svc.Checkout.Create(r.Context(), a.ID, plan)
	if err != nil {
		h.respondDomainError(w, err, http.MethodPost, endpointCheckout)
		return
	}
	h.respondJSON(w, http.StatusCreated, models.CreateCheckoutResponse{
		CallbackToken: cs.CallbackToken,
		ExpiresAt:     cs.ExpiresAt,
		CheckoutURL:   h.svc.Checkout.CheckoutURL(cs),
	}, http.MethodPost, endpointCheckout)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodGet, endpointAccount))
	defer timer.ObserveDuration()

	a, ok := h.ensureAccount(w, r, http.MethodGet, endpointAccount)
	if !ok {
		return
	}
	snap, err := h.svc.Admission.Snapshot(r.Context(), a.ID)
	if err != nil {
		h.respondDomainError(w, err, http.MethodGet, endpointAccount)
		return
	}
	h.respondJSON(w, http.StatusOK, models.UsageResponse{
		AccountID:        a.ID,
		Email:            a.Email,
		Plan:             a.Plan,
		Metered:          a.Plan.Metered(),
		WalletBalance:    snap.WalletBalance,
		WalletResetAt:    a.WalletResetAt,
		TrialEndsAt:      a.TrialEndsAt,
		AnalysesUsed:     snap.AnalysesUsed,
		AnalysesLimit:    snap.AnalysesLimit,
		EnrichmentsUsed:  snap.EnrichmentsUsed,
		EnrichmentsLimit: snap.EnrichmentsLimit,
		UsagePeriodStart: snap.PeriodStart,
		Onboarded:        a.OnboardedAt != nil,
	}, http.MethodGet, endpointAccount)
}

func (h *Handler) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodGet, endpointTransactions))
	defer timer.ObserveDuration()

	limit, ok := h.pageSize(w, r, endpointTransactions)
	if !ok {
		return
	}
	txs, err := h.svc.Wallet.Transactions(r.Context(), auth.SubjectFromContext(r.Context()), limit)
	if err != nil {
		h.respondDomainError(w, err, http.MethodGet, endpointTransactions)
		return
	}
	if txs == nil {
		txs = []domain.WalletTransaction{}
	}
	h.respondJSON(w, http.StatusOK, models.TransactionsResponse{Transactions: txs}, http.MethodGet, endpointTransactions)
}

func (h *Handler) GetActivityHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodGet, endpointActivity))
	defer timer.ObserveDuration()

	limit, ok := h.pageSize(w, r, endpointActivity)
	if !ok {
		return
	}
	entries, err := h.store.ListAudit(r.Context(), auth.SubjectFromContext(r.Context()), limit)
	if err != nil {
		h.respondDomainError(w, err, http.MethodGet, endpointActivity)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	h.respondJSON(w, http.StatusOK, models.ActivityResponse{Entries: entries}, http.MethodGet, endpointActivity)
}

// CheckUsageHandler answers whether the caller may start an action. A denial
// is still a 200; the body says why.
func (h *Handler) CheckUsageHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodPost, endpointUsageCheck))
	defer timer.ObserveDuration()

	var req models.UsageCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", http.MethodPost, endpointUsageCheck)
		return
	}
	a, ok := h.ensureAccount(w, r, http.MethodPost, endpointUsageCheck)
	if !ok {
		return
	}
	d, err := h.svc.Admission.CanPerform(r.Context(), a.ID, req.Action)
	if err != nil {
		h.respondDomainError(w, err, http.MethodPost, endpointUsageCheck)
		return
	}
	h.respondJSON(w, http.StatusOK, models.UsageCheckResponse{
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		EstimatedCost: d.EstimatedCost,
		WalletBalance: d.Usage.WalletBalance,
	}, http.MethodPost, endpointUsageCheck)
}

// RecordUsageHandler settles an action that already ran. A settlement the
// wallet can no longer cover answers 402.
func (h *Handler) RecordUsageHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodPost, endpointUsageRecord))
	defer timer.ObserveDuration()

	var req models.RecordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", http.MethodPost, endpointUsageRecord)
		return
	}
	a, ok := h.ensureAccount(w, r, http.MethodPost, endpointUsageRecord)
	if !ok {
		return
	}
	settled, err := h.svc.Metering.RecordCompletion(r.Context(), a.ID, service.Completion{
		Action: req.Action,
		Quantities: pricing.Quantities{
			ReactionCount: req.ReactionCount,
			CommentCount:  req.CommentCount,
		},
		Metadata: req.Metadata,
	})
	if err != nil {
		h.respondDomainError(w, err, http.MethodPost, endpointUsageRecord)
		return
	}
	h.respondJSON(w, http.StatusOK, models.RecordUsageResponse{
		Cost:         settled.Cost,
		Balance:      settled.Balance,
		CounterValue: settled.CounterValue,
		Clamped:      settled.Clamped,
	}, http.MethodPost, endpointUsageRecord)
}

// ensureAccount returns the caller's account, creating a free one on first
// sight. It writes the error response itself.
func (h *Handler) ensureAccount(w http.ResponseWriter, r *http.Request, method, endpoint string) (*domain.Account, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.Subject == "" {
		h.respondError(w, http.StatusUnauthorized, "authentication required", method, endpoint)
		return nil, false
	}
	a, err := h.store.EnsureAccount(r.Context(), claims.Subject, claims.Email)
	if err != nil {
		h.respondDomainError(w, err, method, endpoint)
		return nil, false
	}
	return a, true
}

func (h *Handler) pageSize(w http.ResponseWriter, r *http.Request, endpoint string) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageSize, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		h.respondError(w, http.StatusBadRequest, "limit must be a positive integer", http.MethodGet, endpoint)
		return 0, false
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, true
}
