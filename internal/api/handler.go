package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/auth"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/service"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const (
	endpointWebhook        = "/webhooks/billing"
	endpointCheckout       = "/api/v1/checkout"
	endpointCheckoutStatus = "/api/v1/checkout/status"
	endpointAccount        = "/api/v1/account"
	endpointTransactions   = "/api/v1/account/transactions"
	endpointActivity       = "/api/v1/account/activity"
	endpointUsageCheck     = "/api/v1/usage/check"
	endpointUsageRecord    = "/api/v1/usage/record"
)

// Services are the domain services the HTTP surface is built on.
type Services struct {
	Wallet    *service.WalletService
	Admission *service.AdmissionService
	Metering  *service.MeteringService
	Checkout  *service.CheckoutService
	Billing   *service.BillingProcessor
}

type Handler struct {
	store  store.Store
	svc    Services
	logger *slog.Logger
}

func NewHandler(s store.Store, svc Services, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, svc: svc, logger: logger}
}

// NewRouter mounts every endpoint. Account routes require a bearer token;
// the checkout status poll accepts one.
func NewRouter(h *Handler, verifier *auth.Verifier) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc(endpointWebhook, h.WebhookHandler).Methods(http.MethodPost)

	optional := auth.Optional(verifier, h.logger)
	r.Handle(endpointCheckoutStatus, optional(http.HandlerFunc(h.CheckoutStatusHandler))).Methods(http.MethodGet)

	private := r.PathPrefix("/api/v1").Subrouter()
	private.Use(auth.Require(verifier, h.logger))
	private.HandleFunc("/checkout", h.CreateCheckoutHandler).Methods(http.MethodPost)
	private.HandleFunc("/account", h.GetAccountHandler).Methods(http.MethodGet)
	private.HandleFunc("/account/transactions", h.GetTransactionsHandler).Methods(http.MethodGet)
	private.HandleFunc("/account/activity", h.GetActivityHandler).Methods(http.MethodGet)
	private.HandleFunc("/usage/check", h.CheckUsageHandler).Methods(http.MethodPost)
	private.HandleFunc("/usage/record", h.RecordUsageHandler).Methods(http.MethodPost)
	return r
}

// statusFor maps a domain error onto the response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature), errors.Is(err, domain.ErrReplayedTimestamp),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrMalformedPayload), errors.Is(err, domain.ErrInvalidPlan),
		errors.Is(err, domain.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrLimitReached):
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Warn("encode response", "endpoint", endpoint, "err", err)
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

// respondDomainError hides internal failures behind a generic message.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	code := statusFor(err)
	msg := domain.UserMessage(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", method, "endpoint", endpoint, "err", err)
	} else if code == http.StatusBadRequest || code == http.StatusUnauthorized {
		msg = err.Error()
	}
	h.respondError(w, code, msg, method, endpoint)
}
