package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/auth"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/models"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/pricing"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/service"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store/memory"
)

type testServer struct {
	router   http.Handler
	store    *memory.Store
	signer   *service.SignatureVerifier
	verifier *auth.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := service.Options{Logger: logger}
	st := memory.New()
	catalog := pricing.DefaultCatalog()

	signer, err := service.NewSignatureVerifier("whsec_YXBpLXRlc3Qtc2VjcmV0", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := auth.NewVerifier("jwt-test-secret", "")
	if err != nil {
		t.Fatal(err)
	}
	wallet := service.NewWalletService(st, catalog, opts)
	checkout := service.NewCheckoutService(st, service.CheckoutConfig{URLTemplate: "https://pay.example/{plan}?t={token}"}, opts)
	svc := Services{
		Wallet:    wallet,
		Admission: service.NewAdmissionService(st, catalog, opts),
		Metering:  service.NewMeteringService(st, wallet, catalog, opts),
		Checkout:  checkout,
		Billing: service.NewBillingProcessor(st, wallet, checkout, signer,
			service.BillingConfig{Products: map[string]domain.Plan{"prod_pro": domain.PlanPro}}, opts),
	}
	return &testServer{
		router:   NewRouter(NewHandler(st, svc, logger), verifier),
		store:    st,
		signer:   signer,
		verifier: verifier,
	}
}

func (s *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := s.verifier.Sign(subject, subject+"@example.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (s *testServer) do(req *http.Request, bearer string) *httptest.ResponseRecorder {
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) webhook(t *testing.T, eventID string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	ts, sig := s.signer.Sign(eventID, time.Now(), body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	req.Header.Set("Webhook-Id", eventID)
	req.Header.Set("Webhook-Timestamp", ts)
	req.Header.Set("Webhook-Signature", sig)
	return s.do(req, "")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookStatuses(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.store.EnsureAccount(context.Background(), "user_1", "user_1@example.com"); err != nil {
		t.Fatal(err)
	}
	paid := map[string]any{
		"event_type": "payment.succeeded",
		"event_id":   "evt_1",
		"data": map[string]any{
			"customer_id": "cus_1",
			"product_id":  "prod_pro",
			"metadata":    map[string]string{"user_id": "user_1"},
		},
	}

	rec := s.webhook(t, "evt_1", paid)
	if rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d: %s", rec.Code, rec.Body)
	}
	if ack := decode[models.WebhookAck](t, rec); !ack.Received || ack.Outcome != "processed" {
		t.Errorf("ack = %+v", ack)
	}

	rec = s.webhook(t, "evt_1", paid)
	if ack := decode[models.WebhookAck](t, rec); rec.Code != http.StatusOK || ack.Outcome != "duplicate" {
		t.Errorf("redelivery = %d %+v", rec.Code, ack)
	}

	rec = s.webhook(t, "evt_2", map[string]any{"event_type": "order.created", "event_id": "evt_2"})
	if ack := decode[models.WebhookAck](t, rec); rec.Code != http.StatusOK || ack.Outcome != "ignored" {
		t.Errorf("unknown type = %d %+v", rec.Code, ack)
	}

	rec = s.webhook(t, "evt_3", map[string]any{"event_id": "evt_3"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed status = %d", rec.Code)
	}

	orphan := map[string]any{
		"event_type": "payment.succeeded",
		"event_id":   "evt_4",
		"data":       map[string]any{"customer_id": "cus_nobody", "product_id": "prod_pro"},
	}
	rec = s.webhook(t, "evt_4", orphan)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("unresolvable account status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Webhook-Id", "evt_5")
	req.Header.Set("Webhook-Timestamp", "1700000000")
	req.Header.Set("Webhook-Signature", "v1,AAAA")
	if rec := s.do(req, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d", rec.Code)
	}

	a, err := s.store.GetAccount(context.Background(), "user_1")
	if err != nil || a.WalletBalance != 15000 {
		t.Errorf("account = %+v, %v", a, err)
	}
}

func TestWebhookInProgressAsksForRetry(t *testing.T) {
	s := newTestServer(t)
	if _, _, err := s.store.ClaimWebhookEvent(context.Background(), &domain.WebhookEvent{
		EventID:    "evt_1",
		EventType:  "payment.succeeded",
		ReceivedAt: time.Now(),
	}, time.Hour); err != nil {
		t.Fatal(err)
	}
	rec := s.webhook(t, "evt_1", map[string]any{"event_type": "payment.succeeded", "event_id": "evt_1"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ack := decode[models.WebhookAck](t, rec); ack.Received || !strings.Contains(ack.Error, "being processed") {
		t.Errorf("ack = %+v", ack)
	}
}

func TestCheckoutFlow(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, "user_1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader([]byte(`{"plan_id":"pro"}`)))
	if rec := s.do(req, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous create = %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader([]byte(`{"plan_id":"free"}`)))
	if rec := s.do(req, owner); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("free plan create = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader([]byte(`{"plan_id":"pro"}`)))
	rec := s.do(req, owner)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	created := decode[models.CreateCheckoutResponse](t, rec)
	if created.CallbackToken == "" || created.CheckoutURL != "https://pay.example/pro?t="+created.CallbackToken {
		t.Fatalf("created = %+v", created)
	}

	poll := func(bearer string) models.CheckoutStatusResponse {
		t.Helper()
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/checkout/status?token="+created.CallbackToken, nil), bearer)
		if rec.Code != http.StatusOK {
			t.Fatalf("poll = %d: %s", rec.Code, rec.Body)
		}
		return decode[models.CheckoutStatusResponse](t, rec)
	}

	if st := poll(""); st.Success || st.Status != "pending" {
		t.Errorf("pending poll = %+v", st)
	}

	rec = s.webhook(t, "evt_active", map[string]any{
		"event_type": "subscription.active",
		"event_id":   "evt_active",
		"data": map[string]any{
			"customer_id":     "cus_1",
			"subscription_id": "sub_1",
			"product_id":      "prod_pro",
			"metadata":        map[string]string{"user_id": "user_1", "callback_token": created.CallbackToken},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("activation = %d: %s", rec.Code, rec.Body)
	}

	if st := poll(""); !st.Success || !st.RequiresLogin || st.UserEmail != "" {
		t.Errorf("anonymous poll = %+v", st)
	}
	if st := poll(s.token(t, "user_2")); !st.RequiresLogin {
		t.Errorf("foreign poll = %+v", st)
	}
	st := poll(owner)
	if !st.Success || st.RequiresLogin || st.UserEmail != "user_1@example.com" || st.PlanID != "pro" {
		t.Errorf("owner poll = %+v", st)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/checkout/status?token=nope", nil), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown token = %d", rec.Code)
	}
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/checkout/status", nil), "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing token = %d", rec.Code)
	}
}

func TestAccountEndpoints(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "user_1")

	if rec := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/account", nil), ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous account = %d", rec.Code)
	}

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/account", nil), tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("account = %d: %s", rec.Code, rec.Body)
	}
	usage := decode[models.UsageResponse](t, rec)
	if usage.Plan != domain.PlanFree || usage.Metered || usage.AnalysesLimit != 5 || usage.Email != "user_1@example.com" {
		t.Errorf("usage = %+v", usage)
	}

	if _, err := s.store.ResetWallet(context.Background(), "user_1", domain.PlanStarter, 5000, time.Now()); err != nil {
		t.Fatal(err)
	}
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/account/transactions?limit=10", nil), tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions = %d", rec.Code)
	}
	txs := decode[models.TransactionsResponse](t, rec)
	if len(txs.Transactions) != 1 || txs.Transactions[0].Amount != 5000 {
		t.Errorf("transactions = %+v", txs)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/account/transactions?limit=zero", nil), tok)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", rec.Code)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/account/activity", nil), tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("activity = %d", rec.Code)
	}
	if activity := decode[models.ActivityResponse](t, rec); activity.Entries == nil {
		t.Error("activity entries should encode as an empty list")
	}
}

func TestUsageEndpoints(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "user_1")
	post := func(path, body string) *httptest.ResponseRecorder {
		t.Helper()
		return s.do(httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body))), tok)
	}

	rec := post("/api/v1/usage/check", `{"action":"ai_search"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("check = %d: %s", rec.Code, rec.Body)
	}
	if d := decode[models.UsageCheckResponse](t, rec); d.Allowed || d.Reason == "" {
		t.Errorf("free ai_search decision = %+v", d)
	}

	for i := 1; i <= 5; i++ {
		rec := post("/api/v1/usage/record", `{"action":"post_analysis"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("record %d = %d: %s", i, rec.Code, rec.Body)
		}
		if got := decode[models.RecordUsageResponse](t, rec); got.CounterValue != int64(i) {
			t.Errorf("record %d counter = %d", i, got.CounterValue)
		}
	}
	if rec := post("/api/v1/usage/record", `{"action":"post_analysis"}`); rec.Code != http.StatusPaymentRequired {
		t.Errorf("sixth free analysis = %d", rec.Code)
	}
	if rec := post("/api/v1/usage/check", `{"action":"teleport"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action = %d", rec.Code)
	}

	if _, err := s.store.ResetWallet(context.Background(), "user_1", domain.PlanStarter, 100, time.Now()); err != nil {
		t.Fatal(err)
	}
	rec = post("/api/v1/usage/record", `{"action":"ai_search"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("metered record = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[models.RecordUsageResponse](t, rec); got.Cost <= 0 || got.Balance != 100-got.Cost {
		t.Errorf("metered settlement = %+v", got)
	}
	if rec := post("/api/v1/usage/record", `{"action":"post_analysis","reaction_count":-1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative quantity = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidSignature, http.StatusUnauthorized},
		{domain.ErrReplayedTimestamp, http.StatusUnauthorized},
		{domain.ErrMalformedPayload, http.StatusBadRequest},
		{fmt.Errorf("%w: %q", domain.ErrUnknownAction, "teleport"), http.StatusBadRequest},
		{domain.ErrEventInProgress, http.StatusInternalServerError},
		{domain.ErrSessionNotFound, http.StatusNotFound},
		{&domain.LimitError{Action: domain.ActionAISearch}, http.StatusPaymentRequired},
		{&domain.InsufficientFundsError{Balance: 1, Required: 2}, http.StatusPaymentRequired},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
