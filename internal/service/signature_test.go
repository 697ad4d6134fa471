package service_test

import (
	"errors"
	"net/http"
	"testing"
	"time"

	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/service"
)

func TestSignatureVerifier(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	v, err := service.NewSignatureVerifier(testSecret, 0, clock)
	if err != nil {
		t.Fatal(err)
	}
	other, err := service.NewSignatureVerifier("a-rotated-secret", 0, clock)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"event_type":"payment.succeeded","event_id":"evt_1"}`)
	ts, sig := v.Sign("evt_1", now, body)
	_, oldSig := other.Sign("evt_1", now, body)
	skewedTS, skewedSig := v.Sign("evt_1", now.Add(-6*time.Minute), body)
	edgeTS, edgeSig := v.Sign("evt_1", now.Add(5*time.Minute), body)

	tests := []struct {
		name    string
		id, ts  string
		sig     string
		body    []byte
		wantErr error
	}{
		{"valid", "evt_1", ts, sig, body, nil},
		{"any listed signature may match", "evt_1", ts, oldSig + " " + sig, body, nil},
		{"unknown versions are skipped", "evt_1", ts, "v0,abc " + sig, body, nil},
		{"inside tolerance", "evt_1", edgeTS, edgeSig, body, nil},
		{"tampered body", "evt_1", ts, sig, []byte(`{"event_type":"payment.succeeded","event_id":"evt_2"}`), domain.ErrInvalidSignature},
		{"different event id", "evt_2", ts, sig, body, domain.ErrInvalidSignature},
		{"wrong secret", "evt_1", ts, oldSig, body, domain.ErrInvalidSignature},
		{"garbage signature", "evt_1", ts, "v1,not-base64!!", body, domain.ErrInvalidSignature},
		{"missing signature", "evt_1", ts, "", body, domain.ErrInvalidSignature},
		{"missing id", "", ts, sig, body, domain.ErrInvalidSignature},
		{"bad timestamp", "evt_1", "yesterday", sig, body, domain.ErrInvalidSignature},
		{"stale timestamp", "evt_1", skewedTS, skewedSig, body, domain.ErrReplayedTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.id, tt.ts, tt.sig, tt.body)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSignatureVerifierSecrets(t *testing.T) {
	if _, err := service.NewSignatureVerifier("", 0, nil); err == nil {
		t.Error("empty secret accepted")
	}
	if _, err := service.NewSignatureVerifier("whsec_%%%", 0, nil); err == nil {
		t.Error("undecodable whsec secret accepted")
	}
}

func TestSignatureInteroperatesWithStandardWebhooks(t *testing.T) {
	v, err := service.NewSignatureVerifier(testSecret, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	wh, err := standardwebhooks.NewWebhook(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"event_type":"subscription.renewed","event_id":"evt_9"}`)
	now := time.Now()

	ts, sig := v.Sign("evt_9", now, body)
	headers := http.Header{}
	headers.Set("webhook-id", "evt_9")
	headers.Set("webhook-timestamp", ts)
	headers.Set("webhook-signature", sig)
	if err := wh.Verify(body, headers); err != nil {
		t.Fatalf("library rejected our signature: %v", err)
	}

	libSig, err := wh.Sign("evt_9", now, body)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Verify("evt_9", ts, libSig, body); err != nil {
		t.Fatalf("library signature rejected: %v", err)
	}
}
