package service

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
)

const (
	secretPrefix = "whsec_"

	DefaultSignatureTolerance = 5 * time.Minute
)

// SignatureVerifier authenticates webhook deliveries in the Standard Webhooks
// layout: HMAC-SHA256 over "{id}.{timestamp}.{body}", with a signature header
// of one or more space separated "v1,<base64>" entries, any of which may match.
// The timestamp window is checked here against the injected clock; the MAC
// check is delegated to the standardwebhooks library.
type SignatureVerifier struct {
	wh        *standardwebhooks.Webhook
	tolerance time.Duration
	now       func() time.Time
}

// NewSignatureVerifier accepts either a raw secret or a "whsec_" prefixed
// base64 secret.
func NewSignatureVerifier(secret string, tolerance time.Duration, now func() time.Time) (*SignatureVerifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret must be set")
	}
	var (
		wh  *standardwebhooks.Webhook
		err error
	)
	if strings.HasPrefix(secret, secretPrefix) {
		wh, err = standardwebhooks.NewWebhook(secret)
	} else {
		wh, err = standardwebhooks.NewWebhookRaw([]byte(secret))
	}
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &SignatureVerifier{wh: wh, tolerance: tolerance, now: now}, nil
}

// Verify checks the timestamp window first, then the signature.
func (v *SignatureVerifier) Verify(eventID, timestamp, signatures string, body []byte) error {
	if eventID == "" || timestamp == "" || signatures == "" {
		return fmt.Errorf("%w: missing signature headers", domain.ErrInvalidSignature)
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", domain.ErrInvalidSignature, timestamp)
	}
	skew := v.now().Sub(time.Unix(sec, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return fmt.Errorf("%w: skew %s", domain.ErrReplayedTimestamp, skew.Round(time.Second))
	}

	headers := http.Header{}
	headers.Set("webhook-id", eventID)
	headers.Set("webhook-timestamp", timestamp)
	headers.Set("webhook-signature", signatures)
	if err := v.wh.VerifyIgnoringTimestamp(body, headers); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return nil
}

// Sign produces the signature header value for a delivery. Used by the
// benchmark client and tests.
func (v *SignatureVerifier) Sign(eventID string, at time.Time, body []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(at.Unix(), 10)
	signature, err := v.wh.Sign(eventID, time.Unix(at.Unix(), 0), body)
	if err != nil {
		// The key is always set by NewSignatureVerifier.
		panic(err)
	}
	return timestamp, signature
}
