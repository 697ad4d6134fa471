package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("test-secret", "https://id.example")
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	return v
}

func newRouter(mw mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(mw)
	r.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		if sub := SubjectFromContext(r.Context()); sub != "" {
			w.Header().Set("X-Subject", sub)
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func serve(r http.Handler, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestRequireMissingToken(t *testing.T) {
	resp := serve(newRouter(Require(newTestVerifier(t), nil)), "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestRequireMalformedHeader(t *testing.T) {
	resp := serve(newRouter(Require(newTestVerifier(t), nil)), "Token abc")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestRequireInvalidToken(t *testing.T) {
	other, err := NewVerifier("another-secret", "https://id.example")
	if err != nil {
		t.Fatal(err)
	}
	token, err := other.Sign("user-123", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resp := serve(newRouter(Require(newTestVerifier(t), nil)), "Bearer "+token)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestRequireRejectsWrongIssuerAndAlgorithm(t *testing.T) {
	v := newTestVerifier(t)
	claims := jwt.MapClaims{
		"sub": "user-123",
		"iss": "https://evil.example",
		"exp": time.Now().Add(time.Minute).Unix(),
	}
	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(wrongIssuer); err == nil {
		t.Fatal("expected issuer mismatch")
	}

	claims["iss"] = "https://id.example"
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(unsigned); err == nil {
		t.Fatal("expected alg none to be rejected")
	}
}

func TestRequireExpiredToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Sign("user-123", "", -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if resp := serve(newRouter(Require(v, nil)), "Bearer "+token); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestRequireValidToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Sign("user-123", "a@example.com", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resp := serve(newRouter(Require(v, nil)), "Bearer "+token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := resp.Header().Get("X-Subject"); got != "user-123" {
		t.Fatalf("subject = %q", got)
	}

	claims, err := v.Verify(token)
	if err != nil || claims.Email != "a@example.com" {
		t.Fatalf("claims = %+v, %v", claims, err)
	}
}

func TestOptionalLetsAnonymousThrough(t *testing.T) {
	v := newTestVerifier(t)
	r := newRouter(Optional(v, nil))

	resp := serve(r, "")
	if resp.Code != http.StatusOK || resp.Header().Get("X-Subject") != "" {
		t.Fatalf("anonymous: code %d subject %q", resp.Code, resp.Header().Get("X-Subject"))
	}
	resp = serve(r, "Bearer garbage")
	if resp.Code != http.StatusOK || resp.Header().Get("X-Subject") != "" {
		t.Fatalf("bad token: code %d subject %q", resp.Code, resp.Header().Get("X-Subject"))
	}

	token, _ := v.Sign("user-9", "", time.Minute)
	resp = serve(r, "Bearer "+token)
	if resp.Header().Get("X-Subject") != "user-9" {
		t.Fatalf("valid token subject = %q", resp.Header().Get("X-Subject"))
	}
}

func TestExtractBearerToken(t *testing.T) {
	token, ok := extractBearerToken("Bearer abc")
	if !ok || token != "abc" {
		t.Fatalf("expected token")
	}
	if _, ok := extractBearerToken("Bearer"); ok {
		t.Fatalf("expected missing token")
	}
	if _, ok := extractBearerToken("bearer   "); ok {
		t.Fatalf("expected empty token")
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  ", ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
