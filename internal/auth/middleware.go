package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// Require rejects requests without a valid bearer token and injects the
// verified claims into the request context.
func Require(verifier *Verifier, logger *slog.Logger) mux.MiddlewareFunc {
	return middleware(verifier, logger, true)
}

// Optional injects claims when a valid bearer token is present and lets
// anonymous requests through. An invalid token is treated as anonymous.
func Optional(verifier *Verifier, logger *slog.Logger) mux.MiddlewareFunc {
	return middleware(verifier, logger, false)
}

func middleware(verifier *Verifier, logger *slog.Logger, required bool) mux.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					logger.Info("auth failure: missing Authorization header", "path", r.URL.Path)
					respondUnauthorized(w, "missing authorization header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token, ok := extractBearerToken(header)
			if !ok {
				logger.Info("auth failure: malformed Authorization header", "path", r.URL.Path)
				if required {
					respondUnauthorized(w, "invalid authorization header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Info("auth failure: token invalid", "path", r.URL.Path, "err", err)
				if required {
					respondUnauthorized(w, "invalid token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
