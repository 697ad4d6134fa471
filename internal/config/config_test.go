package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_SOURCE", "postgres://localhost/billing")
	t.Setenv("WEBHOOK_SECRET", "whsec_dGVzdA==")
	t.Setenv("JWT_SECRET", "jwt-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	for _, k := range []string{"DB_DRIVER", "SERVER_PORT", "ENVIRONMENT", "LOG_LEVEL", "WEBHOOK_TOLERANCE",
		"CHECKOUT_TTL", "CHECKOUT_URL", "JWT_ISSUER", "PRODUCT_ID_STARTER", "PRODUCT_ID_PRO", "PRODUCT_ID_AGENCY"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBDriver != DriverPostgres || cfg.Port != "8080" || cfg.Env != "development" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.WebhookTolerance != 5*time.Minute || cfg.CheckoutTTL != 30*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Products()) != 0 || cfg.IsProduction() {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CHECKOUT_TTL", "10m")
	t.Setenv("PRODUCT_ID_PRO", "prod_123")
	t.Setenv("PRODUCT_ID_AGENCY", "prod_456")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBDriver != DriverSQLite || !cfg.IsProduction() || cfg.LogLevel != slog.LevelDebug || cfg.CheckoutTTL != 10*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
	products := cfg.Products()
	if products["prod_123"] != domain.PlanPro || products["prod_456"] != domain.PlanAgency || len(products) != 2 {
		t.Errorf("products = %v", products)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value, wantErr string
	}{
		{"DB_SOURCE", "", "DB_SOURCE"},
		{"WEBHOOK_SECRET", "", "WEBHOOK_SECRET"},
		{"JWT_SECRET", "", "JWT_SECRET"},
		{"DB_DRIVER", "mysql", "DB_DRIVER"},
		{"LOG_LEVEL", "loud", "LOG_LEVEL"},
		{"CHECKOUT_TTL", "soon", "CHECKOUT_TTL"},
		{"WEBHOOK_TOLERANCE", "-1m", "WEBHOOK_TOLERANCE"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
