package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	DBDriver string
	DBSource string
	Port     string
	Env      string
	LogLevel slog.Level

	WebhookSecret    string
	WebhookTolerance time.Duration

	JWTSecret string
	JWTIssuer string

	CheckoutTTL time.Duration
	CheckoutURL string

	// ProductIDs maps each purchasable plan to the processor's product id.
	ProductIDs map[domain.Plan]string
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	driver := getenv("DB_DRIVER", DriverPostgres)
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, driver)
	}

	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if webhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET environment variable is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	tolerance, err := duration("WEBHOOK_TOLERANCE", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	ttl, err := duration("CHECKOUT_TTL", 30*time.Minute)
	if err != nil {
		return nil, err
	}

	products := make(map[domain.Plan]string)
	for _, plan := range []domain.Plan{domain.PlanStarter, domain.PlanPro, domain.PlanAgency} {
		if id := os.Getenv("PRODUCT_ID_" + strings.ToUpper(string(plan))); id != "" {
			products[plan] = id
		}
	}

	return &Config{
		DBDriver:         driver,
		DBSource:         dbSource,
		Port:             getenv("SERVER_PORT", "8080"),
		Env:              getenv("ENVIRONMENT", "development"),
		LogLevel:         level,
		WebhookSecret:    webhookSecret,
		WebhookTolerance: tolerance,
		JWTSecret:        jwtSecret,
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		CheckoutTTL:      ttl,
		CheckoutURL:      os.Getenv("CHECKOUT_URL"),
		ProductIDs:       products,
	}, nil
}

// Products is the processor product id to plan lookup used by webhooks.
func (c *Config) Products() map[string]domain.Plan {
	out := make(map[string]domain.Plan, len(c.ProductIDs))
	for plan, id := range c.ProductIDs {
		out[id] = plan
	}
	return out
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
