package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store/storetest"
)

// Set TEST_DB_SOURCE to a disposable database to run these; every subtest
// truncates all tables.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}
	ctx := context.Background()
	s, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := s.Pool().Exec(ctx,
			"TRUNCATE TABLE wallet_transactions, subscriptions, checkout_sessions, webhook_events, audit_log, accounts CASCADE")
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestMonthStart(t *testing.T) {
	got := store.MonthStart(mustParse(t, "2025-07-31T23:59:59-05:00"))
	if want := mustParse(t, "2025-08-01T00:00:00Z"); !got.Equal(want) {
		t.Errorf("MonthStart = %v, want %v", got, want)
	}
}
