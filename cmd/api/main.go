package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/api"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/auth"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/config"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/pricing"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/service"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store/sqlite"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("unable to open datastore", "driver", cfg.DBDriver, "err", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migration failed", "err", err)
		os.Exit(1)
	}

	signer, err := service.NewSignatureVerifier(cfg.WebhookSecret, cfg.WebhookTolerance, nil)
	if err != nil {
		logger.Error("invalid webhook secret", "err", err)
		os.Exit(1)
	}
	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		logger.Error("invalid jwt settings", "err", err)
		os.Exit(1)
	}

	// Initialize Layers
	opts := service.Options{Logger: logger}
	catalog := pricing.DefaultCatalog()
	wallet := service.NewWalletService(st, catalog, opts)
	checkout := service.NewCheckoutService(st, service.CheckoutConfig{
		TTL:         cfg.CheckoutTTL,
		URLTemplate: cfg.CheckoutURL,
	}, opts)
	handler := api.NewHandler(st, api.Services{
		Wallet:    wallet,
		Admission: service.NewAdmissionService(st, catalog, opts),
		Metering:  service.NewMeteringService(st, wallet, catalog, opts),
		Checkout:  checkout,
		Billing: service.NewBillingProcessor(st, wallet, checkout, signer,
			service.BillingConfig{Products: cfg.Products()}, opts),
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, verifier),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env, "driver", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DBDriver == config.DriverSQLite {
		return sqlite.New(cfg.DBSource)
	}
	return store.NewPostgresStore(ctx, cfg.DBSource)
}
