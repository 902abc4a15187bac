// Command stripe-webhook receives Stripe webhook events and applies
// subscription changes to user profiles using the service role key.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bxxmzilla1/calliope/internal/billing"
	"github.com/bxxmzilla1/calliope/internal/config"
	"github.com/bxxmzilla1/calliope/internal/supabase"
)

func main() {
	cfg, err := config.LoadWebhook()
	if err != nil {
		slog.Error("load configuration", "error", err)
		os.Exit(1)
	}

	logOpts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	logger := slog.New(slog.NewTextHandler(os.Stdout, logOpts))
	slog.SetDefault(logger)

	// The service role key bypasses row level security, so this process
	// must never be reachable from end users directly.
	rest := supabase.NewRestClient(cfg.SupabaseURL, cfg.ServiceRoleKey, func() string { return cfg.ServiceRoleKey }, nil)
	profiles := supabase.NewProfiles(rest)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := billing.NewMetrics(reg)

	webhook := billing.NewWebhookHandler(cfg.StripeWebhookSecret, profiles, metrics, logger)
	limiter := billing.NewTokenBucket(cfg.RatePerSecond, cfg.RatePerSecond*2)

	mux := http.NewServeMux()
	mux.Handle("POST /webhook", billing.LimitByIP(limiter, webhook))
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("webhook server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
