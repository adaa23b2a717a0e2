package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"points_wallet/internal/api"
	"points_wallet/internal/config"
	"points_wallet/internal/db"
	"points_wallet/internal/idempotency"
	"points_wallet/internal/jobs"
	"points_wallet/internal/logger"
	"points_wallet/internal/provider"
	"points_wallet/internal/provider/fake"
	"points_wallet/internal/provider/paypal"
	"points_wallet/internal/wallet"
	"points_wallet/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalln(err)
	}

	zlog, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalln(err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("wallet service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg, zlog)
	if err != nil {
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	rates, err := wallet.NewRateTable(cfg.RateVersion, wallet.RateV1)
	if err != nil {
		return err
	}

	var p provider.Provider
	switch cfg.Provider {
	case "paypal":
		p = paypal.New(paypal.Config{
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			Environment:  cfg.PayPalEnvironment,
			ReturnURL:    cfg.PayPalReturnURL,
			CancelURL:    cfg.PayPalCancelURL,
		}, zlog)
	default:
		zlog.Warn("using the in-process fake payment provider")
		p = fake.New()
	}

	metrics := wallet.NewMetrics(prometheus.DefaultRegisterer)
	repo := wallet.NewGormRepository(gdb)
	hub := wallet.NewNotificationHub()
	alarms := wallet.NewAlarmLog(zlog, 0)

	issuer := wallet.NewIssuer(repo, p, locker, rates, wallet.IssuerConfig{
		IdempotencyWindow: cfg.OrderIdempotencyWindow,
		ProviderTimeout:   cfg.ProviderTimeout,
	}, zlog, metrics)
	settler := wallet.NewSettler(repo, p, hub, wallet.SettlerConfig{
		ProviderTimeout: cfg.ProviderTimeout,
		SweepAge:        cfg.PendingSweepAge,
		PendingExpiry:   cfg.PendingExpiry,
	}, zlog, metrics)
	service := wallet.NewService(repo, hub, zlog, metrics)
	reconciler := wallet.NewReconciler(repo, alarms, zlog, metrics)

	var verifier *webhook.Verifier
	if cfg.WebhookSecret != "" {
		if verifier, err = webhook.NewVerifier(cfg.WebhookSecret); err != nil {
			return err
		}
	}

	scheduler := jobs.NewScheduler(reconciler, settler, jobs.Config{
		ReconcileSpec: cfg.ReconcileCron,
		SweepSpec:     cfg.SweepCron,
	}, zlog)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(api.Deps{
		Issuer:     issuer,
		Settler:    settler,
		Ledger:     service,
		Reconciler: reconciler,
		Alarms:     alarms,
		Stream:     hub,
		Verifier:   verifier,
		Log:        zlog,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AdminTokenHash: cfg.AdminTokenHash,
		Gatherer:       prometheus.DefaultGatherer,
	}, zlog)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("server started",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("provider", p.Name()),
			zap.String("rate_version", rates.Active()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLocker(ctx context.Context, cfg *config.Config) (idempotency.Locker, func(), error) {
	if cfg.IdempotencyBackend != "redis" {
		return idempotency.NewMemoryLocker(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return idempotency.NewRedisLocker(client), func() { _ = client.Close() }, nil
}
