package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"donaarepa/backend/internal/cache"
	"donaarepa/backend/internal/config"
	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/httpapi"
	"donaarepa/backend/internal/service"
	"donaarepa/backend/internal/store"
	"donaarepa/backend/internal/store/memory"
	"donaarepa/backend/internal/store/postgres"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LOG_LEVEL") == "debug" {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.WithError(err).Fatal("refusing to start with unsafe configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	mergeWindow := time.Duration(cfg.BatchMergeWindowHours) * time.Hour

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL, mergeWindow)
		if err != nil {
			log.WithError(err).Fatal("connect postgres")
		}
		repo = pg
		log.Info("storage: postgres")
	} else {
		repo = memory.NewSeeded(mergeWindow)
		log.Warn("DATABASE_URL not set, using volatile in-memory storage")
	}

	var reports cache.ReportCache = cache.Noop{}
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			time.Duration(cfg.ReportCacheTTLSeconds)*time.Second, log)
		if err != nil {
			log.WithError(err).Fatal("connect redis")
		}
		reports = rc
		closers = append(closers, rc)
		log.Info("report cache: redis")
	}

	svc := service.New(repo, reports, log, time.Duration(cfg.SaleTxTimeoutSeconds)*time.Second)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if err := auth.Bootstrap(ctx, cfg.AdminUsername, cfg.AdminPassword, domain.RoleAdmin); err != nil {
		log.WithError(err).Fatal("bootstrap admin user")
	}
	if err := auth.Bootstrap(ctx, cfg.CashierUsername, cfg.CashierPassword, domain.RoleCashier); err != nil {
		log.WithError(err).Fatal("bootstrap cashier user")
	}

	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("closing resource")
		}
	}
	if err := repo.Close(); err != nil {
		log.WithError(err).Warn("closing repository")
	}
	log.Info("server stopped")
}

// validateSecurityConfig rejects secrets that would make tokens
// forgeable.
func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 characters, got %d", len(cfg.AuthSecret))
	}
	if cfg.AdminPassword == "" && cfg.CashierPassword == "" {
		return fmt.Errorf("no bootstrap users configured, set ADMIN_PASSWORD or CASHIER_PASSWORD")
	}
	return nil
}
