package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rendis/credvault/internal/audit"
	"github.com/rendis/credvault/internal/cache"
	"github.com/rendis/credvault/internal/config"
	"github.com/rendis/credvault/internal/fastkv"
	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/internal/refresh"
	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/streaming"
	"github.com/rendis/credvault/internal/usage"
	"github.com/rendis/credvault/internal/validation"
	"github.com/rendis/credvault/internal/vault"
)

// app holds the wired components of a running vault.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	fast      fastkv.Store
	auditor   *audit.Auditor
	hub       *streaming.MemoryHub
	validator *validation.Validator
	vault     *vault.Service
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return cfg, newLogger(os.Stderr, level), nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return logging.New(w, logging.ParseLevel(level))
}

// openStore opens the database and applies pending migrations.
func openStore(ctx context.Context, cfg *config.Config) (*store.LibSQLStore, error) {
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// buildApp wires every component. The audit worker is started; callers
// must call close.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, hub: streaming.NewMemoryHub()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if cfg.RedisURL != "" {
		if a.fast, err = fastkv.DialRedis(ctx, cfg.RedisURL, cfg.RedisKeyPrefix); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("redis_url not set; recent audit entries and usage counters are kept in memory")
		a.fast = fastkv.NewMemoryStore(nil)
	}

	kr, err := cfg.Keyring()
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	cipher := secrets.NewCipher(kr)

	if a.validator, err = validation.New(); err != nil {
		return nil, err
	}

	a.auditor = audit.New(audit.Config{
		QueueSize:      cfg.AuditQueueSize,
		FastTTL:        cfg.AuditFastTTL,
		FastMaxEntries: cfg.AuditFastMaxEntries,
	}, a.fast, a.store, logger)
	a.auditor.Start(ctx)

	tracker, err := usage.New(usage.Config{TTL: cfg.UsageTTL, HealthExpr: cfg.UsageHealthExpr}, a.fast, logger)
	if err != nil {
		return nil, err
	}

	a.vault, err = vault.New(vault.Deps{
		Store:       a.store,
		Cipher:      cipher,
		Validator:   a.validator,
		Cache:       vault.NewCache(cache.Options{TTL: cfg.CacheTTL, MaxSize: cfg.CacheMaxSize}),
		Auditor:     a.auditor,
		Events:      a.hub,
		Usage:       tracker,
		Logger:      logger,
		GracePeriod: cfg.GracePeriod,
		Salt:        []byte(cfg.KDFSalt),
		KDF:         cfg.KDF,
	})
	if err != nil {
		return nil, err
	}
	a.vault.SetRefresher(refresh.New(refresh.Config{Timeout: cfg.RefreshTimeout}, a.vault, logger))
	return a, nil
}

// close drains the audit queue before closing the stores.
func (a *app) close() {
	if a.auditor != nil {
		a.auditor.Close()
	}
	var errs []error
	if a.fast != nil {
		errs = append(errs, a.fast.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", slog.String("error", err.Error()))
	}
}
