package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adrielmoraes/consult"
	"github.com/adrielmoraes/consult/config"
	"github.com/adrielmoraes/consult/observe"
	"github.com/adrielmoraes/consult/store/postgres"
	"github.com/rs/zerolog"
)

// app holds everything a command needs, plus the teardown for it.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	pipeline *consult.Pipeline
	ledger   *consult.Ledger
	usage    usageStore
	closers  []func() error
}

type usageStore interface {
	consult.UsageStore
	ByConsultation(ctx context.Context, consultationID string) ([]consult.UsageRecord, error)
}

func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// openStore connects to Postgres when a URL is configured, otherwise keeps usage in memory.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (usageStore, func() error, error) {
	if cfg.URL == "" {
		return consult.NewMemoryUsageStore(), func() error { return nil }, nil
	}
	store, err := postgres.Open(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// newApp wires configuration into a ready pipeline. debug, when non-nil,
// receives every prompt and raw model response.
func newApp(ctx context.Context, configPath string, debug io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg.Log, os.Stderr)}
	detach := observe.Attach(a.logger)
	a.closers = append(a.closers, func() error { detach(); return nil })

	roster, err := config.LoadRoster(cfg.Roster)
	if err != nil {
		return nil, a.fail(err)
	}

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, a.fail(err)
	}
	a.usage = store
	a.closers = append(a.closers, closeStore)

	opts := []consult.LedgerOption{}
	if cfg.Database.WriteTimeout > 0 {
		opts = append(opts, consult.WithWriteTimeout(cfg.Database.WriteTimeout))
	}
	a.ledger = consult.NewLedger(store, cfg.PriceTable(), opts...)

	provider, closeProvider, err := config.NewProvider(ctx, cfg.Provider)
	if err != nil {
		return nil, a.fail(err)
	}
	a.closers = append(a.closers, closeProvider)

	pc := cfg.PipelineConfig()
	pc.Debug = debug
	pc.ErrorHandler = observe.CallFailures(a.logger)
	if cfg.Fallback != nil {
		fallback, closeFallback, err := config.NewProvider(ctx, *cfg.Fallback)
		if err != nil {
			return nil, a.fail(err)
		}
		a.closers = append(a.closers, closeFallback)
		pc.Fallback = fallback
	}

	a.pipeline, err = consult.NewPipeline(provider, roster, a.ledger, pc)
	if err != nil {
		return nil, a.fail(err)
	}

	a.logger.Info().
		Str("provider", provider.Name()).
		Int("roster_size", len(roster)).
		Dur("deadline", cfg.Pipeline.Deadline).
		Bool("postgres", cfg.Database.URL != "").
		Msg("consultation pipeline ready")
	return a, nil
}

func (a *app) fail(err error) error {
	return errors.Join(err, a.Close())
}

// Close drains pending usage writes, then releases clients in reverse order.
func (a *app) Close() error {
	if a.ledger != nil {
		a.ledger.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	return nil
}
