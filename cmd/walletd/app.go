package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/internal/alerts"
	"github.com/MarkoPoloResearchLab/tokenwallet/internal/config"
	"github.com/MarkoPoloResearchLab/tokenwallet/internal/jobs"
	"github.com/MarkoPoloResearchLab/tokenwallet/internal/metrics"
	"github.com/MarkoPoloResearchLab/tokenwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/tokenwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tokenwallet/internal/store/pricecache"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"go.uber.org/zap"
)

const (
	jobReconcile    = "reconcile"
	jobSpendMonitor = "spend-monitor"
	jobSweepHolds   = "sweep-holds"

	defaultJobTimeout = 5 * time.Minute
)

func clock() time.Time {
	return time.Now().UTC()
}

// application holds every wired component of one walletd process.
type application struct {
	cfg       config.Config
	logger    *zap.Logger
	database  *gormstore.Database
	store     *gormstore.Store
	prices    pricing.Store
	resolver  *pricing.Resolver
	converter *fx.Converter
	quoter    *pricing.Quoter
	metrics   *metrics.Metrics
	alerts    *alerts.Service
	engine    *ledger.Service
	closers   []func() error
}

func newApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger, metrics: metrics.New()}

	database, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	app.database = database
	app.closers = append(app.closers, database.Close)
	if err := gormstore.PrepareSchema(database); err != nil {
		app.Close()
		return nil, err
	}
	app.store = gormstore.New(database.DB, gormstore.WithClock(clock))

	app.prices = app.store
	if cfg.RedisURL != "" {
		client, err := pricecache.NewClient(cfg.RedisURL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("redis client: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		app.prices = pricecache.New(app.store, client, cfg.PriceCacheTTL, logger)
	}

	rates, err := cfg.BaseRates()
	if err != nil {
		app.Close()
		return nil, err
	}
	if app.converter, err = fx.NewConverter(rates); err != nil {
		app.Close()
		return nil, fmt.Errorf("fx converter init: %w", err)
	}
	if app.resolver, err = pricing.NewResolver(app.prices, cfg.Currency()); err != nil {
		app.Close()
		return nil, fmt.Errorf("pricing resolver init: %w", err)
	}
	if app.quoter, err = pricing.NewQuoter(app.resolver, app.converter); err != nil {
		app.Close()
		return nil, fmt.Errorf("quoter init: %w", err)
	}

	dispatcher, err := app.newDispatcher()
	if err != nil {
		app.Close()
		return nil, err
	}
	if app.alerts, err = alerts.NewService(app.store, dispatcher, logger, alerts.WithRecorder(app.metrics)); err != nil {
		app.Close()
		return nil, fmt.Errorf("alert service init: %w", err)
	}

	app.engine, err = ledger.NewService(app.store, app.quoter, clock,
		ledger.WithOperationLogger(metrics.NewOperationRecorder(logger, app.metrics)),
		ledger.WithAlertRaiser(app.alerts),
		ledger.WithMaxTokensPerTurn(cfg.MaxTokensPerTurn),
		ledger.WithDefaultCurrency(cfg.Currency()),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("wallet engine init: %w", err)
	}
	return app, nil
}

func (app *application) newDispatcher() (*notify.Dispatcher, error) {
	var notifiers []notify.Notifier
	if app.cfg.EmailEnabled() {
		emailNotifier, err := notify.NewEmailNotifier(app.cfg.Email())
		if err != nil {
			return nil, fmt.Errorf("email notifier: %w", err)
		}
		notifiers = append(notifiers, emailNotifier)
	}
	if app.cfg.AlertWebhookURL != "" {
		webhookNotifier, err := notify.NewWebhookNotifier(app.cfg.AlertWebhookURL, &http.Client{Timeout: app.cfg.NotifyTimeout})
		if err != nil {
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		notifiers = append(notifiers, webhookNotifier)
	}
	dispatcher := notify.NewDispatcher(app.logger, notifiers,
		notify.WithTimeout(app.cfg.NotifyTimeout),
		notify.WithFailureRecorder(app.metrics),
	)
	if len(dispatcher.Channels()) == 0 {
		app.logger.Warn("no alert notification channels configured")
	}
	return dispatcher, nil
}

// job builds the named background job over the wired stores.
func (app *application) job(name string) (jobs.Job, error) {
	switch name {
	case jobReconcile:
		return jobs.NewReconciler(app.store, app.store, app.quoter, app.logger, 0)
	case jobSpendMonitor:
		multiplier, err := app.cfg.SpikeMultiplier()
		if err != nil {
			return nil, err
		}
		return jobs.NewSpendMonitor(app.store, app.alerts, app.store, multiplier, time.Now, app.logger)
	case jobSweepHolds:
		return jobs.NewHoldSweeper(app.store, app.engine, app.cfg.HoldTTL, time.Now, app.logger)
	}
	return nil, fmt.Errorf("unknown job %q", name)
}

func (app *application) runners() ([]*jobs.Runner, error) {
	intervals := []struct {
		name     string
		interval time.Duration
	}{
		{name: jobReconcile, interval: app.cfg.ReconcileInterval},
		{name: jobSpendMonitor, interval: app.cfg.SpendMonitorInterval},
		{name: jobSweepHolds, interval: app.cfg.HoldSweepInterval},
	}
	runners := make([]*jobs.Runner, 0, len(intervals))
	for _, scheduled := range intervals {
		job, err := app.job(scheduled.name)
		if err != nil {
			return nil, err
		}
		runners = append(runners, jobs.NewRunner(job, scheduled.interval, defaultJobTimeout, app.logger, app.metrics))
	}
	return runners, nil
}

// reloadRates rebuilds the FX table from freshly read settings.
func (app *application) reloadRates(cfg config.Config) {
	rates, err := cfg.BaseRates()
	if err != nil {
		app.logger.Error("fx rates reload rejected", zap.Error(err))
		return
	}
	if err := app.converter.Rebuild(rates); err != nil {
		app.logger.Error("fx rates rebuild failed", zap.Error(err))
		return
	}
	app.logger.Info("fx rates reloaded",
		zap.String("usd_eur", rates.USDToEUR.String()),
		zap.String("usd_gbp", rates.USDToGBP.String()),
	)
}

func (app *application) Close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			app.logger.Warn("close failed", zap.Error(err))
		}
	}
	app.closers = nil
}
