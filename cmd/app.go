package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"pagebinder/config"
	"pagebinder/conversion"
	"pagebinder/delivery"
	"pagebinder/logging"
	"pagebinder/services"
	"pagebinder/staging"
	"pagebinder/worker"
)

// app carries what every subcommand builds from the configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logging.New(cfg.LogLevel, cfg.LogFormat, nil)}, nil
}

func policyFrom(cfg *config.Config) conversion.Policy {
	return conversion.Policy{
		AllowedExtensions: cfg.AllowedExtensions,
		MaxFileBytes:      cfg.MaxFileBytes,
		MaxWidth:          cfg.MaxWidth,
		MaxHeight:         cfg.MaxHeight,
		MaxPixels:         cfg.MaxPixels,
		Quality:           cfg.Quality,
	}
}

func deliveryPolicyFrom(cfg *config.Config) delivery.Policy {
	return delivery.Policy{
		MaxRetries:   cfg.DeliveryMaxRetries,
		BackoffCap:   cfg.DeliveryBackoffCap,
		UnknownDelay: cfg.DeliveryUnknownDelay,
	}
}

func (a *app) merger() conversion.Merger {
	if a.cfg.Merger == config.MergerGotenberg {
		return services.NewGotenbergService(a.cfg.GotenbergURL, a.cfg.GotenbergPDFA)
	}
	return conversion.NewPDFMerger()
}

func (a *app) pipeline() *conversion.Pipeline {
	return conversion.NewPipeline(a.merger(), a.logger)
}

func (a *app) channel() delivery.Channel {
	if a.cfg.DeliveryMode == config.DeliveryS3 {
		return services.NewS3Service(a.cfg)
	}
	return delivery.NewHTTPChannel(a.cfg.DeliveryURL, a.cfg.DeliveryToken)
}

// openLedger connects and migrates the configured ledger. It returns nil
// when the ledger is disabled.
func (a *app) openLedger() (*services.DatabaseService, error) {
	var (
		db  *services.DatabaseService
		err error
	)
	switch a.cfg.LedgerDriver {
	case config.LedgerNone:
		return nil, nil
	case config.LedgerSQLite:
		db, err = services.NewDatabaseService(services.DriverSQLite, "file:"+a.cfg.SQLitePath)
	default:
		db, err = services.NewDatabaseService(services.DriverPostgres, a.cfg.DatabaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	a.logger.Info("ledger ready", "driver", db.Driver())
	return db, nil
}

// coordinator wires staging, conversion and delivery. ledger, status and
// notifier may be nil.
func (a *app) coordinator(ctx context.Context, ledger *services.DatabaseService, status worker.StatusRecorder, notifier worker.Notifier) *worker.Coordinator {
	cleaner := staging.NewCleaner(a.cfg.StagingRoot, a.cfg.CleanupGrace, a.logger)
	area := staging.NewArea(a.cfg.StagingRoot, cleaner, a.logger)
	manager := delivery.NewManager(a.channel(), deliveryPolicyFrom(a.cfg), a.logger)

	opts := worker.Options{
		SettleWindow:      a.cfg.SettleWindow,
		Policy:            policyFrom(a.cfg),
		ConversionTimeout: a.cfg.ConversionTimeout,
		DeliveryTimeout:   a.cfg.DeliveryTimeout,
		SessionRetention:  a.cfg.SessionRetention,
		Status:            status,
		Notifier:          notifier,
	}
	if ledger != nil {
		opts.Ledger = ledger
	}
	return worker.NewCoordinator(ctx, area, a.pipeline(), manager, opts, a.logger)
}
