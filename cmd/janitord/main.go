package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rjkroon/brackd/internal/config"
	"github.com/rjkroon/brackd/internal/infra/sqlite"
	"github.com/rjkroon/brackd/internal/janitor"
	"github.com/rjkroon/brackd/internal/kraken"
	"github.com/rjkroon/brackd/internal/observability"
	"github.com/rjkroon/brackd/internal/ops"
)

func main() {
	configPath := flag.String("config", "", "YAML config path; empty uses defaults plus env")
	once := flag.Bool("once", false, "run a single reconcile cycle and exit")
	dryRun := flag.Bool("dry-run", false, "compute and log drift without persisting or cancelling")
	interval := flag.Duration("interval", 0, "cycle interval; zero uses the configured value")
	backup := flag.Bool("backup", false, "back up the state database before reconciling")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := config.ValidateCredentials(cfg); err != nil {
		log.Fatalf("credentials: %v", err)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	if *backup {
		res, err := ops.BackupStateDB(cfg.DBPath, cfg.BackupDir, time.Now())
		if err != nil {
			log.Fatalf("state db backup failed: %v", err)
		}
		logger.WithField("paths", res.Paths).Info("state db backed up")
	}
	if deleted, err := ops.CleanupTrail(cfg.AuditDir, cfg.RetentionDays, time.Now()); err != nil {
		logger.WithError(err).Warn("trail retention failed")
	} else if len(deleted) > 0 {
		logger.WithField("deleted", len(deleted)).Info("trail files pruned")
	}
	if deleted, err := ops.CleanupBackups(cfg.BackupDir, cfg.RetentionDays, time.Now()); err != nil {
		logger.WithError(err).Warn("backup retention failed")
	} else if len(deleted) > 0 {
		logger.WithField("deleted", len(deleted)).Info("old backups pruned")
	}

	db, err := sqlite.Open(cfg.DBPath, 5000)
	if err != nil {
		log.Fatalf("state db open failed: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if err := sqlite.Migrate(db); err != nil {
		log.Fatalf("state db migrate failed: %v", err)
	}

	rest, err := kraken.NewRESTClient(kraken.RESTOptions{
		BaseURL:   cfg.RESTBaseURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	})
	if err != nil {
		log.Fatalf("rest client init failed: %v", err)
	}

	rec, err := janitor.NewReconciler(janitor.Options{
		DB:           db,
		Source:       rest,
		Cancel:       rest,
		Log:          observability.Component(logger, "janitor"),
		Pair:         cfg.Pair,
		BaseAsset:    cfg.BaseAsset,
		QuoteAsset:   cfg.QuoteAsset,
		DustQty:      decimal.NewFromFloat(cfg.DustQty),
		DustNotional: decimal.NewFromFloat(cfg.DustNotional),
		MaxOrderAge:  cfg.MaxOrderAge(),
		DryRun:       *dryRun,
	})
	if err != nil {
		log.Fatalf("reconciler init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		if _, err := rec.RunOnce(ctx); err != nil {
			log.Fatalf("reconcile failed: %v", err)
		}
		return
	}

	cycle := *interval
	if cycle <= 0 {
		cycle = cfg.JanitorInterval()
	}
	if err := rec.Run(ctx, cycle); err != nil && ctx.Err() == nil {
		log.Fatalf("reconcile loop failed: %v", err)
	}
}
