package app

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rjkroon/brackd/internal/audit"
	"github.com/rjkroon/brackd/internal/config"
	"github.com/rjkroon/brackd/internal/executor"
	"github.com/rjkroon/brackd/internal/infra/sqlite"
	"github.com/rjkroon/brackd/internal/kraken"
	"github.com/rjkroon/brackd/internal/observability"
	"github.com/rjkroon/brackd/internal/stream"
)

// App wires the long-lived pieces: logger, state database, signed REST
// client, token cache, private stream session, and the order ledger.
type App struct {
	Cfg     config.Config
	Log     *logrus.Logger
	DB      *sql.DB
	REST    *kraken.RESTClient
	Tokens  *kraken.TokenCache
	Session *stream.Session
	Ledger  *executor.Ledger
	Trail   *audit.Trail
}

func New(cfg config.Config) (*App, error) {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	db, err := sqlite.Open(cfg.DBPath, 5000)
	if err != nil {
		return nil, fmt.Errorf("state db open: %w", err)
	}
	if err := sqlite.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state db migrate: %w", err)
	}

	rest, err := kraken.NewRESTClient(kraken.RESTOptions{
		BaseURL:   cfg.RESTBaseURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	tokens := kraken.NewTokenCache(rest, kraken.TokenCacheOptions{Margin: cfg.TokenMargin()})

	trail, err := audit.NewTrail(cfg.AuditDir, nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit trail: %w", err)
	}

	heartbeat := observability.NewHeartbeat(cfg.HeartbeatPath, nil)
	session := stream.NewSession(stream.SessionOptions{
		URL:             cfg.PrivateWSURL,
		Tokens:          tokens,
		Log:             observability.Component(logger, "stream"),
		AckTimeout:      cfg.AckTimeout(),
		OrderSendLimit:  cfg.SendRateLimit,
		OrderSendWindow: cfg.SendRateWindow(),
		Alive:           heartbeat.Beat,
	})

	return &App{
		Cfg:     cfg,
		Log:     logger,
		DB:      db,
		REST:    rest,
		Tokens:  tokens,
		Session: session,
		Ledger:  executor.NewLedger(db, nil),
		Trail:   trail,
	}, nil
}

func (a *App) Close() error {
	if a.Trail != nil {
		_ = a.Trail.Close()
	}
	return a.DB.Close()
}
