package doctor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rjkroon/brackd/internal/config"
	"github.com/rjkroon/brackd/internal/infra/sqlite"
	"github.com/rjkroon/brackd/internal/kraken"
	"github.com/rjkroon/brackd/internal/observability"
)

type CheckResult struct {
	Name    string
	OK      bool
	Details string
}

// Instruments is the metadata slice of the REST surface the pair check needs.
type Instruments interface {
	AssetPair(ctx context.Context, pair string) (kraken.PairInfo, error)
	Balance(ctx context.Context) (map[string]decimal.Decimal, error)
	GetWebSocketsToken(ctx context.Context) (kraken.WebSocketsToken, error)
}

type Runner struct {
	Cfg  config.Config
	REST Instruments
	Now  func() time.Time
}

// RunAll executes every preflight check and keeps going past failures so the
// operator sees the full picture in one pass.
func RunAll(ctx context.Context, r Runner) []CheckResult {
	if r.Now == nil {
		r.Now = time.Now
	}
	results := []CheckResult{
		checkConfig(r.Cfg),
		checkCredentials(r.Cfg),
		checkStateDB(r.Cfg),
		checkHeartbeat(r.Cfg, r.Now),
	}
	if r.REST != nil {
		results = append(results,
			checkPair(ctx, r.Cfg, r.REST),
			checkBalance(ctx, r.Cfg, r.REST),
			checkToken(ctx, r.REST),
		)
	}
	return results
}

func checkConfig(cfg config.Config) CheckResult {
	if err := config.Validate(cfg); err != nil {
		return CheckResult{Name: "config", OK: false, Details: err.Error()}
	}
	return CheckResult{Name: "config", OK: true, Details: cfg.Pair}
}

func checkCredentials(cfg config.Config) CheckResult {
	if err := config.ValidateCredentials(cfg); err != nil {
		return CheckResult{Name: "credentials", OK: false, Details: err.Error()}
	}
	return CheckResult{Name: "credentials", OK: true, Details: "present"}
}

func checkStateDB(cfg config.Config) CheckResult {
	db, err := sqlite.Open(cfg.DBPath, 1000)
	if err != nil {
		return CheckResult{Name: "state_db", OK: false, Details: err.Error()}
	}
	defer db.Close()
	if err := sqlite.Migrate(db); err != nil {
		return CheckResult{Name: "state_db", OK: false, Details: err.Error()}
	}
	return CheckResult{Name: "state_db", OK: true, Details: cfg.DBPath}
}

func checkHeartbeat(cfg config.Config, now func() time.Time) CheckResult {
	fresh, err := observability.Fresh(cfg.HeartbeatPath, now())
	if err != nil {
		return CheckResult{Name: "heartbeat", OK: true, Details: "no marker, nothing running"}
	}
	if fresh {
		return CheckResult{Name: "heartbeat", OK: true, Details: "live process detected"}
	}
	return CheckResult{Name: "heartbeat", OK: true, Details: "stale marker"}
}

func checkPair(ctx context.Context, cfg config.Config, rest Instruments) CheckResult {
	info, err := rest.AssetPair(ctx, cfg.Pair)
	if err != nil {
		return CheckResult{Name: "pair", OK: false, Details: err.Error()}
	}
	return CheckResult{Name: "pair", OK: true,
		Details: fmt.Sprintf("ordermin=%s tick=1e-%d lot=1e-%d", info.OrderMin, info.PairDecimals, info.LotDecimals)}
}

func checkBalance(ctx context.Context, cfg config.Config, rest Instruments) CheckResult {
	balances, err := rest.Balance(ctx)
	if err != nil {
		return CheckResult{Name: "balance", OK: false, Details: err.Error()}
	}
	quote := balances[cfg.QuoteAsset]
	return CheckResult{Name: "balance", OK: true,
		Details: fmt.Sprintf("%s %s free", quote, cfg.QuoteAsset)}
}

func checkToken(ctx context.Context, rest Instruments) CheckResult {
	tok, err := rest.GetWebSocketsToken(ctx)
	if err != nil {
		return CheckResult{Name: "ws_token", OK: false, Details: err.Error()}
	}
	return CheckResult{Name: "ws_token", OK: true,
		Details: fmt.Sprintf("expires in %s", tok.ExpiresIn)}
}
