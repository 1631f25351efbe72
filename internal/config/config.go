package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. YAML supplies the file shape,
// BRACKD_* environment variables override individual fields, and credentials
// come from the environment only.
type Config struct {
	// Credentials are env-only and never serialized.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`

	RESTBaseURL  string `yaml:"rest_base_url"`
	PrivateWSURL string `yaml:"private_ws_url"`
	PublicWSURL  string `yaml:"public_ws_url"`

	DBPath        string `yaml:"db_path"`
	HeartbeatPath string `yaml:"heartbeat_path"`
	AuditDir      string `yaml:"audit_dir"`
	BackupDir     string `yaml:"backup_dir"`
	RetentionDays int    `yaml:"retention_days"`

	Pair       string `yaml:"pair"`
	WSSymbol   string `yaml:"ws_symbol"`
	BaseAsset  string `yaml:"base_asset"`
	QuoteAsset string `yaml:"quote_asset"`

	StopLossPct   float64   `yaml:"stop_loss_pct"`
	BreakEvenPct  float64   `yaml:"break_even_pct"`
	TakeProfits   []TPLevel `yaml:"take_profits"`
	MaxBalancePct float64   `yaml:"max_balance_pct"`
	NotionalCap   float64   `yaml:"notional_cap"`

	FillTimeoutSec  int `yaml:"fill_timeout_sec"`
	AckTimeoutSec   int `yaml:"ack_timeout_sec"`
	OrderDeadlineMs int `yaml:"order_deadline_ms"`

	SendRateLimit   int `yaml:"send_rate_limit"`
	SendRateWindowS int `yaml:"send_rate_window_sec"`

	TokenMarginSec int `yaml:"token_margin_sec"`

	DustQty            float64 `yaml:"dust_qty"`
	DustNotional       float64 `yaml:"dust_notional"`
	JanitorIntervalSec int     `yaml:"janitor_interval_sec"`
	MaxOrderAgeHours   int     `yaml:"max_order_age_hours"`

	ValidateOnly bool `yaml:"validate_only"`

	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	LogCompress   bool   `yaml:"log_compress"`
}

// TPLevel is one take-profit rung: Pct above entry, SizePct of the filled
// position.
type TPLevel struct {
	Pct     float64 `yaml:"pct"`
	SizePct float64 `yaml:"size_pct"`
}

func Default() Config {
	return Config{
		RESTBaseURL:  "https://api.kraken.com",
		PrivateWSURL: "wss://ws-auth.kraken.com/v2",
		PublicWSURL:  "wss://ws.kraken.com/v2",

		DBPath:        "var/brackd.db",
		HeartbeatPath: "var/brackd.alive",
		AuditDir:      "var/audit",
		BackupDir:     "var/backups",
		RetentionDays: 30,

		Pair:       "SOLUSD",
		WSSymbol:   "SOL/USD",
		BaseAsset:  "SOL",
		QuoteAsset: "ZUSD",

		StopLossPct:  0.05,
		BreakEvenPct: 0.01,
		TakeProfits: []TPLevel{
			{Pct: 0.02, SizePct: 0.5},
			{Pct: 0.04, SizePct: 0.5},
		},
		MaxBalancePct: 0.25,
		NotionalCap:   500,

		FillTimeoutSec:  300,
		AckTimeoutSec:   12,
		OrderDeadlineMs: 5000,

		SendRateLimit:   10,
		SendRateWindowS: 1,

		TokenMarginSec: 60,

		DustQty:            0.01,
		DustNotional:       1,
		JanitorIntervalSec: 300,
		MaxOrderAgeHours:   48,

		LogLevel:      "info",
		LogFile:       "",
		LogMaxSizeMB:  100,
		LogMaxBackups: 3,
		LogMaxAgeDays: 7,
	}
}

// Load reads the optional YAML file over the defaults, applies env overrides,
// and validates. A missing path means defaults plus env only.
func Load(path string) (Config, error) {
	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.APIKey = envString("BRACKD_API_KEY", cfg.APIKey)
	cfg.APISecret = envString("BRACKD_API_SECRET", cfg.APISecret)
	cfg.RESTBaseURL = envString("BRACKD_REST_BASE_URL", cfg.RESTBaseURL)
	cfg.PrivateWSURL = envString("BRACKD_PRIVATE_WS_URL", cfg.PrivateWSURL)
	cfg.PublicWSURL = envString("BRACKD_PUBLIC_WS_URL", cfg.PublicWSURL)
	cfg.DBPath = envString("BRACKD_DB_PATH", cfg.DBPath)
	cfg.AuditDir = envString("BRACKD_AUDIT_DIR", cfg.AuditDir)
	cfg.BackupDir = envString("BRACKD_BACKUP_DIR", cfg.BackupDir)
	cfg.HeartbeatPath = envString("BRACKD_HEARTBEAT_PATH", cfg.HeartbeatPath)
	cfg.Pair = envString("BRACKD_PAIR", cfg.Pair)
	cfg.WSSymbol = envString("BRACKD_WS_SYMBOL", cfg.WSSymbol)
	cfg.BaseAsset = envString("BRACKD_BASE_ASSET", cfg.BaseAsset)
	cfg.QuoteAsset = envString("BRACKD_QUOTE_ASSET", cfg.QuoteAsset)
	cfg.LogLevel = envString("BRACKD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = envString("BRACKD_LOG_FILE", cfg.LogFile)

	cfg.StopLossPct = envFloat("BRACKD_STOP_LOSS_PCT", cfg.StopLossPct)
	cfg.BreakEvenPct = envFloat("BRACKD_BREAK_EVEN_PCT", cfg.BreakEvenPct)
	cfg.MaxBalancePct = envFloat("BRACKD_MAX_BALANCE_PCT", cfg.MaxBalancePct)
	cfg.NotionalCap = envFloat("BRACKD_NOTIONAL_CAP", cfg.NotionalCap)
	cfg.DustQty = envFloat("BRACKD_DUST_QTY", cfg.DustQty)
	cfg.DustNotional = envFloat("BRACKD_DUST_NOTIONAL", cfg.DustNotional)

	cfg.FillTimeoutSec = envInt("BRACKD_FILL_TIMEOUT_SEC", cfg.FillTimeoutSec)
	cfg.AckTimeoutSec = envInt("BRACKD_ACK_TIMEOUT_SEC", cfg.AckTimeoutSec)
	cfg.JanitorIntervalSec = envInt("BRACKD_JANITOR_INTERVAL_SEC", cfg.JanitorIntervalSec)
	cfg.MaxOrderAgeHours = envInt("BRACKD_MAX_ORDER_AGE_HOURS", cfg.MaxOrderAgeHours)

	cfg.ValidateOnly = envBool("BRACKD_VALIDATE_ONLY", cfg.ValidateOnly)
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func (c Config) FillTimeout() time.Duration { return time.Duration(c.FillTimeoutSec) * time.Second }
func (c Config) AckTimeout() time.Duration  { return time.Duration(c.AckTimeoutSec) * time.Second }
func (c Config) OrderDeadline() time.Duration {
	return time.Duration(c.OrderDeadlineMs) * time.Millisecond
}
func (c Config) SendRateWindow() time.Duration {
	return time.Duration(c.SendRateWindowS) * time.Second
}
func (c Config) TokenMargin() time.Duration { return time.Duration(c.TokenMarginSec) * time.Second }
func (c Config) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalSec) * time.Second
}
func (c Config) MaxOrderAge() time.Duration { return time.Duration(c.MaxOrderAgeHours) * time.Hour }
