package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadAppliesYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brackd.yaml")
	body := `
pair: ETHUSD
ws_symbol: ETH/USD
base_asset: ETH
quote_asset: ZUSD
stop_loss_pct: 0.03
take_profits:
  - pct: 0.015
    size_pct: 0.6
  - pct: 0.03
    size_pct: 0.4
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("BRACKD_NOTIONAL_CAP", "750")
	t.Setenv("BRACKD_API_KEY", "key")
	t.Setenv("BRACKD_API_SECRET", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pair != "ETHUSD" || cfg.WSSymbol != "ETH/USD" {
		t.Fatalf("pair = %s / %s", cfg.Pair, cfg.WSSymbol)
	}
	if cfg.StopLossPct != 0.03 {
		t.Fatalf("stop_loss_pct = %v", cfg.StopLossPct)
	}
	if len(cfg.TakeProfits) != 2 || cfg.TakeProfits[0].SizePct != 0.6 {
		t.Fatalf("take_profits = %+v", cfg.TakeProfits)
	}
	if cfg.NotionalCap != 750 {
		t.Fatalf("env override lost, notional_cap = %v", cfg.NotionalCap)
	}
	if cfg.APIKey != "key" || cfg.APISecret != "secret" {
		t.Fatal("credentials not taken from env")
	}
	// Untouched fields keep defaults.
	if cfg.FillTimeoutSec != 300 {
		t.Fatalf("fill_timeout_sec = %d", cfg.FillTimeoutSec)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing explicit config path did not error")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"zero stop loss", func(c *Config) { c.StopLossPct = 0 }, "stop_loss_pct"},
		{"stop loss over one", func(c *Config) { c.StopLossPct = 1.5 }, "stop_loss_pct"},
		{"negative break even", func(c *Config) { c.BreakEvenPct = -0.1 }, "break_even_pct"},
		{"no take profits", func(c *Config) { c.TakeProfits = nil }, "take_profits"},
		{"sizes do not sum", func(c *Config) {
			c.TakeProfits = []TPLevel{{Pct: 0.02, SizePct: 0.5}}
		}, "take_profits"},
		{"levels not increasing", func(c *Config) {
			c.TakeProfits = []TPLevel{{Pct: 0.04, SizePct: 0.5}, {Pct: 0.02, SizePct: 0.5}}
		}, "take_profits[1].pct"},
		{"empty pair", func(c *Config) { c.Pair = "" }, "pair"},
		{"zero cap", func(c *Config) { c.NotionalCap = 0 }, "notional_cap"},
		{"zero ack timeout", func(c *Config) { c.AckTimeoutSec = 0 }, "ack_timeout_sec"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(&cfg)
			err := Validate(cfg)
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %s, want %s", verr.Field, tc.field)
			}
		})
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := Default()
	if err := ValidateCredentials(cfg); err == nil {
		t.Fatal("empty credentials passed")
	}
	cfg.APIKey = "k"
	cfg.APISecret = "s"
	if err := ValidateCredentials(cfg); err != nil {
		t.Fatalf("credentials rejected: %v", err)
	}
}
