package config

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config invalid: %s: %s", e.Field, e.Message)
}

func Validate(cfg Config) error {
	if cfg.Pair == "" {
		return ValidationError{Field: "pair", Message: "missing"}
	}
	if cfg.WSSymbol == "" {
		return ValidationError{Field: "ws_symbol", Message: "missing"}
	}
	if cfg.BaseAsset == "" || cfg.QuoteAsset == "" {
		return ValidationError{Field: "base_asset", Message: "base and quote assets required"}
	}
	if cfg.DBPath == "" {
		return ValidationError{Field: "db_path", Message: "missing"}
	}
	if cfg.AuditDir == "" {
		return ValidationError{Field: "audit_dir", Message: "missing"}
	}
	if err := requirePositiveInt("retention_days", cfg.RetentionDays); err != nil {
		return err
	}
	if err := requireFraction("stop_loss_pct", cfg.StopLossPct); err != nil {
		return err
	}
	if cfg.BreakEvenPct < 0 || cfg.BreakEvenPct >= 1 {
		return ValidationError{Field: "break_even_pct", Message: "must be in [0..1)"}
	}
	if cfg.BreakEvenPct > 0 && cfg.BreakEvenPct >= cfg.StopLossPct+1 {
		return ValidationError{Field: "break_even_pct", Message: "unreachable trigger"}
	}
	if len(cfg.TakeProfits) == 0 {
		return ValidationError{Field: "take_profits", Message: "at least one level required"}
	}
	sum := 0.0
	prev := 0.0
	for i, lv := range cfg.TakeProfits {
		if lv.Pct <= 0 {
			return ValidationError{Field: fmt.Sprintf("take_profits[%d].pct", i), Message: "must be > 0"}
		}
		if lv.Pct <= prev {
			return ValidationError{Field: fmt.Sprintf("take_profits[%d].pct", i), Message: "levels must be strictly increasing"}
		}
		if lv.SizePct <= 0 {
			return ValidationError{Field: fmt.Sprintf("take_profits[%d].size_pct", i), Message: "must be > 0"}
		}
		prev = lv.Pct
		sum += lv.SizePct
	}
	if diff := sum - 1.0; diff > 0.000001 || diff < -0.000001 {
		return ValidationError{Field: "take_profits", Message: "size_pct must sum to 1.0"}
	}
	if err := requireFraction("max_balance_pct", cfg.MaxBalancePct); err != nil {
		return err
	}
	if cfg.NotionalCap <= 0 {
		return ValidationError{Field: "notional_cap", Message: "must be > 0"}
	}
	if err := requirePositiveInt("fill_timeout_sec", cfg.FillTimeoutSec); err != nil {
		return err
	}
	if err := requirePositiveInt("ack_timeout_sec", cfg.AckTimeoutSec); err != nil {
		return err
	}
	if err := requirePositiveInt("order_deadline_ms", cfg.OrderDeadlineMs); err != nil {
		return err
	}
	if err := requirePositiveInt("send_rate_limit", cfg.SendRateLimit); err != nil {
		return err
	}
	if err := requirePositiveInt("send_rate_window_sec", cfg.SendRateWindowS); err != nil {
		return err
	}
	if err := requirePositiveInt("token_margin_sec", cfg.TokenMarginSec); err != nil {
		return err
	}
	if cfg.DustQty < 0 {
		return ValidationError{Field: "dust_qty", Message: "must be >= 0"}
	}
	if cfg.DustNotional < 0 {
		return ValidationError{Field: "dust_notional", Message: "must be >= 0"}
	}
	if err := requirePositiveInt("janitor_interval_sec", cfg.JanitorIntervalSec); err != nil {
		return err
	}
	if err := requirePositiveInt("max_order_age_hours", cfg.MaxOrderAgeHours); err != nil {
		return err
	}
	return nil
}

// ValidateCredentials is the extra gate for live trading; validate-only runs
// and dry-run janitor cycles still need signed endpoints, so it is separate
// from Validate.
func ValidateCredentials(cfg Config) error {
	if cfg.APIKey == "" {
		return ValidationError{Field: "api_key", Message: "BRACKD_API_KEY not set"}
	}
	if cfg.APISecret == "" {
		return ValidationError{Field: "api_secret", Message: "BRACKD_API_SECRET not set"}
	}
	return nil
}

func requirePositiveInt(field string, v int) error {
	if v <= 0 {
		return ValidationError{Field: field, Message: "must be > 0"}
	}
	return nil
}

func requireFraction(field string, v float64) error {
	if v <= 0 || v >= 1 {
		return ValidationError{Field: field, Message: "must be in (0..1)"}
	}
	return nil
}
