package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds the result of config validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validate checks the config for invalid values.
func (c *Config) Validate() ValidationResult {
	var errors []ValidationError

	errors = append(errors, validateProvider(&c.Provider)...)
	errors = append(errors, validateOKX(&c.OKX)...)
	errors = append(errors, validateDetector(&c.Detector)...)
	errors = append(errors, validateExecutor(&c.Executor)...)
	errors = append(errors, validateLiquidation(&c.Liquidation)...)
	errors = append(errors, validateServer(&c.Server)...)
	errors = append(errors, validateStrategies(c.Strategies)...)

	return ValidationResult{
		Valid:  len(errors) == 0,
		Errors: errors,
	}
}

func validateProvider(p *ProviderConfig) []ValidationError {
	var errors []ValidationError

	if p.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "provider.base_url",
			Message: "must not be empty",
		})
	}

	if p.TransferLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "provider.transfer_limit",
			Message: "must be at least 1",
		})
	}

	if p.PriceTTL < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "provider.price_ttl",
			Message: "must be at least 1 second",
		})
	}

	if p.PortfolioTTL < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "provider.portfolio_ttl",
			Message: "must be at least 1 second",
		})
	}

	return errors
}

func validateOKX(o *OKXConfig) []ValidationError {
	var errors []ValidationError

	if o.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "okx.base_url",
			Message: "must not be empty",
		})
	}

	if o.RequestsPerSec < 1 {
		errors = append(errors, ValidationError{
			Field:   "okx.requests_per_sec",
			Message: "must be at least 1",
		})
	}

	if o.MarginRatio < 0 || o.MarginRatio > 0.5 {
		errors = append(errors, ValidationError{
			Field:   "okx.margin_ratio",
			Message: "must be between 0 and 0.5",
		})
	}

	return errors
}

func validateDetector(d *DetectorConfig) []ValidationError {
	var errors []ValidationError

	if d.ScanInterval < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "detector.scan_interval",
			Message: "must be at least 1 second",
		})
	}

	if d.MinSignalUSD < 0 {
		errors = append(errors, ValidationError{
			Field:   "detector.min_signal_usd",
			Message: "must be non-negative",
		})
	}

	if d.MinSignalPct < 0 || d.MinSignalPct > 100 {
		errors = append(errors, ValidationError{
			Field:   "detector.min_signal_pct",
			Message: "must be between 0 and 100",
		})
	}

	if d.StrictTolerance <= 0 || d.StrictTolerance >= 1 {
		errors = append(errors, ValidationError{
			Field:   "detector.strict_tolerance",
			Message: "must be between 0 and 1 exclusive",
		})
	}

	if d.RelaxedTolerance < d.StrictTolerance {
		errors = append(errors, ValidationError{
			Field:   "detector.relaxed_tolerance",
			Message: "must not be tighter than strict_tolerance",
		})
	}

	if d.RelaxedWindow < d.StrictWindow {
		errors = append(errors, ValidationError{
			Field:   "detector.relaxed_window",
			Message: "must not be shorter than strict_window",
		})
	}

	return errors
}

func validateExecutor(e *ExecutorConfig) []ValidationError {
	var errors []ValidationError

	if e.ScanInterval < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "executor.scan_interval",
			Message: "must be at least 1 second",
		})
	}

	if e.DefaultLeverage < 1 || e.DefaultLeverage > 100 {
		errors = append(errors, ValidationError{
			Field:   "executor.default_leverage",
			Message: "must be between 1 and 100",
		})
	}

	if e.MinNotionalUSD < 0 {
		errors = append(errors, ValidationError{
			Field:   "executor.min_notional_usd",
			Message: "must be non-negative",
		})
	}

	return errors
}

func validateLiquidation(l *LiquidationConfig) []ValidationError {
	var errors []ValidationError

	if l.CheckInterval < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "liquidation.check_interval",
			Message: "must be at least 1 second",
		})
	}

	if l.WarningRatio <= 0 || l.WarningRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "liquidation.warning_ratio",
			Message: "must be between 0 and 1",
		})
	}

	if l.CriticalRatio <= 0 || l.CriticalRatio >= l.WarningRatio {
		errors = append(errors, ValidationError{
			Field:   "liquidation.critical_ratio",
			Message: "must be positive and below warning_ratio",
		})
	}

	return errors
}

func validateServer(s *ServerConfig) []ValidationError {
	var errors []ValidationError

	if s.Enabled && (s.Port < 1 || s.Port > 65535) {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: "must be a valid port number",
		})
	}

	return errors
}

func validateStrategies(strategies []StrategyConfig) []ValidationError {
	var errors []ValidationError

	seen := make(map[string]bool)
	for i, s := range strategies {
		prefix := fmt.Sprintf("strategies[%d]", i)

		if s.ID == "" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".id",
				Message: "must not be empty",
			})
		} else if seen[s.ID] {
			errors = append(errors, ValidationError{
				Field:   prefix + ".id",
				Message: "duplicate strategy id",
			})
		}
		seen[s.ID] = true

		if s.Wallet == "" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".wallet",
				Message: "must not be empty",
			})
		}

		switch strings.ToLower(s.SizingMethod) {
		case "percentage", "fixed":
		default:
			errors = append(errors, ValidationError{
				Field:   prefix + ".sizing_method",
				Message: "must be \"percentage\" or \"fixed\"",
			})
		}

		if strings.EqualFold(s.SizingMethod, "fixed") && s.FixedAmountUSD <= 0 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".fixed_amount_usd",
				Message: "must be positive for fixed sizing",
			})
		}

		if s.Leverage < 0 || s.Leverage > 100 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".leverage",
				Message: "must be between 0 and 100",
			})
		}

		if s.DailyTradeCap < 0 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".daily_trade_cap",
				Message: "must be non-negative",
			})
		}
	}

	return errors
}
