package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Environment
	IsProd bool `json:"is_prod"`

	// Wallet activity / price provider
	Provider ProviderConfig `json:"provider"`

	// OKX exchange access
	OKX OKXConfig `json:"okx"`

	// Wallet scanning / signal detection
	Detector DetectorConfig `json:"detector"`

	// Strategy scanning / order execution
	Executor ExecutorConfig `json:"executor"`

	// Liquidation monitoring
	Liquidation LiquidationConfig `json:"liquidation"`

	// Signal/order persistence
	Store StoreConfig `json:"store"`

	// HTTP API server
	Server ServerConfig `json:"server"`

	// Discord alerting
	Discord DiscordConfig `json:"discord"`

	// Monitored wallets (no strategy attached, alert-only)
	Wallets WalletsConfig `json:"wallets"`

	// Strategies binding a wallet to the exchange account
	Strategies []StrategyConfig `json:"strategies"`
}

// ProviderConfig holds the wallet activity provider configuration.
type ProviderConfig struct {
	BaseURL          string        `json:"base_url"`
	FallbackPriceURL string        `json:"fallback_price_url"` // secondary spot-price source
	APIKey           string        `json:"-"`                  // Excluded - env var only
	TransferLimit    int           `json:"transfer_limit"`     // max transfers fetched per wallet
	PriceTTL         time.Duration `json:"price_ttl"`          // symbol-price cache TTL
	PortfolioTTL     time.Duration `json:"portfolio_ttl"`      // (wallet,date) portfolio value cache TTL
}

// OKXConfig holds OKX API access configuration.
type OKXConfig struct {
	BaseURL        string  `json:"base_url"`
	WSURL          string  `json:"ws_url"`
	APIKey         string  `json:"-"`         // Excluded - env var only
	SecretKey      string  `json:"-"`         // Excluded - env var only
	Passphrase     string  `json:"-"`         // Excluded - env var only
	Simulated      bool    `json:"simulated"` // paper-trading header
	RequestsPerSec int     `json:"requests_per_sec"`
	MarginRatio    float64 `json:"margin_ratio"` // maintenance margin ratio used for liquidation estimates
}

// DetectorConfig holds wallet scanning configuration.
type DetectorConfig struct {
	ScanInterval     time.Duration `json:"scan_interval"`      // wallet-scan loop tick
	InterWalletDelay time.Duration `json:"inter_wallet_delay"` // pause between wallets within one tick
	MinSignalUSD     float64       `json:"min_signal_usd"`     // flat USD floor for any signal
	MinSignalPct     float64       `json:"min_signal_pct"`     // BUY floor as % of wallet value (e.g. 0.1)
	StrictWindow     time.Duration `json:"strict_window"`      // synthetic pairing pass 1 window
	StrictTolerance  float64       `json:"strict_tolerance"`   // pass 1 value tolerance (0.08 = 8%)
	RelaxedWindow    time.Duration `json:"relaxed_window"`     // pass 2 window (bridging delays)
	RelaxedTolerance float64       `json:"relaxed_tolerance"`  // pass 2 value tolerance
}

// ExecutorConfig holds strategy scanning and order execution configuration.
type ExecutorConfig struct {
	ScanInterval       time.Duration `json:"scan_interval"`        // strategy-scan loop tick
	InterStrategyDelay time.Duration `json:"inter_strategy_delay"` // pause between strategies within one tick
	DefaultLeverage    int           `json:"default_leverage"`     // long-side leverage when strategy leaves it unset
	MinNotionalUSD     float64       `json:"min_notional_usd"`     // below this, open remainders are dropped
}

// LiquidationConfig holds liquidation monitoring configuration.
type LiquidationConfig struct {
	CheckInterval time.Duration `json:"check_interval"`
	WarningRatio  float64       `json:"warning_ratio"`  // distance ratio below which we warn (e.g. 0.9)
	CriticalRatio float64       `json:"critical_ratio"` // distance ratio below which we auto-close (e.g. 0.5)
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	DatabaseURL string `json:"-"` // Excluded - env var only
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// DiscordConfig holds Discord alerting configuration.
type DiscordConfig struct {
	BotToken      string `json:"-"` // Excluded - env var only
	ProdChannelID string `json:"prod_channel_id"`
	BetaChannelID string `json:"beta_channel_id"`
}

// WalletsConfig holds the list of monitored wallet addresses.
type WalletsConfig struct {
	Addresses []string `json:"addresses"`
}

// Sizing methods for StrategyConfig.
const (
	SizingPercentage = "percentage"
	SizingFixed      = "fixed"
)

// StrategyConfig binds a monitored wallet to the exchange account.
type StrategyConfig struct {
	ID             string   `json:"id"`
	Wallet         string   `json:"wallet"`
	SizingMethod   string   `json:"sizing_method"` // "percentage" (mirror proportion) or "fixed"
	FixedAmountUSD float64  `json:"fixed_amount_usd"`
	Leverage       int      `json:"leverage"`       // long-side leverage; shorts always run 1x
	AllowedTokens  []string `json:"allowed_tokens"` // empty = all mappable tokens
	DailyTradeCap  int      `json:"daily_trade_cap"`
}

// Clone creates a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Wallets.Addresses != nil {
		clone.Wallets.Addresses = make([]string, len(c.Wallets.Addresses))
		copy(clone.Wallets.Addresses, c.Wallets.Addresses)
	}
	if c.Strategies != nil {
		clone.Strategies = make([]StrategyConfig, len(c.Strategies))
		copy(clone.Strategies, c.Strategies)
		for i, s := range c.Strategies {
			if s.AllowedTokens != nil {
				clone.Strategies[i].AllowedTokens = make([]string, len(s.AllowedTokens))
				copy(clone.Strategies[i].AllowedTokens, s.AllowedTokens)
			}
		}
	}
	return &clone
}

// Defaults returns a config with hardcoded default values.
func Defaults() *Config {
	return &Config{
		IsProd: false,
		Provider: ProviderConfig{
			BaseURL:       "https://api.zerion.io/v1",
			TransferLimit: 100,
			PriceTTL:      30 * time.Second,
			PortfolioTTL:  5 * time.Minute,
		},
		OKX: OKXConfig{
			BaseURL:        "https://www.okx.com",
			WSURL:          "wss://ws.okx.com:8443/ws/v5/public",
			RequestsPerSec: 5,
			MarginRatio:    0.005,
		},
		Detector: DetectorConfig{
			ScanInterval:     60 * time.Second,
			InterWalletDelay: 2 * time.Second,
			MinSignalUSD:     10.0,
			MinSignalPct:     0.1,
			StrictWindow:     3 * time.Minute,
			StrictTolerance:  0.08,
			RelaxedWindow:    20 * time.Minute,
			RelaxedTolerance: 0.20,
		},
		Executor: ExecutorConfig{
			ScanInterval:       30 * time.Second,
			InterStrategyDelay: 1 * time.Second,
			DefaultLeverage:    3,
			MinNotionalUSD:     5.0,
		},
		Liquidation: LiquidationConfig{
			CheckInterval: 15 * time.Second,
			WarningRatio:  0.9,
			CriticalRatio: 0.5,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		IsProd: envBool("STAGE", "PROD"),

		Provider: ProviderConfig{
			BaseURL:          envString("PROVIDER_BASE_URL", "https://api.zerion.io/v1"),
			FallbackPriceURL: envString("FALLBACK_PRICE_URL", ""),
			APIKey:           envString("PROVIDER_API_KEY", ""),
			TransferLimit:    envInt("PROVIDER_TRANSFER_LIMIT", 100),
			PriceTTL:         envDuration("PRICE_CACHE_TTL", 30*time.Second),
			PortfolioTTL:     envDuration("PORTFOLIO_CACHE_TTL", 5*time.Minute),
		},

		OKX: OKXConfig{
			BaseURL:        envString("OKX_BASE_URL", "https://www.okx.com"),
			WSURL:          envString("OKX_WS_URL", "wss://ws.okx.com:8443/ws/v5/public"),
			APIKey:         envString("OKX_API_KEY", ""),
			SecretKey:      envString("OKX_SECRET_KEY", ""),
			Passphrase:     envString("OKX_PASSPHRASE", ""),
			Simulated:      envBoolDefault("OKX_SIMULATED", false),
			RequestsPerSec: envInt("OKX_REQUESTS_PER_SEC", 5),
			MarginRatio:    envFloat("OKX_MARGIN_RATIO", 0.005),
		},

		Detector: DetectorConfig{
			ScanInterval:     envDuration("WALLET_SCAN_INTERVAL", 60*time.Second),
			InterWalletDelay: envDuration("INTER_WALLET_DELAY", 2*time.Second),
			MinSignalUSD:     envFloat("MIN_SIGNAL_USD", 10.0),
			MinSignalPct:     envFloat("MIN_SIGNAL_PCT", 0.1),
			StrictWindow:     envDuration("PAIRING_STRICT_WINDOW", 3*time.Minute),
			StrictTolerance:  envFloat("PAIRING_STRICT_TOLERANCE", 0.08),
			RelaxedWindow:    envDuration("PAIRING_RELAXED_WINDOW", 20*time.Minute),
			RelaxedTolerance: envFloat("PAIRING_RELAXED_TOLERANCE", 0.20),
		},

		Executor: ExecutorConfig{
			ScanInterval:       envDuration("STRATEGY_SCAN_INTERVAL", 30*time.Second),
			InterStrategyDelay: envDuration("INTER_STRATEGY_DELAY", 1*time.Second),
			DefaultLeverage:    envInt("DEFAULT_LEVERAGE", 3),
			MinNotionalUSD:     envFloat("MIN_NOTIONAL_USD", 5.0),
		},

		Liquidation: LiquidationConfig{
			CheckInterval: envDuration("LIQUIDATION_CHECK_INTERVAL", 15*time.Second),
			WarningRatio:  envFloat("LIQUIDATION_WARNING_RATIO", 0.9),
			CriticalRatio: envFloat("LIQUIDATION_CRITICAL_RATIO", 0.5),
		},

		Store: StoreConfig{
			DatabaseURL: envString("DATABASE_URL", ""),
		},

		Server: ServerConfig{
			Enabled: envBoolDefault("SERVER_ENABLED", true),
			Port:    envInt("SERVER_PORT", 8080),
		},

		Discord: DiscordConfig{
			BotToken:      envString("DISCORD_BOT_TOKEN", ""),
			ProdChannelID: envString("DISCORD_PROD_CHANNEL_ID", ""),
			BetaChannelID: envString("DISCORD_BETA_CHANNEL_ID", ""),
		},

		Wallets: WalletsConfig{
			Addresses: normalizeAddresses(envStringSlice("MONITORED_WALLETS")),
		},

		Strategies: envStrategies("STRATEGIES_JSON"),
	}
}

// Helper functions for parsing environment variables

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key, trueValue string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), trueValue)
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1") || strings.EqualFold(v, "yes")
}

func envStringSlice(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// envStrategies parses a JSON array of strategy definitions from the env.
func envStrategies(key string) []StrategyConfig {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return nil
	}
	var strategies []StrategyConfig
	if err := json.Unmarshal([]byte(val), &strategies); err != nil {
		return nil
	}
	for i := range strategies {
		strategies[i].Wallet = strings.ToLower(strategies[i].Wallet)
		if strategies[i].SizingMethod == "" {
			strategies[i].SizingMethod = SizingPercentage
		}
	}
	return strategies
}

func normalizeAddresses(addrs []string) []string {
	if addrs == nil {
		return nil
	}
	result := make([]string, len(addrs))
	for i, a := range addrs {
		result[i] = strings.ToLower(a)
	}
	return result
}
