// Package config defines the configuration of the up/down arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by environment variables: trading
// options use their canonical names (MIN_PROFIT_THRESHOLD, SLIPPAGE, ...),
// infrastructure options use the UPDOWNARB_ prefix.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Trading    TradingConfig    `toml:"trading"`
	Risk       RiskConfig       `toml:"risk"`
	Merge      MergeConfig      `toml:"merge"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Notify     NotifyConfig     `toml:"notify"`
	Log        LogConfig        `toml:"log"`
	Mode       string           `toml:"mode"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	ProxyAddress     string `toml:"proxy_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds venue endpoints, API credentials and chain parameters.
type PolymarketConfig struct {
	ClobHost          string  `toml:"clob_host"`
	GammaHost         string  `toml:"gamma_host"`
	DataHost          string  `toml:"data_host"`
	WsHost            string  `toml:"ws_host"`
	RPCURL            string  `toml:"rpc_url"`
	ChainID           int     `toml:"chain_id"`
	SignatureType     int     `toml:"signature_type"`
	ApiKey            string  `toml:"api_key"`
	ApiSecret         string  `toml:"api_secret"`
	ApiPassphrase     string  `toml:"api_passphrase"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// TradingConfig holds detector and executor parameters.
type TradingConfig struct {
	Symbols                 []string `toml:"symbols"`
	MinProfitThreshold      float64  `toml:"min_profit_threshold"`
	ExecutionSpread         float64  `toml:"execution_spread"`
	MaxOrderSize            float64  `toml:"max_order_size_usdc"`
	MinYesPrice             float64  `toml:"min_yes_price_threshold"`
	MinNoPrice              float64  `toml:"min_no_price_threshold"`
	RefreshAdvanceSecs      int      `toml:"market_refresh_advance_secs"`
	StopBeforeEndMinutes    int      `toml:"stop_arbitrage_before_end_minutes"`
	Slippage                string   `toml:"slippage"`
	OrderType               string   `toml:"order_type"`
	GTDExpirationSecs       int      `toml:"gtd_expiration_secs"`
	MinTradeIntervalSecs    int      `toml:"min_trade_interval_secs"`
	MaxConcurrentExecutions int      `toml:"max_concurrent_executions"`
	OrderPollIntervalMs     int      `toml:"order_poll_interval_ms"`
	OrderWatchTimeoutSecs   int      `toml:"order_watch_timeout_secs"`
	ExecutionLockTTL        duration `toml:"execution_lock_ttl"`
}

// RiskConfig holds exposure limits and the position balancer settings.
type RiskConfig struct {
	MaxExposure         float64 `toml:"max_exposure_usdc"`
	ImbalanceThreshold  float64 `toml:"imbalance_threshold"`
	BalanceIntervalSecs int     `toml:"position_balance_interval_secs"`
	BalanceThreshold    float64 `toml:"position_balance_threshold"`
	BalanceMinTotal     float64 `toml:"position_balance_min_total"`
}

// MergeConfig holds redemption and wind-down parameters.
type MergeConfig struct {
	IntervalMinutes          int     `toml:"interval_minutes"`
	MaxAmount                float64 `toml:"max_amount"`
	WindDownBeforeEndMinutes int     `toml:"wind_down_before_window_end_minutes"`
	WindDownSellPrice        float64 `toml:"wind_down_sell_price"`
}

// PostgresConfig holds audit-log database parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the audit archive.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Prefix         string   `toml:"prefix"`
	FlushInterval  duration `toml:"flush_interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LogConfig controls the slog handler and optional file rotation.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:          "https://clob.polymarket.com",
			GammaHost:         "https://gamma-api.polymarket.com",
			DataHost:          "https://data-api.polymarket.com",
			WsHost:            "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			RPCURL:            "https://polygon-rpc.com",
			ChainID:           137,
			SignatureType:     0,
			RequestsPerSecond: 10,
		},
		Trading: TradingConfig{
			Symbols:                 []string{"btc", "eth", "xrp", "sol"},
			MinProfitThreshold:      0.001,
			ExecutionSpread:         0.01,
			MaxOrderSize:            100,
			RefreshAdvanceSecs:      5,
			Slippage:                "0,0.01",
			OrderType:               "GTD",
			GTDExpirationSecs:       300,
			MinTradeIntervalSecs:    3,
			MaxConcurrentExecutions: 8,
			OrderPollIntervalMs:     500,
			OrderWatchTimeoutSecs:   60,
			ExecutionLockTTL:        duration{2 * time.Minute},
		},
		Risk: RiskConfig{
			MaxExposure:        1000,
			ImbalanceThreshold: 0.1,
			BalanceThreshold:   2.0,
			BalanceMinTotal:    5.0,
		},
		Merge: MergeConfig{
			WindDownSellPrice: 0.01,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "updownarb-audit",
			ForcePathStyle: true,
			Prefix:         "audit",
			FlushInterval:  duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"pair_partial", "auth_failure", "ledger_violation", "wind_down"},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 7,
		},
		Mode: "run",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":        true,
	"merge":      true,
	"positions":  true,
	"test-order": true,
	"price":      true,
	"test-trade": true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// SlippagePair parses Trading.Slippage into the first and second leg
// tolerances. A single value applies to both legs.
func (t TradingConfig) SlippagePair() (float64, float64, error) {
	parts := strings.Split(t.Slippage, ",")
	if len(parts) == 0 || len(parts) > 2 {
		return 0, 0, fmt.Errorf("slippage %q: expected one or two comma-separated values", t.Slippage)
	}
	vals := make([]float64, 0, 2)
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, fmt.Errorf("slippage %q: %w", t.Slippage, err)
		}
		if v < 0 || v >= 1 {
			return 0, 0, fmt.Errorf("slippage %q: values must be in [0,1)", t.Slippage)
		}
		vals = append(vals, v)
	}
	if len(vals) == 1 {
		return vals[0], vals[0], nil
	}
	return vals[0], vals[1], nil
}

// StopBeforeEnd returns the trading cutoff before a window ends.
func (t TradingConfig) StopBeforeEnd() time.Duration {
	return time.Duration(t.StopBeforeEndMinutes) * time.Minute
}

// RefreshAdvance returns how early the next window is discovered.
func (t TradingConfig) RefreshAdvance() time.Duration {
	return time.Duration(t.RefreshAdvanceSecs) * time.Second
}

// LockTTL returns the execution lock lifetime.
func (t TradingConfig) LockTTL() time.Duration {
	return t.ExecutionLockTTL.Duration
}

// Interval returns the merge period, zero when disabled.
func (m MergeConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMinutes) * time.Minute
}

// ArchiveFlushInterval returns how often buffered audit records are uploaded.
func (s S3Config) ArchiveFlushInterval() time.Duration {
	return s.FlushInterval.Duration
}

// NeedsWallet reports whether the configured mode signs or reads wallet state.
func (c *Config) NeedsWallet() bool {
	return c.Mode != "price"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, merge, positions, test-order, price, test-trade)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0, 1 or 2, got %d", c.Polymarket.SignatureType))
	}
	ak := c.Polymarket.ApiKey != ""
	as := c.Polymarket.ApiSecret != ""
	ap := c.Polymarket.ApiPassphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase must all be set together")
	}
	if c.Polymarket.RequestsPerSecond <= 0 {
		errs = append(errs, "polymarket: requests_per_second must be > 0")
	}

	// Trading
	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, "trading: CRYPTO_SYMBOLS must list at least one symbol")
	}
	if c.Trading.MaxOrderSize <= 0 {
		errs = append(errs, "trading: MAX_ORDER_SIZE_USDC must be > 0")
	}
	if c.Trading.ExecutionSpread < 0 || c.Trading.ExecutionSpread >= 1 {
		errs = append(errs, "trading: ARBITRAGE_EXECUTION_SPREAD must be in [0,1)")
	}
	if c.Trading.MinProfitThreshold < 0 {
		errs = append(errs, "trading: MIN_PROFIT_THRESHOLD must be >= 0")
	}
	if c.Trading.MinYesPrice < 0 || c.Trading.MinYesPrice >= 1 {
		errs = append(errs, "trading: MIN_YES_PRICE_THRESHOLD must be in [0,1)")
	}
	if c.Trading.MinNoPrice < 0 || c.Trading.MinNoPrice >= 1 {
		errs = append(errs, "trading: MIN_NO_PRICE_THRESHOLD must be in [0,1)")
	}
	if c.Trading.RefreshAdvanceSecs < 0 || c.Trading.RefreshAdvanceSecs >= 300 {
		errs = append(errs, "trading: MARKET_REFRESH_ADVANCE_SECS must be in [0,300)")
	}
	if c.Trading.StopBeforeEndMinutes < 0 {
		errs = append(errs, "trading: STOP_ARBITRAGE_BEFORE_END_MINUTES must be >= 0")
	}
	if _, _, err := c.Trading.SlippagePair(); err != nil {
		errs = append(errs, "trading: "+err.Error())
	}
	switch strings.ToUpper(c.Trading.OrderType) {
	case "GTC", "GTD", "FOK", "FAK":
	default:
		errs = append(errs, fmt.Sprintf("trading: unknown order type %q (valid: GTC, GTD, FOK, FAK)", c.Trading.OrderType))
	}
	if strings.EqualFold(c.Trading.OrderType, "GTD") && c.Trading.GTDExpirationSecs <= 0 {
		errs = append(errs, "trading: GTD_EXPIRATION_SECS must be > 0 for GTD orders")
	}
	if c.Trading.MaxConcurrentExecutions < 1 {
		errs = append(errs, "trading: max_concurrent_executions must be >= 1")
	}
	if c.Trading.OrderPollIntervalMs <= 0 {
		errs = append(errs, "trading: order_poll_interval_ms must be > 0")
	}

	// Risk
	if c.Risk.MaxExposure <= 0 {
		errs = append(errs, "risk: RISK_MAX_EXPOSURE_USDC must be > 0")
	}
	if c.Risk.ImbalanceThreshold <= 0 || c.Risk.ImbalanceThreshold > 1 {
		errs = append(errs, "risk: RISK_IMBALANCE_THRESHOLD must be in (0,1]")
	}
	if c.Risk.BalanceIntervalSecs < 0 {
		errs = append(errs, "risk: POSITION_BALANCE_INTERVAL_SECS must be >= 0")
	}

	// Merge
	if c.Merge.IntervalMinutes < 0 {
		errs = append(errs, "merge: MERGE_INTERVAL_MINUTES must be >= 0")
	}
	if c.Merge.MaxAmount < 0 {
		errs = append(errs, "merge: MERGE_MAX_AMOUNT must be >= 0")
	}
	if c.Merge.WindDownSellPrice <= 0 || c.Merge.WindDownSellPrice >= 1 {
		errs = append(errs, "merge: WIND_DOWN_SELL_PRICE must be in (0,1)")
	}
	if (c.Merge.IntervalMinutes > 0 || c.Merge.WindDownBeforeEndMinutes > 0) && c.Polymarket.RPCURL == "" {
		errs = append(errs, "polymarket: rpc_url is required when merging is enabled")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.FlushInterval.Duration <= 0 {
			errs = append(errs, "s3: flush_interval must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
