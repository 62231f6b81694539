package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies environment variable overrides, and returns the
// final Config. A missing file is not an error: the defaults plus environment
// are a complete configuration. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads the recognised environment variables and overwrites
// the corresponding Config fields when a variable is set (i.e. not empty).
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYMARKET_PRIVATE_KEY")
	setStr(&cfg.Wallet.ProxyAddress, "POLYMARKET_PROXY_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "UPDOWNARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "UPDOWNARB_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "UPDOWNARB_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "UPDOWNARB_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.DataHost, "UPDOWNARB_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.WsHost, "UPDOWNARB_POLYMARKET_WS_HOST")
	setStr(&cfg.Polymarket.RPCURL, "UPDOWNARB_POLYMARKET_RPC_URL")
	setInt(&cfg.Polymarket.ChainID, "UPDOWNARB_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "UPDOWNARB_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "POLYMARKET_API_PASSPHRASE")
	setFloat64(&cfg.Polymarket.RequestsPerSecond, "UPDOWNARB_POLYMARKET_REQUESTS_PER_SECOND")

	// ── Trading ──
	setStringSlice(&cfg.Trading.Symbols, "CRYPTO_SYMBOLS")
	setFloat64(&cfg.Trading.MinProfitThreshold, "MIN_PROFIT_THRESHOLD")
	setFloat64(&cfg.Trading.ExecutionSpread, "ARBITRAGE_EXECUTION_SPREAD")
	setFloat64(&cfg.Trading.MaxOrderSize, "MAX_ORDER_SIZE_USDC")
	setFloat64(&cfg.Trading.MinYesPrice, "MIN_YES_PRICE_THRESHOLD")
	setFloat64(&cfg.Trading.MinNoPrice, "MIN_NO_PRICE_THRESHOLD")
	setInt(&cfg.Trading.RefreshAdvanceSecs, "MARKET_REFRESH_ADVANCE_SECS")
	setInt(&cfg.Trading.StopBeforeEndMinutes, "STOP_ARBITRAGE_BEFORE_END_MINUTES")
	setStr(&cfg.Trading.Slippage, "SLIPPAGE")
	setStr(&cfg.Trading.OrderType, "ARBITRAGE_ORDER_TYPE")
	setInt(&cfg.Trading.GTDExpirationSecs, "GTD_EXPIRATION_SECS")
	setInt(&cfg.Trading.MinTradeIntervalSecs, "MIN_TRADE_INTERVAL_SECS")
	setInt(&cfg.Trading.MaxConcurrentExecutions, "MAX_CONCURRENT_EXECUTIONS")
	setInt(&cfg.Trading.OrderPollIntervalMs, "ORDER_POLL_INTERVAL_MS")
	setInt(&cfg.Trading.OrderWatchTimeoutSecs, "ORDER_WATCH_TIMEOUT_SECS")
	setDuration(&cfg.Trading.ExecutionLockTTL, "UPDOWNARB_EXECUTION_LOCK_TTL")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxExposure, "RISK_MAX_EXPOSURE_USDC")
	setFloat64(&cfg.Risk.ImbalanceThreshold, "RISK_IMBALANCE_THRESHOLD")
	setInt(&cfg.Risk.BalanceIntervalSecs, "POSITION_BALANCE_INTERVAL_SECS")
	setFloat64(&cfg.Risk.BalanceThreshold, "POSITION_BALANCE_THRESHOLD")
	setFloat64(&cfg.Risk.BalanceMinTotal, "POSITION_BALANCE_MIN_TOTAL")

	// ── Merge ──
	setInt(&cfg.Merge.IntervalMinutes, "MERGE_INTERVAL_MINUTES")
	setFloat64(&cfg.Merge.MaxAmount, "MERGE_MAX_AMOUNT")
	setInt(&cfg.Merge.WindDownBeforeEndMinutes, "WIND_DOWN_BEFORE_WINDOW_END_MINUTES")
	setFloat64(&cfg.Merge.WindDownSellPrice, "WIND_DOWN_SELL_PRICE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "UPDOWNARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "UPDOWNARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "UPDOWNARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "UPDOWNARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "UPDOWNARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "UPDOWNARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "UPDOWNARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "UPDOWNARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "UPDOWNARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "UPDOWNARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "UPDOWNARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "UPDOWNARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "UPDOWNARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "UPDOWNARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "UPDOWNARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "UPDOWNARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "UPDOWNARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "UPDOWNARB_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "UPDOWNARB_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "UPDOWNARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "UPDOWNARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "UPDOWNARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "UPDOWNARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "UPDOWNARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "UPDOWNARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "UPDOWNARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "UPDOWNARB_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "UPDOWNARB_S3_PREFIX")
	setDuration(&cfg.S3.FlushInterval, "UPDOWNARB_S3_FLUSH_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "UPDOWNARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "UPDOWNARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "UPDOWNARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "UPDOWNARB_NOTIFY_EVENTS")

	// ── Log ──
	setStr(&cfg.Log.Level, "UPDOWNARB_LOG_LEVEL")
	setStr(&cfg.Log.File, "UPDOWNARB_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "UPDOWNARB_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "UPDOWNARB_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "UPDOWNARB_LOG_MAX_AGE_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "UPDOWNARB_MODE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
