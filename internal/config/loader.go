package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYGUARD_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrConfiguration, path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Scanner ──
	setFloat64(&cfg.Scanner.MinOdds, "POLYGUARD_SCANNER_MIN_ODDS")
	setFloat64(&cfg.Scanner.MaxOdds, "POLYGUARD_SCANNER_MAX_ODDS")
	setFloat64(&cfg.Scanner.MinDaysToResolve, "POLYGUARD_SCANNER_MIN_DAYS_TO_RESOLVE")
	setFloat64(&cfg.Scanner.MaxDaysToResolve, "POLYGUARD_SCANNER_MAX_DAYS_TO_RESOLVE")
	setFloat64(&cfg.Scanner.MinLiquidityUSD, "POLYGUARD_SCANNER_MIN_LIQUIDITY_USD")
	setFloat64(&cfg.Scanner.MaxSpreadPercent, "POLYGUARD_SCANNER_MAX_SPREAD_PERCENT")
	setInt(&cfg.Scanner.MaxMarkets, "POLYGUARD_SCANNER_MAX_MARKETS")
	setInt(&cfg.Scanner.PageSize, "POLYGUARD_SCANNER_PAGE_SIZE")
	setInt(&cfg.Scanner.MaxMarketDetailFetch, "POLYGUARD_SCANNER_MAX_MARKET_DETAIL_FETCH")
	setDuration(&cfg.Scanner.FetchTimeout, "POLYGUARD_SCANNER_FETCH_TIMEOUT")
	setBool(&cfg.Scanner.AutoOpen, "POLYGUARD_SCANNER_AUTO_OPEN")

	// ── Rate limit ──
	setInt(&cfg.RateLimit.MaxCallsPerMinute, "POLYGUARD_RATE_LIMIT_MAX_CALLS_PER_MINUTE")
	setDuration(&cfg.RateLimit.Window, "POLYGUARD_RATE_LIMIT_WINDOW")
	setStr(&cfg.RateLimit.Backend, "POLYGUARD_RATE_LIMIT_BACKEND")

	// ── Risk ──
	setFloat64(&cfg.Risk.MinSellRatio, "POLYGUARD_RISK_MIN_SELL_RATIO")
	setInt(&cfg.Risk.MaxPositions, "POLYGUARD_RISK_MAX_POSITIONS")
	setDuration(&cfg.Risk.Cooldown, "POLYGUARD_RISK_COOLDOWN")
	setFloat64(&cfg.Risk.DailyLossLimit, "POLYGUARD_RISK_DAILY_LOSS_LIMIT")
	setInt(&cfg.Risk.BlacklistDays, "POLYGUARD_RISK_BLACKLIST_DAYS")
	setInt(&cfg.Risk.BlacklistMaxAttempts, "POLYGUARD_RISK_BLACKLIST_MAX_ATTEMPTS")
	setFloat64(&cfg.Risk.PositionSize, "POLYGUARD_RISK_POSITION_SIZE")

	// ── Scheduler ──
	setInt(&cfg.Scheduler.LoopIntervalSeconds, "POLYGUARD_SCHEDULER_LOOP_INTERVAL_SECONDS")
	setInt(&cfg.Scheduler.PositionCheckIntervalSeconds, "POLYGUARD_SCHEDULER_POSITION_CHECK_INTERVAL_SECONDS")
	setDuration(&cfg.Scheduler.ScanGrace, "POLYGUARD_SCHEDULER_SCAN_GRACE")
	setBool(&cfg.Scheduler.ScanOnStart, "POLYGUARD_SCHEDULER_SCAN_ON_START")
	setInt(&cfg.Scheduler.ExitWorkers, "POLYGUARD_SCHEDULER_EXIT_WORKERS")
	setDuration(&cfg.Scheduler.PriceStaleness, "POLYGUARD_SCHEDULER_PRICE_STALENESS")
	setDuration(&cfg.Scheduler.CallTimeout, "POLYGUARD_SCHEDULER_CALL_TIMEOUT")

	// ── Execution ──
	setBool(&cfg.Execution.DryRun, "POLYGUARD_EXECUTION_DRY_RUN")
	setInt(&cfg.Execution.RetryAttempts, "POLYGUARD_EXECUTION_RETRY_ATTEMPTS")
	setDuration(&cfg.Execution.RetryBackoff, "POLYGUARD_EXECUTION_RETRY_BACKOFF")
	setDuration(&cfg.Execution.OrderTimeout, "POLYGUARD_EXECUTION_ORDER_TIMEOUT")
	setDuration(&cfg.Execution.FillPollInterval, "POLYGUARD_EXECUTION_FILL_POLL_INTERVAL")
	setStr(&cfg.Execution.OrderType, "POLYGUARD_EXECUTION_ORDER_TYPE")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYGUARD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYGUARD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYGUARD_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYGUARD_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYGUARD_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYGUARD_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYGUARD_POLYMARKET_CHAIN_ID")
	setBool(&cfg.Polymarket.NegRisk, "POLYGUARD_POLYMARKET_NEG_RISK")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYGUARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYGUARD_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "POLYGUARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "POLYGUARD_REDIS_PREFIX")

	// ── Supabase ──
	setStr(&cfg.Local.DataDir, "POLYGUARD_LOCAL_DATA_DIR")
	setBool(&cfg.Supabase.Enabled, "POLYGUARD_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "POLYGUARD_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "POLYGUARD_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "POLYGUARD_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "POLYGUARD_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "POLYGUARD_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "POLYGUARD_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "POLYGUARD_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "POLYGUARD_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "POLYGUARD_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "POLYGUARD_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "POLYGUARD_SUPABASE_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYGUARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYGUARD_S3_SECRET_KEY")
	setStr(&cfg.S3.Prefix, "POLYGUARD_S3_PREFIX")
	setBool(&cfg.S3.UseSSL, "POLYGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYGUARD_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setStr(&cfg.Archive.Cron, "POLYGUARD_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "POLYGUARD_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.SweepCron, "POLYGUARD_ARCHIVE_SWEEP_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYGUARD_SERVER_ENABLED")
	setStr(&cfg.Server.Host, "POLYGUARD_SERVER_HOST")
	setInt(&cfg.Server.Port, "POLYGUARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYGUARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYGUARD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "POLYGUARD_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYGUARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYGUARD_MODE")
	setStr(&cfg.LogLevel, "POLYGUARD_LOG_LEVEL")
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
