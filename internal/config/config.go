// Package config defines the top-level configuration for polyguard and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/pipeline"
	"github.com/alanyoungcy/polyguard/internal/position"
	"github.com/alanyoungcy/polyguard/internal/scanner"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYGUARD_* environment variables.
type Config struct {
	Scanner    ScannerConfig    `toml:"scanner"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Risk       RiskConfig       `toml:"risk"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Execution  ExecutionConfig  `toml:"execution"`
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Redis      RedisConfig      `toml:"redis"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Local      LocalConfig      `toml:"local"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ScannerConfig holds the market filter thresholds and scan sizing.
type ScannerConfig struct {
	MinOdds                    float64              `toml:"min_odds"`
	MaxOdds                    float64              `toml:"max_odds"`
	MinDaysToResolve           float64              `toml:"min_days_to_resolve"`
	MaxDaysToResolve           float64              `toml:"max_days_to_resolve"`
	MinLiquidityUSD            float64              `toml:"min_liquidity_usd"`
	MaxSpreadPercent           float64              `toml:"max_spread_percent"`
	MaxMarkets                 int                  `toml:"max_markets"`
	PageSize                   int                  `toml:"page_size"`
	MaxMarketDetailFetch       int                  `toml:"max_market_detail_fetch"`
	MaxConsecutivePageFailures int                  `toml:"max_consecutive_page_failures"`
	FetchTimeout               duration             `toml:"fetch_timeout"`
	AutoOpen                   bool                 `toml:"auto_open"`
	ScoreWeights               scanner.ScoreWeights `toml:"score_weights"`
}

// RateLimitConfig bounds outbound venue calls. Backend "redis" shares the
// window across processes.
type RateLimitConfig struct {
	MaxCallsPerMinute int      `toml:"max_calls_per_minute"`
	Window            duration `toml:"window"`
	Backend           string   `toml:"backend"`
}

// RiskConfig holds the sell floor, entry gate and blacklist settings.
type RiskConfig struct {
	MinSellRatio         float64                     `toml:"min_sell_ratio"`
	MaxPositions         int                         `toml:"max_positions"`
	Cooldown             duration                    `toml:"cooldown"`
	DailyLossLimit       float64                     `toml:"daily_loss_limit"`
	BlacklistDays        int                         `toml:"blacklist_days"`
	BlacklistMaxAttempts int                         `toml:"blacklist_max_attempts"`
	PositionSize         float64                     `toml:"position_size"`
	TPSLByOdds           map[string]position.Bracket `toml:"tp_sl_by_odds"`
}

// SchedulerConfig sets the two cadences and the exit worker pool.
type SchedulerConfig struct {
	LoopIntervalSeconds          int      `toml:"loop_interval_seconds"`
	PositionCheckIntervalSeconds int      `toml:"position_check_interval_seconds"`
	ScanGrace                    duration `toml:"scan_grace"`
	ScanOnStart                  bool     `toml:"scan_on_start"`
	ExitWorkers                  int      `toml:"exit_workers"`
	PriceStaleness               duration `toml:"price_staleness"`
	CallTimeout                  duration `toml:"call_timeout"`
}

// ScanInterval is the market scan cadence.
func (s SchedulerConfig) ScanInterval() time.Duration {
	return time.Duration(s.LoopIntervalSeconds) * time.Second
}

// CheckInterval is the position check cadence.
func (s SchedulerConfig) CheckInterval() time.Duration {
	return time.Duration(s.PositionCheckIntervalSeconds) * time.Second
}

// ExecutionConfig controls order submission.
type ExecutionConfig struct {
	DryRun           bool     `toml:"dry_run"`
	RetryAttempts    int      `toml:"retry_attempts"`
	RetryBackoff     duration `toml:"retry_backoff"`
	OrderTimeout     duration `toml:"order_timeout"`
	FillPollInterval duration `toml:"fill_poll_interval"`
	OrderType        string   `toml:"order_type"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost     string   `toml:"clob_host"`
	GammaHost    string   `toml:"gamma_host"`
	WsHost       string   `toml:"ws_host"`
	ChainID      int      `toml:"chain_id"`
	NegRisk      bool     `toml:"neg_risk"`
	HTTPTimeout  duration `toml:"http_timeout"`
	FeedInterval duration `toml:"feed_interval"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Prefix     string `toml:"prefix"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
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

// LocalConfig places the JSON files that stand in for PostgreSQL when
// supabase is disabled. An empty DataDir keeps state in memory only.
type LocalConfig struct {
	DataDir string `toml:"data_dir"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	Prefix         string `toml:"prefix"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the cold archive of trades and audit entries.
type ArchiveConfig struct {
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
	SweepCron     string `toml:"sweep_cron"`
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

// ServerConfig holds HTTP reporting server parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKey             string   `toml:"api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Scanner: ScannerConfig{
			MinOdds:                    0.30,
			MaxOdds:                    0.70,
			MinDaysToResolve:           0,
			MaxDaysToResolve:           30,
			MinLiquidityUSD:            100,
			MaxSpreadPercent:           5.0,
			MaxMarkets:                 100,
			PageSize:                   50,
			MaxMarketDetailFetch:       20,
			MaxConsecutivePageFailures: 3,
			FetchTimeout:               duration{15 * time.Second},
			ScoreWeights:               scanner.DefaultScoreWeights(),
		},
		RateLimit: RateLimitConfig{
			MaxCallsPerMinute: 300,
			Window:            duration{time.Minute},
			Backend:           "memory",
		},
		Risk: RiskConfig{
			MinSellRatio:         0.5,
			MaxPositions:         5,
			Cooldown:             duration{5 * time.Minute},
			DailyLossLimit:       3.0,
			BlacklistDays:        3,
			BlacklistMaxAttempts: 2,
			PositionSize:         5.0,
			TPSLByOdds:           position.DefaultBrackets(),
		},
		Scheduler: SchedulerConfig{
			LoopIntervalSeconds:          120,
			PositionCheckIntervalSeconds: 10,
			ScanGrace:                    duration{30 * time.Second},
			ExitWorkers:                  4,
			PriceStaleness:               duration{30 * time.Second},
			CallTimeout:                  duration{10 * time.Second},
		},
		Execution: ExecutionConfig{
			DryRun:           true,
			RetryAttempts:    3,
			RetryBackoff:     duration{5 * time.Second},
			OrderTimeout:     duration{30 * time.Second},
			FillPollInterval: duration{time.Second},
			OrderType:        string(domain.OrderTypeGTC),
		},
		Polymarket: PolymarketConfig{
			ClobHost:     "https://clob.polymarket.com",
			GammaHost:    "https://gamma-api.polymarket.com",
			WsHost:       "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:      137,
			HTTPTimeout:  duration{15 * time.Second},
			FeedInterval: duration{5 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Prefix:     "polyguard",
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Local: LocalConfig{DataDir: "data"},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyguard-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:          "0 3 * * *",
			RetentionDays: 30,
			SweepCron:     "15 0 * * *",
		},
		Server: ServerConfig{
			Enabled:            true,
			Host:               "0.0.0.0",
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000"},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"exit_filled", "min_price_violation"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"monitor": true,
	"scan":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a single
// ErrConfiguration-wrapped error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, monitor, scan)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Scanner
	s := c.Scanner
	if s.MinOdds <= 0 || s.MinOdds >= 1 || s.MaxOdds <= 0 || s.MaxOdds >= 1 {
		errs = append(errs, fmt.Sprintf("scanner: odds bounds must be inside (0,1), got [%.2f, %.2f]", s.MinOdds, s.MaxOdds))
	} else if s.MinOdds > s.MaxOdds {
		errs = append(errs, fmt.Sprintf("scanner: min_odds %.2f exceeds max_odds %.2f", s.MinOdds, s.MaxOdds))
	}
	if s.MinDaysToResolve < 0 || s.MinDaysToResolve > s.MaxDaysToResolve {
		errs = append(errs, fmt.Sprintf("scanner: days_to_resolve range [%.1f, %.1f] is invalid", s.MinDaysToResolve, s.MaxDaysToResolve))
	}
	if s.MinLiquidityUSD < 0 {
		errs = append(errs, "scanner: min_liquidity_usd must be >= 0")
	}
	if s.MaxSpreadPercent <= 0 {
		errs = append(errs, "scanner: max_spread_percent must be > 0")
	}
	if s.PageSize < 1 || s.MaxMarkets < 1 {
		errs = append(errs, "scanner: page_size and max_markets must be >= 1")
	}
	if s.MaxMarketDetailFetch < 0 {
		errs = append(errs, "scanner: max_market_detail_fetch must be >= 0")
	}
	if s.MaxConsecutivePageFailures < 1 {
		errs = append(errs, "scanner: max_consecutive_page_failures must be >= 1")
	}
	if s.FetchTimeout.Duration <= 0 {
		errs = append(errs, "scanner: fetch_timeout must be > 0")
	}

	// Rate limit
	if c.RateLimit.MaxCallsPerMinute < 1 {
		errs = append(errs, "rate_limit: max_calls_per_minute must be >= 1")
	}
	if c.RateLimit.Window.Duration <= 0 {
		errs = append(errs, "rate_limit: window must be > 0")
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "rate_limit: backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("rate_limit: unknown backend %q (valid: memory, redis)", c.RateLimit.Backend))
	}

	// Risk
	if c.Risk.MinSellRatio <= 0 || c.Risk.MinSellRatio > 1 {
		errs = append(errs, fmt.Sprintf("risk: min_sell_ratio must be in (0,1], got %.3f", c.Risk.MinSellRatio))
	}
	if c.Risk.MaxPositions < 1 {
		errs = append(errs, "risk: max_positions must be >= 1")
	}
	if c.Risk.BlacklistDays < 0 || c.Risk.BlacklistMaxAttempts < 1 {
		errs = append(errs, "risk: blacklist_days must be >= 0 and blacklist_max_attempts >= 1")
	}
	if c.Risk.PositionSize <= 0 {
		errs = append(errs, "risk: position_size must be > 0")
	}
	if err := position.ValidateBrackets(c.Risk.TPSLByOdds); err != nil {
		errs = append(errs, "risk: tp_sl_by_odds: "+err.Error())
	}

	// Scheduler
	if c.Scheduler.LoopIntervalSeconds <= 0 || c.Scheduler.PositionCheckIntervalSeconds <= 0 {
		errs = append(errs, "scheduler: loop_interval_seconds and position_check_interval_seconds must be > 0")
	} else if c.Scheduler.PositionCheckIntervalSeconds > c.Scheduler.LoopIntervalSeconds {
		errs = append(errs, fmt.Sprintf("scheduler: position_check_interval_seconds %d exceeds loop_interval_seconds %d",
			c.Scheduler.PositionCheckIntervalSeconds, c.Scheduler.LoopIntervalSeconds))
	}
	if c.Scheduler.ExitWorkers < 1 {
		errs = append(errs, "scheduler: exit_workers must be >= 1")
	}
	if c.Scheduler.PriceStaleness.Duration <= 0 || c.Scheduler.CallTimeout.Duration <= 0 {
		errs = append(errs, "scheduler: price_staleness and call_timeout must be > 0")
	}

	// Execution
	if c.Execution.RetryAttempts < 1 {
		errs = append(errs, "execution: retry_attempts must be >= 1")
	}
	if c.Execution.RetryBackoff.Duration <= 0 || c.Execution.OrderTimeout.Duration <= 0 || c.Execution.FillPollInterval.Duration <= 0 {
		errs = append(errs, "execution: retry_backoff, order_timeout and fill_poll_interval must be > 0")
	}
	switch domain.OrderType(c.Execution.OrderType) {
	case domain.OrderTypeGTC, domain.OrderTypeFOK, domain.OrderTypeFAK:
	default:
		errs = append(errs, fmt.Sprintf("execution: unknown order_type %q", c.Execution.OrderType))
	}

	// Wallet: live selling needs a signing key.
	if !c.Execution.DryRun && !strings.EqualFold(c.Mode, "scan") {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when execution.dry_run is false")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" || c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: clob_host and gamma_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
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

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Live positions must outlive the process.
	if !c.Execution.DryRun && !strings.EqualFold(c.Mode, "scan") && !c.Supabase.Enabled && strings.TrimSpace(c.Local.DataDir) == "" {
		errs = append(errs, "local: data_dir is required when execution.dry_run is false and supabase is disabled")
	}

	// S3 and archive
	if c.S3.Enabled {
		if c.S3.Bucket == "" || c.S3.Region == "" {
			errs = append(errs, "s3: bucket and region must not be empty")
		}
		if !c.Supabase.Enabled {
			errs = append(errs, "s3: the archive reads from supabase, which is disabled")
		}
		if err := pipeline.ValidateSpec(c.Archive.Cron); err != nil {
			errs = append(errs, "archive: "+err.Error())
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}
	if c.Archive.SweepCron != "" {
		if err := pipeline.ValidateSpec(c.Archive.SweepCron); err != nil {
			errs = append(errs, "archive: sweep_cron: "+err.Error())
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMinute < 0 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: config validation failed:\n  - %s", domain.ErrConfiguration, strings.Join(errs, "\n  - "))
	}
	return nil
}

// FilterConfig maps the [scanner] thresholds onto the filter pipeline.
func (c *Config) FilterConfig() scanner.FilterConfig {
	return scanner.FilterConfig{
		MinOdds:          c.Scanner.MinOdds,
		MaxOdds:          c.Scanner.MaxOdds,
		MinDays:          c.Scanner.MinDaysToResolve,
		MaxDays:          c.Scanner.MaxDaysToResolve,
		MinLiquidityUSD:  c.Scanner.MinLiquidityUSD,
		MaxSpreadPercent: c.Scanner.MaxSpreadPercent,
	}
}

// ScanConfig maps the [scanner] sizing onto the scanner.
func (c *Config) ScanConfig() scanner.Config {
	return scanner.Config{
		PageSize:               c.Scanner.PageSize,
		MaxMarkets:             c.Scanner.MaxMarkets,
		MaxDetailFetch:         c.Scanner.MaxMarketDetailFetch,
		MaxConsecutiveFailures: c.Scanner.MaxConsecutivePageFailures,
		FetchTimeout:           c.Scanner.FetchTimeout.Duration,
		Weights:                c.Scanner.ScoreWeights,
	}
}

// GateConfig maps [risk] onto the entry gate.
func (c *Config) GateConfig() position.GateConfig {
	return position.GateConfig{
		MaxPositions:   c.Risk.MaxPositions,
		Cooldown:       c.Risk.Cooldown.Duration,
		DailyLossLimit: c.Risk.DailyLossLimit,
		Brackets:       c.Risk.TPSLByOdds,
	}
}
