package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	s3blob "github.com/alanyoungcy/polyguard/internal/blob/s3"
	"github.com/alanyoungcy/polyguard/internal/cache/redis"
	"github.com/alanyoungcy/polyguard/internal/config"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/notify"
	"github.com/alanyoungcy/polyguard/internal/server/handler"
	"github.com/alanyoungcy/polyguard/internal/store/local"
	"github.com/alanyoungcy/polyguard/internal/store/postgres"
)

// quoteTTL bounds how long a mirrored quote is served from Redis.
const quoteTTL = 2 * time.Minute

// Dependencies bundles the infrastructure the run modes build on. Every
// field is optional: a nil store or cache means the matching section is
// disabled and the engine falls back to in-memory state.
type Dependencies struct {
	// Stores
	Positions domain.PositionRepository
	Trades    domain.TradeStore
	Audit     domain.AuditStore

	// Caches
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	SignalBus   domain.SignalBus
	Quotes      domain.QuoteCache
	Blacklist   domain.BlacklistStore

	// Blob storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Checks are probed by GET /api/health.
	Checks []handler.Checker
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	var (
		tradeStore *postgres.TradeStore
		auditStore *postgres.AuditStore
	)

	// --- PostgreSQL ---
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		tradeStore = postgres.NewTradeStore(pool)
		auditStore = postgres.NewAuditStore(pool)
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Trades = tradeStore
		deps.Audit = auditStore
		deps.Checks = append(deps.Checks, handler.Checker{Name: "postgres", Check: pgClient.Ping})
	} else {
		positions, trades, err := localStores(cfg.Local.DataDir)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: local store: %w", err)
		}
		deps.Positions = positions
		deps.Trades = trades
		logger.Info("supabase disabled, using local store", slog.String("data_dir", cfg.Local.DataDir))
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Quotes = redis.NewQuoteCache(redisClient, quoteTTL)
		deps.Blacklist = redis.NewBlacklistStore(redisClient)
		deps.Checks = append(deps.Checks, handler.Checker{Name: "redis", Check: redisClient.Ping})
	}

	// --- S3 archive ---
	if cfg.S3.Enabled && tradeStore != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Prefix:         cfg.S3.Prefix,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), tradeStore, auditStore, auditStore)
		deps.Checks = append(deps.Checks, handler.Checker{Name: "s3", Check: s3Client.Health})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// localStores opens the JSON-file stores under dir. An empty dir keeps them
// in memory.
func localStores(dir string) (*local.PositionStore, *local.TradeStore, error) {
	var posPath, tradePath string
	if dir != "" {
		posPath = filepath.Join(dir, "positions.json")
		tradePath = filepath.Join(dir, "trades.json")
	}
	positions, err := local.NewPositionStore(posPath)
	if err != nil {
		return nil, nil, err
	}
	trades, err := local.NewTradeStore(tradePath)
	if err != nil {
		return nil, nil, err
	}
	return positions, trades, nil
}
