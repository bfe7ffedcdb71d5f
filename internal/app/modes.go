package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/executor"
	"github.com/alanyoungcy/polyguard/internal/exit"
	"github.com/alanyoungcy/polyguard/internal/feed"
	"github.com/alanyoungcy/polyguard/internal/pipeline"
	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
	"github.com/alanyoungcy/polyguard/internal/position"
	"github.com/alanyoungcy/polyguard/internal/ratelimit"
	"github.com/alanyoungcy/polyguard/internal/scanner"
	"github.com/alanyoungcy/polyguard/internal/scheduler"
	"github.com/alanyoungcy/polyguard/internal/server"
	"github.com/alanyoungcy/polyguard/internal/server/handler"
	"github.com/alanyoungcy/polyguard/internal/server/ws"
)

const (
	venueLimiterKey = "venue"
	recentExits     = 200
)

// engine is the set of components every mode shares.
type engine struct {
	positions *position.Store
	blacklist *position.Blacklist
	live      *feed.LivePrices
	scan      *scanner.Scanner
	exec      *executor.Executor
	events    *executor.EventLog
	monitor   *executor.Monitor
	hub       *ws.Hub
}

// FullMode runs position checks, market scans, the price feed,
// housekeeping jobs and the reporting server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("dry_run", a.cfg.Execution.DryRun),
		slog.Bool("auto_open", a.cfg.Scanner.AutoOpen),
	)
	e, err := a.buildEngine(ctx, deps, true)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	sched := scheduler.New(a.schedulerConfig(), e.monitor, e.scan, a.base,
		scheduler.WithScanHandler(a.onScan(e)),
	)
	return a.run(ctx, deps, e, sched)
}

// MonitorMode watches the held positions only. No markets are scanned and
// no positions are opened.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode", slog.Bool("dry_run", a.cfg.Execution.DryRun))
	e, err := a.buildEngine(ctx, deps, true)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	sched := scheduler.New(a.schedulerConfig(), e.monitor, nil, a.base)
	return a.run(ctx, deps, e, sched)
}

// ScanMode runs a single scan, logs the ranked candidates and exits.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode")
	e, err := a.buildEngine(ctx, deps, false)
	if err != nil {
		return fmt.Errorf("scan mode: %w", err)
	}

	res, err := e.scan.Scan(ctx, a.cfg.Scanner.PageSize, a.cfg.Scanner.MaxMarkets)
	for i, c := range res.Accepted {
		a.logger.InfoContext(ctx, "candidate",
			slog.Int("rank", i+1),
			slog.String("market_id", c.MarketID),
			slog.String("token_id", c.TokenID),
			slog.String("outcome", c.Outcome),
			slog.String("question", c.Question),
			slog.Float64("odds", c.Odds),
			slog.Float64("spread_percent", c.SpreadPercent),
			slog.Float64("score", c.Score),
		)
	}
	a.logger.InfoContext(ctx, "scan finished",
		slog.Int("markets_seen", res.Stats.MarketsSeen),
		slog.Int("accepted", res.Stats.Accepted),
		slog.Int("rejected", res.Stats.Rejected),
		slog.Int("page_failures", res.Stats.PageFailures),
		slog.Any("reject_reasons", res.Stats.RejectReasons),
	)
	if err != nil {
		return fmt.Errorf("scan mode: %w", err)
	}
	return nil
}

// run starts the long-lived goroutines of the monitoring modes and waits
// for all of them.
func (a *App) run(ctx context.Context, deps *Dependencies, e *engine, sched *scheduler.Scheduler) error {
	if !a.cfg.Execution.DryRun && deps.Notifier != nil && deps.Notifier.Enabled() {
		msg := fmt.Sprintf("mode=%s holding=%d", a.cfg.Mode, len(e.positions.Holding()))
		if err := deps.Notifier.NotifyAll(ctx, "polyguard live trading started", msg); err != nil {
			a.logger.WarnContext(ctx, "startup notification failed", slog.String("error", err.Error()))
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(ctx)
	})

	if a.cfg.Polymarket.WsHost != "" {
		stream := polymarket.NewWSClient(a.cfg.Polymarket.WsHost, a.base)
		wsFeed := feed.NewPolymarketWSFeed(stream, e.live, e.positions, a.cfg.Polymarket.FeedInterval.Duration, a.base)
		g.Go(func() error {
			return wsFeed.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "polymarket.ws_host is empty, every price is pulled on demand")
	}

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.base)
	}
	jobs := pipeline.NewJobs(archiver, a.cfg.Archive.Cron, e.blacklist, a.cfg.Archive.SweepCron, a.base)
	g.Go(func() error {
		return jobs.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, e, sched)
	}

	return g.Wait()
}

// buildEngine wires the venue clients, the position state and the exit
// path. Persisted positions are restored before it returns. Without
// trading the wallet is never loaded and every order path stays dry.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies, trading bool) (*engine, error) {
	cfg := a.cfg
	callTimeout := cfg.Scheduler.CallTimeout.Duration
	dryRun := cfg.Execution.DryRun || !trading

	limiter, err := a.venueLimiter(deps)
	if err != nil {
		return nil, err
	}

	var signer *crypto.Signer
	if trading {
		if signer, err = a.loadSigner(); err != nil {
			return nil, err
		}
	}
	if !dryRun && signer == nil {
		return nil, fmt.Errorf("app: %w: live execution needs a wallet key", domain.ErrConfiguration)
	}

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, cfg.Polymarket.HTTPTimeout.Duration)
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, cfg.Polymarket.HTTPTimeout.Duration, signer, nil)
	if !dryRun {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, fmt.Errorf("app: derive clob api key: %w", err)
		}
	}

	positions := position.NewStore(deps.Positions, a.base)
	n, err := positions.Load(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "positions restored", slog.Int("active", n))

	blacklist := position.NewBlacklist(deps.Blacklist, cfg.Risk.BlacklistDays, cfg.Risk.BlacklistMaxAttempts, a.base)
	if err := blacklist.Load(ctx); err != nil {
		a.logger.WarnContext(ctx, "blacklist restore failed, starting empty", slog.String("error", err.Error()))
	}
	gate := position.NewGate(cfg.GateConfig(), positions, deps.Trades, blacklist, a.base)

	live := feed.NewLivePrices(a.base)
	if deps.Quotes != nil {
		live.WithQuoteCache(deps.Quotes)
	}

	evaluator := exit.New(live, clob, limiter, exit.Config{
		Staleness:   cfg.Scheduler.PriceStaleness.Duration,
		CallTimeout: callTimeout,
	}, a.base)

	var execSigner executor.Signer
	if signer != nil {
		execSigner = signer
	}
	exec := executor.New(executor.Config{
		MinSellRatio:     cfg.Risk.MinSellRatio,
		DryRun:           dryRun,
		RetryAttempts:    cfg.Execution.RetryAttempts,
		RetryBackoff:     cfg.Execution.RetryBackoff.Duration,
		OrderTimeout:     cfg.Execution.OrderTimeout.Duration,
		FillPollInterval: cfg.Execution.FillPollInterval.Duration,
		CallTimeout:      callTimeout,
		OrderType:        domain.OrderType(cfg.Execution.OrderType),
	}, positions, clob, execSigner, limiter, a.base).
		WithTrades(deps.Trades).
		WithBlacklist(blacklist).
		WithGate(gate).
		WithAlerts(deps.Notifier)

	events := executor.NewEventLog(recentExits, deps.SignalBus, deps.Audit, a.base)
	if n, err := events.Restore(ctx); err != nil {
		a.logger.WarnContext(ctx, "exit event replay failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.InfoContext(ctx, "exit events replayed", slog.Int("events", n))
	}
	hub := ws.NewHub(events, originChecker(cfg.Server.CORSOrigins), a.base)
	events.WithListener(hub.Publish)

	monitor := executor.NewMonitor(positions, evaluator, exec, executor.NewPool(cfg.Scheduler.ExitWorkers), events, a.base)

	pipe := scanner.NewPipeline(cfg.FilterConfig(), scanner.Limited(clob, limiter, callTimeout), a.base)
	var scanOpts []scanner.Option
	if deps.Locks != nil {
		scanOpts = append(scanOpts, scanner.WithLock(deps.Locks, 2*cfg.Scheduler.ScanInterval()))
	}
	scan := scanner.New(gamma, pipe, limiter, gate, cfg.ScanConfig(), a.base, scanOpts...)

	return &engine{
		positions: positions,
		blacklist: blacklist,
		live:      live,
		scan:      scan,
		exec:      exec,
		events:    events,
		monitor:   monitor,
		hub:       hub,
	}, nil
}

// venueLimiter returns the single limiter shared by the scan and monitor
// paths.
func (a *App) venueLimiter(deps *Dependencies) (ratelimit.Limiter, error) {
	rl := a.cfg.RateLimit
	if rl.Backend == "redis" {
		if deps.RateLimiter == nil {
			return nil, fmt.Errorf("app: %w: rate_limit.backend is redis but redis is disabled", domain.ErrConfiguration)
		}
		return ratelimit.NewDistributed(deps.RateLimiter, venueLimiterKey, rl.MaxCallsPerMinute, rl.Window.Duration), nil
	}
	return ratelimit.NewWindow(rl.MaxCallsPerMinute, rl.Window.Duration)
}

// loadSigner returns nil when no key source is configured.
func (a *App) loadSigner() (*crypto.Signer, error) {
	keyCfg := crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	}
	if !keyCfg.Configured() {
		return nil, nil
	}
	key, err := crypto.LoadKey(keyCfg)
	if err != nil {
		return nil, err
	}
	exchange := crypto.ExchangePolygon
	if a.cfg.Polymarket.NegRisk {
		exchange = crypto.NegRiskExchangePolygon
	}
	signer, err := crypto.NewSigner(key, a.cfg.Polymarket.ChainID, exchange)
	if err != nil {
		return nil, fmt.Errorf("app: %w: %v", domain.ErrConfiguration, err)
	}
	a.logger.Info("wallet loaded", slog.String("address", signer.Address().Hex()))
	return signer, nil
}

func (a *App) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		CheckInterval: a.cfg.Scheduler.CheckInterval(),
		ScanInterval:  a.cfg.Scheduler.ScanInterval(),
		ScanGrace:     a.cfg.Scheduler.ScanGrace.Duration,
		ScanOnStart:   a.cfg.Scheduler.ScanOnStart,
		PageSize:      a.cfg.Scanner.PageSize,
		MaxMarkets:    a.cfg.Scanner.MaxMarkets,
	}
}

// onScan opens positions from accepted candidates when auto_open is set.
func (a *App) onScan(e *engine) func(ctx context.Context, res scanner.Result) {
	return func(ctx context.Context, res scanner.Result) {
		if !a.cfg.Scanner.AutoOpen || len(res.Accepted) == 0 {
			return
		}
		opened := e.exec.OpenFromScan(ctx, res.Accepted, a.cfg.Risk.PositionSize)
		a.logger.InfoContext(ctx, "auto-open finished",
			slog.Int("candidates", len(res.Accepted)),
			slog.Int("opened", opened),
		)
	}
}

// startHTTPServer adds the reporting server and the exit WebSocket hub to
// g. Both stop when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *engine, sched *scheduler.Scheduler) {
	var limiter domain.RateLimiter = ratelimit.NewKeyed()
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}

	var stats handler.StatsSource
	if deps.Trades != nil {
		stats = deps.Trades
	}

	srv := server.NewServer(server.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimitPerMinute,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(a.base, deps.Checks...),
		Positions: handler.NewPositionHandler(e.positions),
		Scan:      handler.NewScanHandler(e.scan),
		Exits:     handler.NewExitHandler(e.events),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.Execution.DryRun, sched, stats, a.base),
	}, e.hub, limiter, a.base)

	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return e.hub.Run(ctx)
	})
}

// originChecker allows WebSocket upgrades from the configured CORS origins.
// Requests without an Origin header (non-browser clients) are allowed.
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
