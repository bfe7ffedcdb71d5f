// Package executor turns exit decisions into sells. It owns the minimum
// price floor, the stop-loss bypass of that floor, order submission with
// retries and fill verification.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/position"
	"github.com/alanyoungcy/polyguard/internal/ratelimit"
)

const (
	minOrderPrice = 0.001
	maxOrderPrice = 0.999
)

// Alerter delivers operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config controls order execution.
type Config struct {
	MinSellRatio     float64
	DryRun           bool
	RetryAttempts    int
	RetryBackoff     time.Duration
	OrderTimeout     time.Duration
	FillPollInterval time.Duration
	CallTimeout      time.Duration
	OrderType        domain.OrderType
	AlertCooldown    time.Duration
}

// Executor sells positions through the venue, or synthesises fills in dry
// run. Every sell first takes the position's CLOSING lock.
type Executor struct {
	cfg       Config
	positions *position.Store
	venue     Venue
	signer    Signer
	limiter   ratelimit.Limiter
	logger    *slog.Logger

	trades    domain.TradeStore
	blacklist *position.Blacklist
	gate      *position.Gate
	alerts    Alerter
	alerted   *Dedup

	now func() time.Time
}

// New creates an Executor. venue and signer may be nil in dry run.
func New(
	cfg Config,
	positions *position.Store,
	venue Venue,
	signer Signer,
	limiter ratelimit.Limiter,
	logger *slog.Logger,
) *Executor {
	if cfg.MinSellRatio <= 0 {
		cfg.MinSellRatio = 0.5
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = time.Second
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.OrderType == "" {
		cfg.OrderType = domain.OrderTypeGTC
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = time.Hour
	}
	return &Executor{
		cfg:       cfg,
		positions: positions,
		venue:     venue,
		signer:    signer,
		limiter:   limiter,
		logger:    logger.With(slog.String("component", "executor")),
		alerted:   NewDedup(cfg.AlertCooldown),
		now:       time.Now,
	}
}

// WithTrades records every closed position as a trade.
func (e *Executor) WithTrades(trades domain.TradeStore) *Executor {
	e.trades = trades
	return e
}

// WithBlacklist blocks tokens closed by a stop-loss.
func (e *Executor) WithBlacklist(b *position.Blacklist) *Executor {
	e.blacklist = b
	return e
}

// WithGate enables ExecuteBuy.
func (e *Executor) WithGate(g *position.Gate) *Executor {
	e.gate = g
	return e
}

// WithAlerts sends operator notifications for held and filled exits.
func (e *Executor) WithAlerts(a Alerter) *Executor {
	e.alerts = a
	return e
}

// DryRun reports whether fills are synthetic.
func (e *Executor) DryRun() bool {
	return e.cfg.DryRun
}

// BelowFloor reports whether price is under entry * ratio.
func BelowFloor(entry, price, ratio float64) bool {
	floor := decimal.NewFromFloat(entry).Mul(decimal.NewFromFloat(ratio))
	return decimal.NewFromFloat(price).LessThan(floor)
}

// ExecuteSell closes p at price. Unless reason is a stop-loss, a price
// below entry * min_sell_ratio fails with ErrMinPriceViolation and the
// position stays HOLDING. A stop-loss always proceeds.
func (e *Executor) ExecuteSell(ctx context.Context, p domain.Position, price float64, reason domain.ExitReason) (domain.SellOutcome, error) {
	log := e.logger.With(
		slog.String("position_id", p.ID),
		slog.String("token_id", p.TokenID),
		slog.String("reason", string(reason)),
		slog.Bool("emergency", reason.Emergency()),
	)

	locked, err := e.positions.BeginClose(ctx, p.ID, reason)
	if err != nil {
		if errors.Is(err, domain.ErrPositionBusy) {
			return domain.SellOutcome{Position: p, Outcome: domain.OutcomeBusy}, err
		}
		return domain.SellOutcome{Position: p, Outcome: domain.OutcomeTransient}, fmt.Errorf("executor: sell: %w", err)
	}

	if !reason.Emergency() {
		if math.IsNaN(price) || BelowFloor(locked.EntryPrice, price, e.cfg.MinSellRatio) {
			return e.holdBelowFloor(ctx, log, locked, price)
		}
	}

	sellPrice := clampPrice(price)
	if e.cfg.DryRun {
		fill := domain.Fill{
			OrderID:  "dry-" + uuid.NewString(),
			Price:    sellPrice,
			Size:     locked.Size,
			DryRun:   true,
			FilledAt: e.now().UTC(),
		}
		log.InfoContext(ctx, "dry run sell",
			slog.Float64("price", sellPrice),
			slog.Float64("size", locked.Size),
		)
		return e.finish(ctx, locked, fill, reason)
	}

	order, err := e.buildOrder(locked.TokenID, domain.OrderSideSell, sellPrice, locked.Size)
	if err != nil {
		return e.release(ctx, log, locked, "", domain.OutcomeTransient, err)
	}
	orderID, err := e.submit(ctx, order)
	if err != nil {
		return e.release(ctx, log, locked, "", domain.OutcomeTransient, err)
	}
	if _, err := e.positions.SetPendingOrder(context.WithoutCancel(ctx), locked.ID, orderID); err != nil {
		log.WarnContext(ctx, "record pending order failed", slog.String("error", err.Error()))
	}

	filled, err := e.awaitFill(ctx, orderID)
	switch {
	case err == nil:
		fill := domain.Fill{
			OrderID:  orderID,
			Price:    positiveOr(filled.Price, sellPrice),
			Size:     positiveOr(filled.FilledSize, locked.Size),
			FilledAt: e.now().UTC(),
		}
		return e.finish(ctx, locked, fill, reason)
	case ctx.Err() != nil:
		// Shutting down: the order outcome is read on the next check.
		return e.release(ctx, log, locked, orderID, domain.OutcomeTransient, err)
	default:
		pending := ""
		if cerr := e.cancel(ctx, orderID); cerr != nil {
			log.WarnContext(ctx, "cancel unfilled order failed",
				slog.String("order_id", orderID),
				slog.String("error", cerr.Error()),
			)
			pending = orderID
		}
		return e.release(ctx, log, locked, pending, domain.OutcomeUnfilled, err)
	}
}

// Reconcile resolves an order left pending by an interrupted exit. A
// matched order closes the position; a resting one is cancelled; a dead
// one is cleared.
func (e *Executor) Reconcile(ctx context.Context, p domain.Position) (domain.Position, error) {
	if p.PendingOrder == "" {
		return p, nil
	}
	if e.cfg.DryRun || e.venue == nil {
		return e.positions.SetPendingOrder(ctx, p.ID, "")
	}

	order, err := e.getOrder(ctx, p.PendingOrder)
	if err != nil {
		return p, fmt.Errorf("executor: reconcile %s: %w", p.ID, err)
	}

	switch order.Status {
	case domain.OrderStatusMatched:
		reason := p.ExitReason
		if reason == "" {
			reason = domain.ExitReasonManual
		}
		locked, err := e.positions.BeginClose(ctx, p.ID, reason)
		if err != nil {
			return p, fmt.Errorf("executor: reconcile %s: %w", p.ID, err)
		}
		fill := domain.Fill{
			OrderID:  p.PendingOrder,
			Price:    positiveOr(order.Price, p.LastPrice),
			Size:     positiveOr(order.FilledSize, p.Size),
			FilledAt: e.now().UTC(),
		}
		out, err := e.finish(ctx, locked, fill, reason)
		return out.Position, err
	case domain.OrderStatusCancelled, domain.OrderStatusFailed:
		return e.positions.SetPendingOrder(ctx, p.ID, "")
	default:
		if order.FilledSize > 0 {
			e.logger.WarnContext(ctx, "pending order partially filled",
				slog.String("position_id", p.ID),
				slog.String("order_id", p.PendingOrder),
				slog.Float64("filled_size", order.FilledSize),
			)
		}
		if err := e.cancel(ctx, p.PendingOrder); err != nil {
			return p, fmt.Errorf("executor: reconcile %s: %w", p.ID, err)
		}
		return e.positions.SetPendingOrder(ctx, p.ID, "")
	}
}

// ExecuteBuy opens a position on an accepted candidate, subject to the
// entry gate. stakeUSD is converted to shares at the entry price after the
// gate has scaled it. TP and SL are planned from the fill price.
func (e *Executor) ExecuteBuy(ctx context.Context, c domain.MarketCandidate, stakeUSD float64) (domain.Position, error) {
	if e.gate == nil {
		return domain.Position{}, fmt.Errorf("executor: buy: no entry gate: %w", domain.ErrConfiguration)
	}
	if err := e.gate.CanOpen(ctx); err != nil {
		return domain.Position{}, fmt.Errorf("executor: buy: %w", err)
	}
	if e.gate.Excluded(c.TokenID) {
		return domain.Position{}, fmt.Errorf("executor: buy %s: token excluded: %w", c.TokenID, domain.ErrRiskLimit)
	}

	price := c.BestAsk
	if price <= 0 {
		price = c.Odds
	}
	if price <= 0 || price >= 1 {
		return domain.Position{}, fmt.Errorf("executor: buy %s: no entry price: %w", c.TokenID, domain.ErrNoLiquidity)
	}
	if _, err := e.gate.PlanEntry(price); err != nil {
		return domain.Position{}, fmt.Errorf("executor: buy %s: %w", c.TokenID, err)
	}
	stake := e.gate.StakeUSD(stakeUSD)
	size, _ := decimal.NewFromFloat(stake).Div(decimal.NewFromFloat(price)).RoundDown(2).Float64()
	if size <= 0 {
		return domain.Position{}, fmt.Errorf("executor: buy %s: stake %.2f buys no shares at %.3f: %w", c.TokenID, stake, price, domain.ErrConfiguration)
	}

	var fill domain.Fill
	if e.cfg.DryRun {
		fill = domain.Fill{
			OrderID:  "dry-" + uuid.NewString(),
			Price:    price,
			Size:     size,
			DryRun:   true,
			FilledAt: e.now().UTC(),
		}
	} else {
		order, err := e.buildOrder(c.TokenID, domain.OrderSideBuy, price, size)
		if err != nil {
			return domain.Position{}, err
		}
		orderID, err := e.submit(ctx, order)
		if err != nil {
			return domain.Position{}, err
		}
		filled, err := e.awaitFill(ctx, orderID)
		if err != nil {
			if cerr := e.cancel(ctx, orderID); cerr != nil {
				e.logger.WarnContext(ctx, "cancel unfilled buy failed",
					slog.String("order_id", orderID),
					slog.String("error", cerr.Error()),
				)
			}
			return domain.Position{}, fmt.Errorf("executor: buy %s: %w", c.TokenID, err)
		}
		fill = domain.Fill{
			OrderID:  orderID,
			Price:    positiveOr(filled.Price, price),
			Size:     positiveOr(filled.FilledSize, size),
			FilledAt: e.now().UTC(),
		}
	}

	plan, err := e.gate.PlanEntry(fill.Price)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: buy %s: %w", c.TokenID, err)
	}
	p, err := e.positions.Open(ctx, domain.Position{
		MarketID:     c.MarketID,
		TokenID:      c.TokenID,
		Outcome:      c.Outcome,
		Question:     c.Question,
		EntryPrice:   plan.Entry,
		Size:         fill.Size,
		TakeProfit:   plan.TakeProfit,
		StopLoss:     plan.StopLoss,
		EntryOrderID: fill.OrderID,
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: buy %s: %w", c.TokenID, err)
	}

	e.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", p.ID),
		slog.String("token_id", p.TokenID),
		slog.String("bucket", plan.Bucket),
		slog.Float64("entry", p.EntryPrice),
		slog.Float64("stake_usd", stake),
		slog.Float64("size", p.Size),
		slog.Float64("take_profit", p.TakeProfit),
		slog.Float64("stop_loss", p.StopLoss),
		slog.Bool("dry_run", fill.DryRun),
	)
	e.alert(ctx, "position_opened", "Position opened",
		fmt.Sprintf("%s\n%s @ %.3f x %.2f (TP %.3f / SL %.3f)", p.Question, p.Outcome, p.EntryPrice, p.Size, p.TakeProfit, p.StopLoss))
	return p, nil
}

// OpenFromScan buys accepted candidates in rank order until the gate
// refuses. It returns the number of positions opened.
func (e *Executor) OpenFromScan(ctx context.Context, accepted []domain.MarketCandidate, stakeUSD float64) int {
	if e.gate == nil {
		return 0
	}
	opened := 0
	for _, c := range accepted {
		if err := e.gate.CanOpen(ctx); err != nil {
			e.logger.InfoContext(ctx, "entry gate closed", slog.String("error", err.Error()))
			break
		}
		if e.positions.Holds(c.TokenID) {
			continue
		}
		if _, err := e.ExecuteBuy(ctx, c, stakeUSD); err != nil {
			e.logger.WarnContext(ctx, "open position failed",
				slog.String("token_id", c.TokenID),
				slog.String("error", err.Error()),
			)
			continue
		}
		opened++
	}
	return opened
}

// holdBelowFloor releases the lock and surfaces the violation once per
// position until it closes or the alert cooldown passes.
func (e *Executor) holdBelowFloor(ctx context.Context, log *slog.Logger, p domain.Position, price float64) (domain.SellOutcome, error) {
	floor := p.EntryPrice * e.cfg.MinSellRatio
	violation := fmt.Errorf("executor: sell %s at %.4f below floor %.4f: %w", p.ID, price, floor, domain.ErrMinPriceViolation)

	held, err := e.positions.AbortClose(context.WithoutCancel(ctx), p.ID, p.PendingOrder)
	if err != nil {
		return domain.SellOutcome{Position: p, Outcome: domain.OutcomeMinPriceHeld}, errors.Join(violation, err)
	}
	log.WarnContext(ctx, "sell below minimum price held",
		slog.Float64("price", price),
		slog.Float64("floor", floor),
		slog.Float64("entry_price", p.EntryPrice),
	)
	if !e.alerted.IsDuplicate(p.ID) {
		e.alert(ctx, "min_price_violation", "Sell held below floor",
			fmt.Sprintf("%s\nprice %.4f < floor %.4f (entry %.4f)", p.Question, price, floor, p.EntryPrice))
	}
	return domain.SellOutcome{Position: held, Outcome: domain.OutcomeMinPriceHeld}, violation
}

// release moves the position back to HOLDING after a failed attempt.
func (e *Executor) release(ctx context.Context, log *slog.Logger, p domain.Position, pendingOrderID string, outcome domain.ExitOutcome, cause error) (domain.SellOutcome, error) {
	held, err := e.positions.AbortClose(context.WithoutCancel(ctx), p.ID, pendingOrderID)
	if err != nil {
		cause = errors.Join(cause, err)
		held = p
	}
	log.WarnContext(ctx, "sell attempt failed",
		slog.String("outcome", string(outcome)),
		slog.String("pending_order_id", pendingOrderID),
		slog.String("error", cause.Error()),
	)
	return domain.SellOutcome{Position: held, Outcome: outcome}, fmt.Errorf("executor: sell %s: %w", p.ID, cause)
}

// finish completes the close once a fill is known. It runs to completion
// even if ctx is cancelled.
func (e *Executor) finish(ctx context.Context, p domain.Position, fill domain.Fill, reason domain.ExitReason) (domain.SellOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	closed, err := e.positions.CompleteClose(ctx, p.ID, fill.Price)
	if err != nil {
		return domain.SellOutcome{Position: p, Fill: fill, Outcome: domain.OutcomeTransient}, fmt.Errorf("executor: complete close %s: %w", p.ID, err)
	}
	e.alerted.Forget(p.ID)

	if e.trades != nil {
		trade := domain.ClosedTrade{
			PositionID:  closed.ID,
			MarketID:    closed.MarketID,
			TokenID:     closed.TokenID,
			EntryPrice:  closed.EntryPrice,
			ExitPrice:   fill.Price,
			Size:        closed.Size,
			RealizedPnL: closed.RealizedPnL,
			Reason:      reason,
			OddsBucket:  position.OddsBucket(closed.EntryPrice),
			OpenedAt:    closed.OpenedAt,
			ClosedAt:    fill.FilledAt,
		}
		if err := e.trades.Record(ctx, trade); err != nil {
			e.logger.ErrorContext(ctx, "record trade failed",
				slog.String("position_id", closed.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if reason == domain.ExitReasonStopLoss && e.blacklist != nil {
		if _, err := e.blacklist.Add(ctx, closed.TokenID, string(reason)); err != nil {
			e.logger.WarnContext(ctx, "blacklist after stop-loss failed",
				slog.String("token_id", closed.TokenID),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", closed.ID),
		slog.String("reason", string(reason)),
		slog.String("order_id", fill.OrderID),
		slog.Float64("exit_price", fill.Price),
		slog.Float64("realized_pnl", closed.RealizedPnL),
		slog.Bool("dry_run", fill.DryRun),
	)
	e.alert(ctx, "exit_filled", fmt.Sprintf("Position closed (%s)", reason),
		fmt.Sprintf("%s\nentry %.4f exit %.4f size %.2f pnl %.4f", closed.Question, closed.EntryPrice, fill.Price, closed.Size, closed.RealizedPnL))

	return domain.SellOutcome{Position: closed, Fill: fill, Outcome: domain.OutcomeClosed}, nil
}

// submit posts order, retrying transient failures with exponential
// backoff. It returns the venue order ID.
func (e *Executor) submit(ctx context.Context, order domain.Order) (string, error) {
	if e.venue == nil {
		return "", fmt.Errorf("executor: submit: no venue: %w", domain.ErrConfiguration)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBackoff
	b.Multiplier = 2
	b.MaxInterval = e.cfg.RetryBackoff * 8

	op := func() (domain.OrderResult, error) {
		if e.limiter != nil {
			if err := e.limiter.Acquire(ctx); err != nil {
				return domain.OrderResult{}, backoff.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		res, err := e.venue.PostOrder(callCtx, order)
		if err == nil {
			return res, nil
		}
		if domain.IsTransient(err) || res.ShouldRetry {
			return res, err
		}
		return res, backoff.Permanent(err)
	}
	notify := func(err error, d time.Duration) {
		e.logger.WarnContext(ctx, "order submit failed, retrying",
			slog.String("order_id", order.ID),
			slog.Duration("backoff", d),
			slog.String("error", err.Error()),
		)
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.RetryAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return "", fmt.Errorf("executor: submit order: %w", err)
	}
	if res.OrderID == "" {
		res.OrderID = order.ID
	}
	return res.OrderID, nil
}

// awaitFill polls the order until it is matched, dies, or OrderTimeout
// passes.
func (e *Executor) awaitFill(ctx context.Context, orderID string) (domain.Order, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	ticker := time.NewTicker(e.cfg.FillPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		order, err := e.getOrder(waitCtx, orderID)
		if err == nil {
			switch order.Status {
			case domain.OrderStatusMatched:
				return order, nil
			case domain.OrderStatusCancelled, domain.OrderStatusFailed:
				return order, fmt.Errorf("executor: order %s %s: %w", orderID, order.Status, domain.ErrTransientFetch)
			}
		} else {
			lastErr = err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return domain.Order{}, ctx.Err()
			}
			if lastErr != nil {
				return domain.Order{}, fmt.Errorf("executor: order %s not filled: %w", orderID, errors.Join(domain.ErrTransientFetch, lastErr))
			}
			return domain.Order{}, fmt.Errorf("executor: order %s not filled: %w", orderID, domain.ErrTransientFetch)
		case <-ticker.C:
		}
	}
}

func (e *Executor) getOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx); err != nil {
			return domain.Order{}, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.venue.GetOrder(callCtx, orderID)
}

func (e *Executor) cancel(ctx context.Context, orderID string) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()
	return e.venue.CancelOrder(callCtx, orderID)
}

func (e *Executor) alert(ctx context.Context, event, title, message string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func clampPrice(p float64) float64 {
	if math.IsNaN(p) || p < minOrderPrice {
		return minOrderPrice
	}
	if p > maxOrderPrice {
		return maxOrderPrice
	}
	return p
}

func positiveOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
