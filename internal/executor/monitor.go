package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/exit"
	"github.com/alanyoungcy/polyguard/internal/position"
)

// Checker prices a position and decides whether it should exit.
// *exit.Evaluator satisfies it.
type Checker interface {
	Check(ctx context.Context, p domain.Position) (exit.Result, error)
}

// Monitor runs one position-check pass: reconcile pending orders, price
// every HOLDING position and sell the ones whose thresholds were crossed.
type Monitor struct {
	positions *position.Store
	checker   Checker
	exec      *Executor
	pool      *Pool
	events    *EventLog
	logger    *slog.Logger
	now       func() time.Time
}

// NewMonitor wires a Monitor.
func NewMonitor(positions *position.Store, checker Checker, exec *Executor, pool *Pool, events *EventLog, logger *slog.Logger) *Monitor {
	return &Monitor{
		positions: positions,
		checker:   checker,
		exec:      exec,
		pool:      pool,
		events:    events,
		logger:    logger.With(slog.String("component", "monitor")),
		now:       time.Now,
	}
}

// CheckAll checks every HOLDING position. Positions are independent: one
// failure never blocks the rest, and all failures are joined.
func (m *Monitor) CheckAll(ctx context.Context) (int, error) {
	holding := m.positions.Holding()
	if len(holding) == 0 {
		return 0, nil
	}
	jobs := make([]Job, 0, len(holding))
	for _, p := range holding {
		jobs = append(jobs, func(ctx context.Context) error {
			return m.checkOne(ctx, p)
		})
	}
	return len(holding), m.pool.Run(ctx, jobs)
}

func (m *Monitor) checkOne(ctx context.Context, p domain.Position) error {
	if p.PendingOrder != "" {
		pendingID := p.PendingOrder
		rp, err := m.exec.Reconcile(ctx, p)
		if err != nil {
			return fmt.Errorf("monitor: %s: %w", p.ID, err)
		}
		if rp.Status == domain.PositionStatusClosed {
			m.record(ctx, rp, exit.Result{Price: *rp.ExitPrice}, rp.ExitReason, domain.SellOutcome{
				Position: rp,
				Fill:     domain.Fill{OrderID: pendingID, Price: *rp.ExitPrice},
				Outcome:  domain.OutcomeReconciled,
			}, nil)
			return nil
		}
		p = rp
	}

	res, err := m.checker.Check(ctx, p)
	if err != nil {
		if errors.Is(err, domain.ErrNoLiquidity) {
			m.logger.WarnContext(ctx, "no liquidity, skipping exit check",
				slog.String("position_id", p.ID),
				slog.String("token_id", p.TokenID),
			)
			return nil
		}
		return fmt.Errorf("monitor: %s: %w", p.ID, err)
	}
	m.positions.Touch(p.ID, res.Price, m.now())

	reason, fire := res.Decision.Reason()
	if !fire {
		return nil
	}

	out, err := m.exec.ExecuteSell(ctx, p, res.Price, reason)
	if out.Outcome == domain.OutcomeBusy {
		return nil
	}
	m.record(ctx, p, res, reason, out, err)
	if err != nil {
		return fmt.Errorf("monitor: %s: %w", p.ID, err)
	}
	return nil
}

func (m *Monitor) record(ctx context.Context, p domain.Position, res exit.Result, reason domain.ExitReason, out domain.SellOutcome, err error) {
	if m.events == nil {
		return
	}
	decision := res.Decision
	if decision == "" {
		switch reason {
		case domain.ExitReasonTakeProfit:
			decision = domain.ExitTakeProfit
		case domain.ExitReasonStopLoss:
			decision = domain.ExitStopLoss
		default:
			decision = domain.ExitNone
		}
	}
	ev := domain.ExitEvent{
		ID:           uuid.NewString(),
		PositionID:   p.ID,
		TokenID:      p.TokenID,
		Decision:     decision,
		TriggerPrice: res.Price,
		Emergency:    reason.Emergency(),
		Outcome:      out.Outcome,
		Degraded:     res.Degraded,
		PriceSource:  res.Quote.Source,
		EntryPrice:   p.EntryPrice,
		TakeProfit:   p.TakeProfit,
		StopLoss:     p.StopLoss,
		RealizedPnL:  out.Position.RealizedPnL,
		OrderID:      out.Fill.OrderID,
		At:           m.now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.events.Record(ctx, ev)
}
