package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// ExitStream is the Redis stream that receives every exit event.
const ExitStream = "exits"

const restorePage = 500

// EventLog writes exit events to the log, the exit stream and the audit
// store, and keeps the most recent ones in memory for reporting.
type EventLog struct {
	mu   sync.Mutex
	ring []domain.ExitEvent
	next int
	full bool

	bus       domain.SignalBus
	audit     domain.AuditStore
	listeners []func(domain.ExitEvent)
	logger    *slog.Logger
}

// NewEventLog creates an EventLog retaining size events. bus and audit may
// be nil.
func NewEventLog(size int, bus domain.SignalBus, audit domain.AuditStore, logger *slog.Logger) *EventLog {
	if size < 1 {
		size = 1
	}
	return &EventLog{
		ring:   make([]domain.ExitEvent, size),
		bus:    bus,
		audit:  audit,
		logger: logger.With(slog.String("component", "exit_events")),
	}
}

// WithListener adds fn to the sinks. fn runs synchronously in Record and
// must not block.
func (l *EventLog) WithListener(fn func(domain.ExitEvent)) *EventLog {
	l.listeners = append(l.listeners, fn)
	return l
}

// Record stores ev and fans it out to the configured sinks. Sink failures
// are logged and never returned.
func (l *EventLog) Record(ctx context.Context, ev domain.ExitEvent) {
	l.push(ev)

	level := slog.LevelInfo
	if (ev.Outcome != domain.OutcomeClosed && ev.Outcome != domain.OutcomeReconciled) || ev.Degraded {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("event_id", ev.ID),
		slog.String("position_id", ev.PositionID),
		slog.String("token_id", ev.TokenID),
		slog.String("decision", string(ev.Decision)),
		slog.Float64("trigger_price", ev.TriggerPrice),
		slog.Bool("emergency", ev.Emergency),
		slog.String("outcome", string(ev.Outcome)),
		slog.Bool("degraded", ev.Degraded),
		slog.String("price_source", string(ev.PriceSource)),
		slog.Float64("entry_price", ev.EntryPrice),
		slog.Float64("take_profit", ev.TakeProfit),
		slog.Float64("stop_loss", ev.StopLoss),
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	l.logger.LogAttrs(ctx, level, "exit decision", attrs...)

	if l.bus != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = l.bus.StreamAppend(ctx, ExitStream, payload)
		}
		if err != nil {
			l.logger.WarnContext(ctx, "append exit stream failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if l.audit != nil {
		if err := l.audit.Log(ctx, "exit_decision", ev.Detail()); err != nil {
			l.logger.WarnContext(ctx, "audit exit event failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, fn := range l.listeners {
		fn(ev)
	}
}

// Restore replays the exit stream into the ring so recent events survive a
// restart. Sinks are not invoked. Undecodable entries are skipped.
func (l *EventLog) Restore(ctx context.Context) (int, error) {
	if l.bus == nil {
		return 0, nil
	}
	last, n := "0", 0
	for {
		msgs, err := l.bus.StreamRead(ctx, ExitStream, last, restorePage)
		if err != nil {
			return n, fmt.Errorf("exit events: restore: %w", err)
		}
		for _, m := range msgs {
			var ev domain.ExitEvent
			if err := json.Unmarshal(m.Payload, &ev); err != nil {
				continue
			}
			l.push(ev)
			n++
		}
		if len(msgs) < restorePage {
			return n, nil
		}
		last = msgs[len(msgs)-1].ID
	}
}

func (l *EventLog) push(ev domain.ExitEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns up to n events, newest first.
func (l *EventLog) Recent(n int) []domain.ExitEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.next
	if l.full {
		count = len(l.ring)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]domain.ExitEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}
