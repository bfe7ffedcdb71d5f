package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// BookUpdateHandler is called when a full orderbook snapshot is received.
type BookUpdateHandler func(domain.OrderbookSnapshot)

// PriceChangeHandler is called when an incremental price level update is received.
type PriceChangeHandler func(domain.PriceChange)

// WSClient is a WebSocket client for the Polymarket market channel. Run
// owns the connection and reconnects with backoff; SetAssets may be called
// at any time and is replayed on every new connection.
type WSClient struct {
	wsURL  string
	logger *slog.Logger
	dialer websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	assets map[string]struct{}

	writeMu   sync.Mutex
	connected atomic.Bool

	handlerMu     sync.RWMutex
	bookHandlers  []BookUpdateHandler
	priceHandlers []PriceChangeHandler

	reconnectBase time.Duration
	reconnectMax  time.Duration
}

// NewWSClient creates a new WebSocket client for the given WebSocket URL.
//
// wsURL is the market channel endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "polymarket_ws")),
		dialer: websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		assets:        make(map[string]struct{}),
		reconnectBase: reconnectDelay,
		reconnectMax:  maxReconnectDelay,
	}
}

// OnBookUpdate registers a handler for every full book snapshot.
func (w *WSClient) OnBookUpdate(handler BookUpdateHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.bookHandlers = append(w.bookHandlers, handler)
}

// OnPriceChange registers a handler for every incremental level update.
func (w *WSClient) OnPriceChange(handler PriceChangeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.priceHandlers = append(w.priceHandlers, handler)
}

// Connected reports whether a connection is currently open.
func (w *WSClient) Connected() bool {
	return w.connected.Load()
}

// Assets returns the subscribed asset IDs, sorted.
func (w *WSClient) Assets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedKeys(w.assets)
}

// SetAssets replaces the subscribed asset set. On an open connection only
// the difference is sent.
func (w *WSClient) SetAssets(ids []string) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = struct{}{}
		}
	}

	w.mu.Lock()
	var added, removed []string
	for id := range want {
		if _, ok := w.assets[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range w.assets {
		if _, ok := want[id]; !ok {
			removed = append(removed, id)
		}
	}
	w.assets = want
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	slices.Sort(added)
	slices.Sort(removed)
	if len(added) > 0 {
		if err := w.writeJSON(conn, wsOperation{Operation: "subscribe", Assets: added}); err != nil {
			return fmt.Errorf("polymarket/ws: subscribe: %w", err)
		}
	}
	if len(removed) > 0 {
		if err := w.writeJSON(conn, wsOperation{Operation: "unsubscribe", Assets: removed}); err != nil {
			return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
		}
	}
	return nil
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff after every disconnect.
func (w *WSClient) Run(ctx context.Context) error {
	for {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = w.reconnectBase
		b.MaxInterval = w.reconnectMax

		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return w.dial(ctx)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, d time.Duration) {
				w.logger.Warn("websocket dial failed",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", d),
				)
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("polymarket/ws: %w", err)
		}

		err = w.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("websocket disconnected", slog.String("error", err.Error()))
	}
}

func (w *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}

// serve subscribes the current asset set on conn and reads until the
// connection fails or ctx is done.
func (w *WSClient) serve(ctx context.Context, conn *websocket.Conn) error {
	// The initial subscribe goes out under mu so a concurrent SetAssets
	// diff can only follow it.
	w.mu.Lock()
	w.conn = conn
	assets := sortedKeys(w.assets)
	err := w.writeJSON(conn, wsSubscribe{Type: "market", Assets: assets})
	w.mu.Unlock()
	w.connected.Store(true)

	defer func() {
		w.connected.Store(false)
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		conn.Close()
	}()

	if err != nil {
		return fmt.Errorf("initial subscribe: %w", err)
	}
	w.logger.Info("websocket connected", slog.Int("assets", len(assets)))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go w.pingLoop(ctx, conn, stop)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		w.handleMessage(message)
	}
}

// pingLoop keeps the connection alive and closes it when ctx is done so the
// blocked read returns.
func (w *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			w.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			w.writeMu.Unlock()
			conn.Close()
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (w *WSClient) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleMessage routes a raw frame to the registered handlers. Frames may
// hold a single event or a JSON array of events.
func (w *WSClient) handleMessage(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == 'P' { // PONG keep-alive text
		return
	}
	if raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			w.logger.Debug("dropping unparseable frame", slog.String("error", err.Error()))
			return
		}
		for _, m := range batch {
			w.handleEvent(m)
		}
		return
	}
	w.handleEvent(raw)
}

func (w *WSClient) handleEvent(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.EventType {
	case "book":
		var book BookMessage
		if err := json.Unmarshal(raw, &book); err != nil {
			return
		}
		snap := BookToDomainSnapshot(&book)

		w.handlerMu.RLock()
		handlers := w.bookHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(snap)
		}

	case "price_change":
		var pc PriceChangeMessage
		if err := json.Unmarshal(raw, &pc); err != nil {
			return
		}
		changes := PriceChangesToDomain(&pc)

		w.handlerMu.RLock()
		handlers := w.priceHandlers
		w.handlerMu.RUnlock()

		for _, c := range changes {
			for _, h := range handlers {
				h(c)
			}
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
