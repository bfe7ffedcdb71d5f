package polymarket

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat accepts a JSON number or a numeric string. Unparseable values
// decode as zero.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = flexFloat(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, _ = strconv.ParseFloat(strings.TrimSpace(s), 64)
	*f = flexFloat(v)
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder represents an order as returned by the Polymarket CLOB API.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`       // "BUY" or "SELL"
	OrderType    string `json:"order_type"` // "GTC", "FOK", "FAK"
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	MakerAmount  string `json:"maker_amount"`
	TakerAmount  string `json:"taker_amount"`
	Owner        string `json:"owner"`
	CreatedAt    int64  `json:"created_at"`
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// APIBook is the REST order book for one token.
type APIBook struct {
	Market    string         `json:"market"`
	AssetID   string         `json:"asset_id"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
// Several list fields arrive as JSON-encoded strings.
type APIMarket struct {
	ID              string    `json:"id"`
	Question        string    `json:"question"`
	ConditionID     string    `json:"conditionId"`
	Slug            string    `json:"slug"`
	Active          flexBool  `json:"active"`
	Closed          flexBool  `json:"closed"`
	Outcomes        string    `json:"outcomes"`      // e.g. "[\"Yes\",\"No\"]"
	OutcomePrices   string    `json:"outcomePrices"` // e.g. "[\"0.5\",\"0.5\"]"
	ClobTokenIDs    string    `json:"clobTokenIds"`  // e.g. "[\"123\",\"456\"]"
	Volume          flexFloat `json:"volumeNum"`
	Volume24h       flexFloat `json:"volume24hr"`
	Liquidity       flexFloat `json:"liquidityNum"`
	BestBid         flexFloat `json:"bestBid"`
	BestAsk         flexFloat `json:"bestAsk"`
	NegRisk         bool      `json:"negRisk"`
	EnableOrderBook bool      `json:"enableOrderBook"`
	EndDate         string    `json:"endDate"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsEnvelope carries the fields needed to route a market-channel frame.
type wsEnvelope struct {
	EventType string `json:"event_type"`
}

// BookMessage represents a full orderbook snapshot delivered over WebSocket.
type BookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid/ask level in book data.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage is an incremental book update. Newer frames carry a
// price_changes array with the asset on each entry; older frames carry
// changes under a single top-level asset_id.
type PriceChangeMessage struct {
	EventType    string             `json:"event_type"`
	AssetID      string             `json:"asset_id"`
	Market       string             `json:"market"`
	Timestamp    string             `json:"timestamp"`
	PriceChanges []PriceChangeEntry `json:"price_changes"`
	Changes      []PriceChangeEntry `json:"changes"`
}

// PriceChangeEntry is one level update inside a PriceChangeMessage.
type PriceChangeEntry struct {
	AssetID string `json:"asset_id"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" means level removed
}

// --------------------------------------------------------------------------
// WebSocket subscription commands
// --------------------------------------------------------------------------

// wsSubscribe is the first frame sent on the market channel.
type wsSubscribe struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets_ids"`
}

// wsOperation adds or removes assets on an open connection.
type wsOperation struct {
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
	Assets    []string `json:"assets_ids"`
}

// --------------------------------------------------------------------------
// Conversion helpers: API types -> domain types
// --------------------------------------------------------------------------

// ToDomainOrder converts an APIOrder to a domain.Order.
func (a *APIOrder) ToDomainOrder() domain.Order {
	o := domain.Order{
		ID:      a.ID,
		TokenID: a.AssetID,
		Wallet:  a.Owner,
		Status:  orderStatus(a.Status),
	}

	switch strings.ToUpper(a.Side) {
	case "BUY":
		o.Side = domain.OrderSideBuy
	case "SELL":
		o.Side = domain.OrderSideSell
	}

	switch strings.ToUpper(a.OrderType) {
	case "FOK":
		o.Type = domain.OrderTypeFOK
	case "FAK":
		o.Type = domain.OrderTypeFAK
	default:
		o.Type = domain.OrderTypeGTC
	}

	o.Price, _ = strconv.ParseFloat(a.Price, 64)
	o.Size, _ = strconv.ParseFloat(a.OriginalSize, 64)
	o.FilledSize, _ = strconv.ParseFloat(a.SizeMatched, 64)

	if ma, ok := new(big.Int).SetString(a.MakerAmount, 10); ok {
		o.MakerAmount = ma
	}
	if ta, ok := new(big.Int).SetString(a.TakerAmount, 10); ok {
		o.TakerAmount = ta
	}
	if a.CreatedAt > 0 {
		o.CreatedAt = time.Unix(a.CreatedAt, 0).UTC()
	}

	return o
}

func orderStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "live", "open", "unmatched":
		return domain.OrderStatusOpen
	case "matched", "filled", "mined", "confirmed":
		return domain.OrderStatusMatched
	case "cancelled", "canceled", "canceled_market_resolved":
		return domain.OrderStatusCancelled
	case "failed", "invalid":
		return domain.OrderStatusFailed
	default:
		return domain.OrderStatusPending
	}
}

// ToDomainOrderResult converts an APIOrderResult to a domain.OrderResult.
func (r *APIOrderResult) ToDomainOrderResult() domain.OrderResult {
	result := domain.OrderResult{
		Success:     r.Success,
		OrderID:     r.OrderID,
		Message:     r.ErrorMsg,
		ShouldRetry: r.ShouldRetry,
	}

	switch strings.ToLower(r.Status) {
	case "live", "open", "unmatched":
		result.Status = domain.OrderStatusOpen
	case "matched":
		result.Status = domain.OrderStatusMatched
	case "delayed":
		result.Status = domain.OrderStatusPending
	default:
		if r.Success {
			result.Status = domain.OrderStatusPending
		} else {
			result.Status = domain.OrderStatusFailed
		}
	}

	return result
}

// ToDomainMarket converts a Gamma APIMarket to a domain.Market. Token IDs
// and outcome labels are paired by index; missing prices stay zero.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ID:          m.ID,
		Question:    m.Question,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Volume:      float64(m.Volume),
		Volume24h:   float64(m.Volume24h),
		Liquidity:   float64(m.Liquidity),
		BestBid:     float64(m.BestBid),
		BestAsk:     float64(m.BestAsk),
		NegRisk:     m.NegRisk,
		OrderBook:   m.EnableOrderBook,
	}

	switch {
	case bool(m.Closed):
		dm.Status = domain.MarketStatusClosed
	case bool(m.Active):
		dm.Status = domain.MarketStatusActive
	default:
		dm.Status = domain.MarketStatusSettled
	}

	ids := decodeStringList(m.ClobTokenIDs)
	outcomes := decodeStringList(m.Outcomes)
	prices := decodeStringList(m.OutcomePrices)
	for i, id := range ids {
		if id == "" {
			continue
		}
		tok := domain.OutcomeToken{TokenID: id}
		if i < len(outcomes) {
			tok.Outcome = outcomes[i]
		}
		if i < len(prices) {
			tok.Price, _ = strconv.ParseFloat(prices[i], 64)
		}
		dm.Tokens = append(dm.Tokens, tok)
	}

	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			dm.EndDate = &t
		} else if t, err := time.Parse("2006-01-02", m.EndDate); err == nil {
			dm.EndDate = &t
		}
	}

	return dm
}

// decodeStringList parses a JSON-encoded list that the Gamma API sends as a
// string. Numbers inside the list are returned in their text form.
func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err == nil {
			out = append(out, s)
			continue
		}
		out = append(out, strings.TrimSpace(string(it)))
	}
	return out
}

// BookToDomainSnapshot converts a BookMessage to a domain.OrderbookSnapshot.
// Levels keep the order the venue sent them in.
func BookToDomainSnapshot(b *BookMessage) domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		AssetID:   b.AssetID,
		Bids:      levels(b.Bids),
		Asks:      levels(b.Asks),
		Timestamp: parseTimestamp(b.Timestamp),
	}
}

// ToDomainSnapshot converts a REST book to a domain.OrderbookSnapshot.
func (b *APIBook) ToDomainSnapshot() domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		AssetID:   b.AssetID,
		Bids:      levels(b.Bids),
		Asks:      levels(b.Asks),
		Timestamp: parseTimestamp(b.Timestamp),
	}
}

func levels(in []WSPriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, lvl := range in {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			continue
		}
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out
}

// PriceChangesToDomain flattens a PriceChangeMessage into per-level updates,
// accepting both the price_changes and the legacy changes layout.
func PriceChangesToDomain(p *PriceChangeMessage) []domain.PriceChange {
	ts := parseTimestamp(p.Timestamp)
	entries := p.PriceChanges
	if len(entries) == 0 {
		entries = p.Changes
	}
	out := make([]domain.PriceChange, 0, len(entries))
	for _, e := range entries {
		asset := e.AssetID
		if asset == "" {
			asset = p.AssetID
		}
		price, err := strconv.ParseFloat(e.Price, 64)
		if err != nil || asset == "" {
			continue
		}
		size, _ := strconv.ParseFloat(e.Size, 64)
		out = append(out, domain.PriceChange{
			AssetID:   asset,
			Side:      strings.ToUpper(e.Side),
			Price:     price,
			Size:      size,
			Timestamp: ts,
		})
	}
	return out
}

// parseTimestamp reads the venue's millisecond epoch strings. RFC 3339 is
// accepted as a fallback; anything else is stamped with the local clock.
func parseTimestamp(raw string) time.Time {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now()
}
