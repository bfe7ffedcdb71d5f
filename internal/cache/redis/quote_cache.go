package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// defaultQuoteTTL expires quotes for tokens that stopped being mirrored.
const defaultQuoteTTL = 10 * time.Minute

// QuoteCache implements domain.QuoteCache using Redis hashes.
// Each asset's quote is stored at "quote:{assetID}" with fields bid, ask,
// has_ask, source, and ts (Unix milliseconds).
type QuoteCache struct {
	c   *Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = defaultQuoteTTL
	}
	return &QuoteCache{c: c, ttl: ttl}
}

// SetQuote stores q and refreshes its TTL.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	key := qc.c.key("quote", q.AssetID)
	pipe := qc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, encodeQuote(q))
	pipe.Expire(ctx, key, qc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.AssetID, err)
	}
	return nil
}

// GetQuote returns the stored quote. It returns domain.ErrNotFound when the
// key does not exist.
func (qc *QuoteCache) GetQuote(ctx context.Context, assetID string) (domain.Quote, error) {
	vals, err := qc.c.rdb.HGetAll(ctx, qc.c.key("quote", assetID)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", assetID, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}
	q, err := decodeQuote(assetID, vals)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", assetID, err)
	}
	return q, nil
}

func encodeQuote(q domain.Quote) map[string]any {
	return map[string]any{
		"bid":     strconv.FormatFloat(q.BestBid, 'f', -1, 64),
		"ask":     strconv.FormatFloat(q.BestAsk, 'f', -1, 64),
		"has_ask": strconv.FormatBool(q.HasAsk),
		"source":  string(q.Source),
		"ts":      strconv.FormatInt(q.ObservedAt.UnixMilli(), 10),
	}
}

func decodeQuote(assetID string, vals map[string]string) (domain.Quote, error) {
	bid, err := strconv.ParseFloat(vals["bid"], 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("parse bid: %w", err)
	}
	ms, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("parse ts: %w", err)
	}
	q := domain.Quote{
		AssetID:    assetID,
		BestBid:    bid,
		Source:     domain.PriceSource(vals["source"]),
		ObservedAt: time.UnixMilli(ms),
	}
	q.HasAsk, _ = strconv.ParseBool(vals["has_ask"])
	if q.HasAsk {
		q.BestAsk, _ = strconv.ParseFloat(vals["ask"], 64)
	}
	return q, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
