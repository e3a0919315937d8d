// Package store defines the persistence abstractions consumed by the gateway
// core (candle cache, key-value cache, per-user broker tokens) and the
// backends that implement them.
package store

import (
	"context"
	"sort"
	"time"

	"tradegate/internal/domain"
)

// CandleQuery selects cached candles by natural-key prefix and open-time
// range. Start and End are inclusive; a zero Start means unbounded. Limit
// keeps only the most recent rows when positive.
type CandleQuery struct {
	Broker   string
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
	Limit    int
}

// CandleStore persists and retrieves closed OHLCV candles.
type CandleStore interface {
	// Range returns matching candles in ascending open-time order.
	Range(ctx context.Context, q CandleQuery) ([]domain.Candle, error)

	// UpsertBatch inserts candles, silently skipping rows whose natural key
	// (broker, symbol, interval, open_time) already exists.
	UpsertBatch(ctx context.Context, candles []domain.Candle) error
}

// KeyValueCache stores short-lived strings such as access tokens and
// serialized credentials.
type KeyValueCache interface {
	// Get returns the value and true, or false when the key is missing or
	// expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key. A non-positive ttl never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key if present.
	Delete(ctx context.Context, key string) error
}

// TokenStore holds per-user broker secrets by name (e.g. "APP", "SEC").
type TokenStore interface {
	// Token returns the named secret, or "" when it is not registered.
	Token(ctx context.Context, userID, broker, name string) (string, error)

	// SetToken registers or replaces a named secret.
	SetToken(ctx context.Context, userID, broker, name, value string) error
}

// FilterRange applies q to candles already held in memory: key match,
// inclusive time bounds, ascending order, and the most-recent Limit rows.
// Backends that cannot push the filter down share it.
func FilterRange(candles []domain.Candle, q CandleQuery) []domain.Candle {
	var out []domain.Candle
	for _, c := range candles {
		if c.Broker != q.Broker || c.Symbol != q.Symbol || c.Interval != q.Interval {
			continue
		}
		if !q.Start.IsZero() && c.OpenTime.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && c.OpenTime.After(q.End) {
			continue
		}
		out = append(out, c)
	}
	SortByOpenTime(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// SortByOpenTime orders candles ascending by open time in place.
func SortByOpenTime(candles []domain.Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})
}
