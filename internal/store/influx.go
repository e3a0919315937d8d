package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"tradegate/internal/domain"
)

// Compile-time interface check.
var _ CandleStore = (*InfluxStore)(nil)

const candleMeasurement = "candles"

// InfluxStore implements CandleStore on an InfluxDB 2.x bucket. A point is
// identified by its tags and timestamp, so rewriting the same closed candle
// leaves a single row.
type InfluxStore struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	bucket   string
}

// NewInfluxStore connects to InfluxDB and checks its health.
func NewInfluxStore(ctx context.Context, url, token, org, bucket string) (*InfluxStore, error) {
	client := influxdb2.NewClient(url, token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to influxdb: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influxdb not healthy: %+v", health)
	}

	return &InfluxStore{
		client:   client,
		queryAPI: client.QueryAPI(org),
		writeAPI: client.WriteAPIBlocking(org, bucket),
		bucket:   bucket,
	}, nil
}

// Close releases the client.
func (s *InfluxStore) Close() {
	s.client.Close()
}

// UpsertBatch writes candles as points tagged by natural key.
func (s *InfluxStore) UpsertBatch(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(candles))
	for _, c := range candles {
		points = append(points, candlePoint(c))
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return &domain.StoreError{Op: "upsert", Err: err}
	}
	return nil
}

// Range runs a pivoted Flux query for the series and time bounds.
func (s *InfluxStore) Range(ctx context.Context, q CandleQuery) ([]domain.Candle, error) {
	result, err := s.queryAPI.Query(ctx, candleFlux(s.bucket, q))
	if err != nil {
		return nil, &domain.StoreError{Op: "range", Err: err}
	}
	defer result.Close()

	var candles []domain.Candle
	for result.Next() {
		rec := result.Record()
		candles = append(candles, candleFromValues(q, rec.Time(), rec.Values()))
	}
	if result.Err() != nil {
		return nil, &domain.StoreError{Op: "range", Err: result.Err()}
	}
	return FilterRange(candles, q), nil
}

func candlePoint(c domain.Candle) *write.Point {
	return influxdb2.NewPoint(
		candleMeasurement,
		map[string]string{
			"broker":   c.Broker,
			"symbol":   c.Symbol,
			"interval": c.Interval,
		},
		map[string]interface{}{
			"close_time":             c.CloseTime.UnixMilli(),
			"open":                   c.Open,
			"high":                   c.High,
			"low":                    c.Low,
			"close":                  c.Close,
			"volume":                 c.Volume,
			"quote_volume":           c.QuoteVolume,
			"trade_count":            c.TradeCount,
			"taker_buy_base_volume":  c.TakerBuyBaseVolume,
			"taker_buy_quote_volume": c.TakerBuyQuoteVolume,
		},
		c.OpenTime,
	)
}

// candleFlux builds the query for one series. Flux range stop is exclusive,
// so the end bound is pushed one millisecond out.
func candleFlux(bucket string, q CandleQuery) string {
	start := "0"
	if !q.Start.IsZero() {
		start = q.Start.UTC().Format(time.RFC3339Nano)
	}
	stop := "now()"
	if !q.End.IsZero() {
		stop = q.End.Add(time.Millisecond).UTC().Format(time.RFC3339Nano)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", start, stop)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", candleMeasurement)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r.broker == %q and r.symbol == %q and r.interval == %q)\n",
		q.Broker, q.Symbol, q.Interval)
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: true)\n")
	if q.Limit > 0 {
		fmt.Fprintf(&b, "  |> limit(n: %d)\n", q.Limit)
	}
	return b.String()
}

func candleFromValues(q CandleQuery, openTime time.Time, v map[string]interface{}) domain.Candle {
	return domain.Candle{
		Broker:              q.Broker,
		Symbol:              q.Symbol,
		Interval:            q.Interval,
		OpenTime:            openTime.UTC(),
		CloseTime:           time.UnixMilli(asInt(v["close_time"])).UTC(),
		Open:                asFloat(v["open"]),
		High:                asFloat(v["high"]),
		Low:                 asFloat(v["low"]),
		Close:               asFloat(v["close"]),
		Volume:              asFloat(v["volume"]),
		QuoteVolume:         asFloat(v["quote_volume"]),
		TradeCount:          asInt(v["trade_count"]),
		TakerBuyBaseVolume:  asFloat(v["taker_buy_base_volume"]),
		TakerBuyQuoteVolume: asFloat(v["taker_buy_quote_volume"]),
	}
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return 0
}

func asInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}
