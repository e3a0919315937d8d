package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradegate/internal/domain"
)

// Compile-time interface check.
var _ CandleStore = (*ParquetStore)(nil)

// ParquetStore implements CandleStore using year-partitioned Parquet files
// on disk.
type ParquetStore struct {
	DataDir string

	// mu serializes read-merge-write cycles on the same files.
	mu sync.Mutex
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// CandleRecord is the Parquet schema for cached candles. Broker, symbol and
// interval are encoded in the file path.
type CandleRecord struct {
	OpenTime            int64   `parquet:"open_time,timestamp(millisecond)"` // Unix ms
	CloseTime           int64   `parquet:"close_time,timestamp(millisecond)"`
	Open                float64 `parquet:"open"`
	High                float64 `parquet:"high"`
	Low                 float64 `parquet:"low"`
	Close               float64 `parquet:"close"`
	Volume              float64 `parquet:"volume"`
	QuoteVolume         float64 `parquet:"quote_volume"`
	TradeCount          int64   `parquet:"trade_count"`
	TakerBuyBaseVolume  float64 `parquet:"taker_buy_base_volume"`
	TakerBuyQuoteVolume float64 `parquet:"taker_buy_quote_volume"`
}

func toRecord(c domain.Candle) CandleRecord {
	return CandleRecord{
		OpenTime:            c.OpenTime.UnixMilli(),
		CloseTime:           c.CloseTime.UnixMilli(),
		Open:                c.Open,
		High:                c.High,
		Low:                 c.Low,
		Close:               c.Close,
		Volume:              c.Volume,
		QuoteVolume:         c.QuoteVolume,
		TradeCount:          c.TradeCount,
		TakerBuyBaseVolume:  c.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: c.TakerBuyQuoteVolume,
	}
}

func fromRecord(broker, symbol, interval string, r CandleRecord) domain.Candle {
	return domain.Candle{
		Broker:              broker,
		Symbol:              symbol,
		Interval:            interval,
		OpenTime:            time.UnixMilli(r.OpenTime).UTC(),
		CloseTime:           time.UnixMilli(r.CloseTime).UTC(),
		Open:                r.Open,
		High:                r.High,
		Low:                 r.Low,
		Close:               r.Close,
		Volume:              r.Volume,
		QuoteVolume:         r.QuoteVolume,
		TradeCount:          r.TradeCount,
		TakerBuyBaseVolume:  r.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: r.TakerBuyQuoteVolume,
	}
}

// ---------------------------------------------------------------------------
// CandleStore implementation
// ---------------------------------------------------------------------------

// UpsertBatch merges candles into their yearly files. Rows already on disk
// win over incoming rows with the same open time.
func (s *ParquetStore) UpsertBatch(_ context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	type key struct {
		broker, symbol, interval string
		year                     int
	}
	groups := make(map[key][]CandleRecord)
	for _, c := range candles {
		k := key{c.Broker, c.Symbol, c.Interval, c.OpenTime.UTC().Year()}
		groups[k] = append(groups[k], toRecord(c))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, records := range groups {
		path := s.candlePath(k.broker, k.symbol, k.interval, k.year)

		existing, _ := readParquetFile[CandleRecord](path)
		merged := mergeCandleRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return &domain.StoreError{Op: "upsert", Err: fmt.Errorf("writing %s/%s/%d: %w",
				k.symbol, k.interval, k.year, err)}
		}
	}
	return nil
}

// Range reads candles for the query from the yearly files that can overlap
// it.
func (s *ParquetStore) Range(_ context.Context, q CandleQuery) ([]domain.Candle, error) {
	years, err := s.years(q)
	if err != nil {
		return nil, &domain.StoreError{Op: "range", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candles []domain.Candle
	for _, year := range years {
		records, err := readParquetFile[CandleRecord](s.candlePath(q.Broker, q.Symbol, q.Interval, year))
		if err != nil {
			// No file for this year.
			continue
		}
		for _, r := range records {
			candles = append(candles, fromRecord(q.Broker, q.Symbol, q.Interval, r))
		}
	}
	return FilterRange(candles, q), nil
}

// years lists the partitions a query may touch. Without a start bound every
// partition on disk up to the end year is considered.
func (s *ParquetStore) years(q CandleQuery) ([]int, error) {
	last := time.Now().UTC().Year()
	if !q.End.IsZero() {
		last = q.End.UTC().Year()
	}
	if !q.Start.IsZero() {
		var out []int
		for y := q.Start.UTC().Year(); y <= last; y++ {
			out = append(out, y)
		}
		return out, nil
	}

	entries, err := os.ReadDir(s.seriesDir(q.Broker, q.Symbol, q.Interval))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		y, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".parquet"))
		if err != nil || y > last {
			continue
		}
		out = append(out, y)
	}
	sort.Ints(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// seriesDir returns the directory holding one candle series.
// Layout: <dataDir>/candles/<broker>/<interval>/<SYMBOL>/
func (s *ParquetStore) seriesDir(broker, symbol, interval string) string {
	return filepath.Join(s.DataDir, "candles", strings.ToLower(broker), interval, strings.ToUpper(symbol))
}

// candlePath returns the filesystem path for one yearly partition.
func (s *ParquetStore) candlePath(broker, symbol, interval string, year int) string {
	return filepath.Join(s.seriesDir(broker, symbol, interval), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeCandleRecords deduplicates candle records by open time, keeping the
// existing row on conflict. Results are sorted ascending.
func mergeCandleRecords(existing, incoming []CandleRecord) []CandleRecord {
	seen := make(map[int64]CandleRecord, len(existing)+len(incoming))
	for _, r := range incoming {
		seen[r.OpenTime] = r
	}
	for _, r := range existing {
		seen[r.OpenTime] = r
	}

	merged := make([]CandleRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime < merged[j].OpenTime
	})
	return merged
}
