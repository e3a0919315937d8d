package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradegate/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ CandleStore = (*SQLiteStore)(nil)
var _ KeyValueCache = (*SQLiteStore)(nil)
var _ TokenStore = (*SQLiteStore)(nil)

// SQLiteStore implements CandleStore, KeyValueCache, and TokenStore backed by
// a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS candle_data (
	broker_name            TEXT    NOT NULL,
	symbol                 TEXT    NOT NULL,
	interval               TEXT    NOT NULL,
	open_time              INTEGER NOT NULL,
	close_time             INTEGER NOT NULL,
	open                   REAL,
	high                   REAL,
	low                    REAL,
	close                  REAL,
	volume                 REAL,
	quote_volume           REAL,
	trade_count            INTEGER,
	taker_buy_base_volume  REAL,
	taker_buy_quote_volume REAL,
	inserted_at            INTEGER NOT NULL,
	UNIQUE (broker_name, symbol, interval, open_time)
);
CREATE TABLE IF NOT EXISTS user_tokens (
	user_id     TEXT NOT NULL,
	broker_name TEXT NOT NULL,
	token_name  TEXT NOT NULL,
	token       TEXT NOT NULL,
	PRIMARY KEY (user_id, broker_name, token_name)
);
CREATE TABLE IF NOT EXISTS kv_cache (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// tables it needs and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// CandleStore implementation
// ---------------------------------------------------------------------------

// Range returns the most recent q.Limit candles inside the query bounds, in
// ascending open-time order.
func (s *SQLiteStore) Range(ctx context.Context, q CandleQuery) ([]domain.Candle, error) {
	query := `
		SELECT broker_name, symbol, interval, open_time, close_time,
		       open, high, low, close, volume, quote_volume, trade_count,
		       taker_buy_base_volume, taker_buy_quote_volume
		FROM candle_data
		WHERE broker_name = ? AND symbol = ? AND interval = ?`
	args := []any{q.Broker, q.Symbol, q.Interval}

	if !q.Start.IsZero() {
		query += " AND open_time >= ?"
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		query += " AND open_time <= ?"
		args = append(args, q.End.UnixMilli())
	}

	// Newest first so LIMIT keeps the most recent rows; reversed below.
	query += " ORDER BY open_time DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StoreError{Op: "range", Err: err}
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var (
			c               domain.Candle
			openMs, closeMs int64
			o, h, l, cl, v  sql.NullFloat64
			qv, tbb, tbq    sql.NullFloat64
			tradeCount      sql.NullInt64
		)
		if err := rows.Scan(&c.Broker, &c.Symbol, &c.Interval, &openMs, &closeMs,
			&o, &h, &l, &cl, &v, &qv, &tradeCount, &tbb, &tbq); err != nil {
			return nil, &domain.StoreError{Op: "range scan", Err: err}
		}
		c.OpenTime = time.UnixMilli(openMs).UTC()
		c.CloseTime = time.UnixMilli(closeMs).UTC()
		c.Open, c.High, c.Low, c.Close = o.Float64, h.Float64, l.Float64, cl.Float64
		c.Volume, c.QuoteVolume = v.Float64, qv.Float64
		c.TradeCount = tradeCount.Int64
		c.TakerBuyBaseVolume, c.TakerBuyQuoteVolume = tbb.Float64, tbq.Float64
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "range", Err: err}
	}

	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// UpsertBatch inserts candles in one transaction; existing natural keys are
// left untouched.
func (s *SQLiteStore) UpsertBatch(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StoreError{Op: "upsert", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candle_data (
			broker_name, symbol, interval, open_time, close_time,
			open, high, low, close, volume, quote_volume, trade_count,
			taker_buy_base_volume, taker_buy_quote_volume, inserted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (broker_name, symbol, interval, open_time) DO NOTHING`)
	if err != nil {
		return &domain.StoreError{Op: "upsert prepare", Err: err}
	}
	defer stmt.Close()

	insertedAt := s.now().UnixMilli()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Broker, c.Symbol, c.Interval, c.OpenTime.UnixMilli(), c.CloseTime.UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume, c.TradeCount,
			c.TakerBuyBaseVolume, c.TakerBuyQuoteVolume, insertedAt,
		); err != nil {
			return &domain.StoreError{Op: "upsert", Err: fmt.Errorf("%s %s %s: %w",
				c.Symbol, c.Interval, c.OpenTime.Format(time.RFC3339), err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &domain.StoreError{Op: "upsert commit", Err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// KeyValueCache implementation
// ---------------------------------------------------------------------------

// Get returns an unexpired cached value.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value     string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_cache WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &domain.StoreError{Op: "kv get", Err: err}
	}
	if expiresAt > 0 && s.now().UnixMilli() >= expiresAt {
		return "", false, nil
	}
	return value, true, nil
}

// Set stores value with an optional ttl.
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return &domain.StoreError{Op: "kv set", Err: err}
	}
	return nil
}

// Delete removes a cached value.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_cache WHERE key = ?", key); err != nil {
		return &domain.StoreError{Op: "kv delete", Err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// TokenStore implementation
// ---------------------------------------------------------------------------

// Token returns a registered per-user secret.
func (s *SQLiteStore) Token(ctx context.Context, userID, broker, name string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		"SELECT token FROM user_tokens WHERE user_id = ? AND broker_name = ? AND token_name = ?",
		userID, broker, name,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &domain.StoreError{Op: "token get", Err: err}
	}
	return token, nil
}

// SetToken registers or replaces a per-user secret.
func (s *SQLiteStore) SetToken(ctx context.Context, userID, broker, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_tokens (user_id, broker_name, token_name, token) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, broker_name, token_name) DO UPDATE SET token = excluded.token`,
		userID, broker, name, value)
	if err != nil {
		return &domain.StoreError{Op: "token set", Err: err}
	}
	return nil
}
