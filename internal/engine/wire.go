package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/broker/alpaca"
	"tradegate/internal/broker/binance"
	"tradegate/internal/broker/kis"
	"tradegate/internal/candles"
	"tradegate/internal/config"
	"tradegate/internal/credentials"
	"tradegate/internal/store"
	"tradegate/internal/stream"
)

// Runtime owns everything Open builds. Close releases sockets and stores.
type Runtime struct {
	Engine  *Engine
	Factory *broker.Factory
	Streams *stream.Manager
	SQLite  *store.SQLiteStore

	// Sessions maps caller session tokens to user ids.
	Sessions credentials.SessionValidator

	closers []func() error
}

// Close tears down stream sessions, then closes the stores.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.Streams.Close(ctx)
	for i := len(r.closers) - 1; i >= 0; i-- {
		if cerr := r.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Open wires the gateway from cfg: the SQLite database for tokens and the
// key-value cache, the configured candle backend, the credential provider,
// the shared stream manager, the risk limits and every exchange adapter,
// plus the paper venue when it is enabled.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	risk, err := newRiskManager(cfg)
	if err != nil {
		return nil, err
	}
	var sim *broker.Simulator
	if cfg.Simulator.Enabled {
		if sim, err = newSimulator(cfg); err != nil {
			return nil, err
		}
	}

	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	rt := &Runtime{
		SQLite:   db,
		Sessions: credentials.NewCacheSessionValidator(db),
		closers:  []func() error{db.Close},
	}

	candleStore, err := openCandleStore(ctx, cfg, db, rt)
	if err != nil {
		db.Close()
		return nil, err
	}

	creds := credentials.NewStoreProvider(db, db, cfg.Credentials.CacheTTL, logger)
	creds.SetStatic("binance", credentials.Credentials{APIKey: cfg.Binance.APIKey, Secret: cfg.Binance.SecretKey})
	creds.SetStatic("kis", credentials.Credentials{
		APIKey:        cfg.KIS.AppKey,
		Secret:        cfg.KIS.AppSecret,
		AccountNumber: cfg.KIS.AccountNumber,
		ProductCode:   cfg.KIS.ProductCode,
		HTSID:         cfg.KIS.HTSID,
	})
	creds.SetStatic("alpaca", credentials.Credentials{APIKey: cfg.Alpaca.APIKey, Secret: cfg.Alpaca.APISecret})

	rt.Streams = stream.NewManager(&stream.WebsocketDialer{WriteTimeout: cfg.Stream.WriteTimeout}, stream.Options{
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		WriteTimeout:     cfg.Stream.WriteTimeout,
		CloseWhenIdle:    cfg.Stream.CloseWhenIdle,
	}, logger)

	engine := candles.NewEngine(candleStore,
		candles.WithLocation(cfg.CandleLocation()),
		candles.WithRetryPolicy(broker.Deps{Config: cfg}.RetryPolicy()),
		candles.WithLogger(logger),
	)

	rt.Factory = broker.NewFactory(broker.Deps{
		Config:      cfg,
		Credentials: creds,
		Cache:       db,
		Candles:     engine,
		Streams:     rt.Streams,
		Logger:      logger,
	})
	binance.Register(rt.Factory)
	kis.Register(rt.Factory)
	alpaca.Register(rt.Factory)
	if sim != nil {
		broker.RegisterSimulator(rt.Factory, sim)
	}

	rt.Engine = NewEngine(rt.Factory, risk, logger)
	logger.Info("gateway ready",
		"brokers", strings.Join(rt.Factory.Available(), ","),
		"candle_backend", cfg.Storage.CandleBackend)
	return rt, nil
}

// openCandleStore selects the candle backend. SQLite shares the token
// database.
func openCandleStore(ctx context.Context, cfg *config.Config, db *store.SQLiteStore, rt *Runtime) (store.CandleStore, error) {
	switch strings.ToLower(cfg.Storage.CandleBackend) {
	case "", "sqlite":
		return db, nil
	case "parquet":
		return store.NewParquetStore(filepath.Join(cfg.Storage.DataDir, "candles")), nil
	case "influx":
		s, err := store.NewInfluxStore(ctx, cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		if err != nil {
			return nil, fmt.Errorf("opening influx store: %w", err)
		}
		rt.closers = append(rt.closers, func() error { s.Close(); return nil })
		return s, nil
	}
	return nil, fmt.Errorf("unknown candle backend %q", cfg.Storage.CandleBackend)
}

func newRiskManager(cfg *config.Config) (*RiskManager, error) {
	if cfg.Risk.MaxNotional == "" {
		return NewRiskManager(decimal.Zero), nil
	}
	limit, err := decimal.NewFromString(cfg.Risk.MaxNotional)
	if err != nil {
		return nil, fmt.Errorf("parsing risk.max_notional: %w", err)
	}
	return NewRiskManager(limit), nil
}

func newSimulator(cfg *config.Config) (*broker.Simulator, error) {
	prices, err := parseDecimals("simulator.prices", cfg.Simulator.Prices)
	if err != nil {
		return nil, err
	}
	funding, err := parseDecimals("simulator.funding", cfg.Simulator.Funding)
	if err != nil {
		return nil, err
	}
	return broker.NewSimulator(prices, funding), nil
}

func parseDecimals(section string, in map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parsing %s[%s]: %w", section, k, err)
		}
		out[k] = d
	}
	return out, nil
}
