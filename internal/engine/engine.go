// Package engine is the gateway façade a boundary layer calls: it resolves
// per-user adapters through the broker factory, aggregates assets across
// exchanges and runs pre-trade checks before orders leave the process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
)

// Engine routes calls to the adapter bound to (user, exchange).
type Engine struct {
	factory *broker.Factory
	risk    *RiskManager
	log     *slog.Logger

	mu      sync.Mutex
	brokers map[brokerKey]broker.Broker
}

type brokerKey struct {
	userID   string
	exchange string
}

// NewEngine creates an Engine over f. A nil risk manager only enforces the
// basic order shape.
func NewEngine(f *broker.Factory, risk *RiskManager, logger *slog.Logger) *Engine {
	if risk == nil {
		risk = NewRiskManager(decimal.Zero)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		factory: f,
		risk:    risk,
		log:     logger.With("component", "engine"),
		brokers: make(map[brokerKey]broker.Broker),
	}
}

// Broker returns the adapter for userID on exchange, creating it on first
// use. Unknown exchanges fail with *domain.UnsupportedBrokerError.
func (e *Engine) Broker(ctx context.Context, userID, exchange string) (broker.Broker, error) {
	key := brokerKey{userID: userID, exchange: strings.ToLower(exchange)}

	e.mu.Lock()
	b, ok := e.brokers[key]
	e.mu.Unlock()
	if ok {
		return b, nil
	}

	b, err := e.factory.Create(ctx, exchange, userID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.brokers[key]; ok {
		return existing, nil
	}
	e.brokers[key] = b
	return b, nil
}

// Forget drops cached adapters of userID, e.g. after the user rotated
// credentials.
func (e *Engine) Forget(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.brokers {
		if k.userID == userID {
			delete(e.brokers, k)
		}
	}
}

// AllAssets collects balances from every exchange concurrently, each asset
// tagged with its broker. A failing exchange is logged and skipped; the
// call fails only when every exchange failed.
func (e *Engine) AllAssets(ctx context.Context, userID string, exchanges []string) ([]domain.Asset, error) {
	if len(exchanges) == 0 {
		exchanges = e.factory.Available()
	}

	results := make([][]domain.Asset, len(exchanges))
	errs := make([]error, len(exchanges))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range exchanges {
		g.Go(func() error {
			b, err := e.Broker(gctx, userID, name)
			if err != nil {
				errs[i] = err
				return nil
			}
			assets, err := b.GetAccountAssets(gctx)
			if err != nil {
				errs[i] = err
				return nil
			}
			for j := range assets {
				assets[j].Broker = b.Name()
			}
			results[i] = assets
			return nil
		})
	}
	g.Wait()

	var out []domain.Asset
	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			e.log.Warn("skipping broker in asset aggregation", "user", userID, "broker", exchanges[i], "err", err)
			continue
		}
		out = append(out, results[i]...)
	}
	if failed == len(exchanges) {
		return nil, fmt.Errorf("fetching assets for %s: %w", userID, errors.Join(errs...))
	}
	return out, nil
}

// PlaceOrder checks order and submits it on exchange.
func (e *Engine) PlaceOrder(ctx context.Context, userID, exchange string, order domain.Order) domain.OrderResult {
	if res, ok := broker.CheckSide(order); !ok {
		return res
	}
	if err := e.risk.CheckOrder(order); err != nil {
		return domain.OrderResult{Result: domain.ResultError, Message: err.Error()}
	}
	b, err := e.Broker(ctx, userID, exchange)
	if err != nil {
		return broker.Failure(err)
	}
	res := b.PlaceOrder(ctx, order)
	e.log.Info("place order", "user", userID, "broker", b.Name(), "symbol", order.Symbol,
		"side", order.Side, "result", res.Result, "order_id", res.OrderID)
	return res
}

// CancelOrder cancels one open order on exchange.
func (e *Engine) CancelOrder(ctx context.Context, userID, exchange string, order domain.Order) domain.OrderResult {
	b, err := e.Broker(ctx, userID, exchange)
	if err != nil {
		return broker.Failure(err)
	}
	return b.CancelOrder(ctx, order)
}

// CancelAllOrders cancels the user's open orders on exchange, limited to
// symbol when it is set.
func (e *Engine) CancelAllOrders(ctx context.Context, userID, exchange, symbol string) domain.OrderResult {
	b, err := e.Broker(ctx, userID, exchange)
	if err != nil {
		return broker.Failure(err)
	}
	return b.CancelAllOrders(ctx, symbol)
}

// Orders lists the user's open orders on exchange.
func (e *Engine) Orders(ctx context.Context, userID, exchange string) ([]domain.Order, error) {
	b, err := e.Broker(ctx, userID, exchange)
	if err != nil {
		return nil, err
	}
	return b.GetOrders(ctx)
}

// Candles returns closed candles from the cache engine of exchange.
func (e *Engine) Candles(ctx context.Context, userID, exchange, symbol, interval string, end time.Time, limit int) ([]domain.Candle, error) {
	b, err := e.Broker(ctx, userID, exchange)
	if err != nil {
		return nil, err
	}
	return b.GetCandles(ctx, symbol, interval, end, limit)
}
