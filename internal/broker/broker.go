// Package broker defines the capability set every exchange adapter
// implements and the factory that builds adapters per user.
package broker

import (
	"context"
	"time"

	"tradegate/internal/domain"
)

// Subscription is a live real-time registration. *stream.Subscription
// satisfies it.
type Subscription interface {
	// Unsubscribe removes the callback. It is safe to call more than once.
	Unsubscribe()

	// Done is closed once the callback will receive no more events.
	Done() <-chan struct{}
}

// Broker abstracts one exchange for one acting user. Order actions report
// failures through domain.OrderResult; every other method returns typed
// errors from package domain.
type Broker interface {
	// Name returns the broker identifier (e.g. "Binance", "KIS").
	Name() string

	// GetAccountAssets returns the user's balances.
	GetAccountAssets(ctx context.Context) ([]domain.Asset, error)

	// GetRealtimeOrderbookPrice returns a current depth snapshot.
	GetRealtimeOrderbookPrice(ctx context.Context, symbol string) (*domain.OrderBookUpdate, error)

	// SubscribeOrderBook streams depth snapshots for symbol to fn.
	SubscribeOrderBook(ctx context.Context, symbol string, fn func(domain.OrderBookUpdate) error) (Subscription, error)

	// SubscribeTrades streams trade prints for symbol to fn.
	SubscribeTrades(ctx context.Context, symbol string, fn func(domain.TradeUpdate) error) (Subscription, error)

	// SubscribeOrderUpdates streams the user's execution reports to fn.
	SubscribeOrderUpdates(ctx context.Context, fn func(domain.OrderUpdate) error) (Subscription, error)

	// PlaceOrder submits a limit order.
	PlaceOrder(ctx context.Context, order domain.Order) domain.OrderResult

	// CancelOrder cancels an open order identified by order.OrderID.
	CancelOrder(ctx context.Context, order domain.Order) domain.OrderResult

	// CancelAllOrders cancels every open order, limited to symbol when it
	// is not empty.
	CancelAllOrders(ctx context.Context, symbol string) domain.OrderResult

	// GetOrders lists open orders.
	GetOrders(ctx context.Context) ([]domain.Order, error)

	// GetCandles returns up to limit closed candles ending at end.
	GetCandles(ctx context.Context, symbol, interval string, end time.Time, limit int) ([]domain.Candle, error)

	// GetSymbols lists tradable instruments.
	GetSymbols(ctx context.Context) ([]domain.SymbolInfo, error)
}
