// Package alpaca adapts the Alpaca broker API for US equities. REST goes
// through the official SDK; real-time data uses the shared stream manager
// with two sockets per user, one for market data and one for trade
// updates.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/candles"
	"tradegate/internal/credentials"
	"tradegate/internal/domain"
	"tradegate/internal/stream"
	"tradegate/internal/util"
)

// Name is the broker identifier used in the factory and the candle cache.
const Name = "Alpaca"

const (
	openOrdersLimit = 500
	barsPageLimit   = 10000
)

// Register adds the Alpaca constructor to f.
func Register(f *broker.Factory) {
	f.Register(Name, New)
}

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Broker is the Alpaca adapter bound to one user.
type Broker struct {
	userID  string
	deps    broker.Deps
	trading *alpaca.Client
	data    *marketdata.Client
	feed    string
	market  *marketProtocol
	updates *tradingProtocol
	log     *slog.Logger
}

// New creates an adapter for userID. Alpaca requires credentials for every
// endpoint, market data included.
func New(ctx context.Context, userID string, deps broker.Deps) (broker.Broker, error) {
	cfg := deps.Config.Alpaca
	creds, err := deps.ResolveCredentials(ctx, userID, "alpaca", credentials.Credentials{
		APIKey: cfg.APIKey,
		Secret: cfg.APISecret,
	})
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	return &Broker{
		userID: userID,
		deps:   deps,
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     creds.APIKey,
			APISecret:  creds.Secret,
			BaseURL:    baseURL,
			HTTPClient: deps.HTTPClient,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     creds.APIKey,
			APISecret:  creds.Secret,
			BaseURL:    strings.TrimRight(cfg.DataURL, "/"),
			HTTPClient: deps.HTTPClient,
		}),
		feed:    cfg.Feed,
		market:  newMarketProtocol(cfg.StreamURL, creds),
		updates: newTradingProtocol(tradingStreamURL(baseURL), creds),
		log:     deps.Logger.With("broker", Name, "user", userID),
	}, nil
}

// tradingStreamURL derives the trade_updates socket from the REST base.
func tradingStreamURL(baseURL string) string {
	u := baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/stream"
}

// Name returns "Alpaca".
func (b *Broker) Name() string { return Name }

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// GetAccountAssets returns open positions followed by the cash balance.
func (b *Broker) GetAccountAssets(ctx context.Context) ([]domain.Asset, error) {
	var positions []alpaca.Position
	err := b.call(ctx, "positions", func() (err error) {
		positions, err = b.trading.GetPositions()
		return err
	})
	if err != nil {
		return nil, err
	}
	var acct *alpaca.Account
	err = b.call(ctx, "account", func() (err error) {
		acct, err = b.trading.GetAccount()
		return err
	})
	if err != nil {
		return nil, err
	}

	assets := make([]domain.Asset, 0, len(positions)+1)
	for _, p := range positions {
		if p.Qty.IsZero() {
			continue
		}
		assets = append(assets, domain.Asset{
			Symbol:    p.Symbol,
			Balance:   p.Qty,
			Available: p.QtyAvailable,
			Locked:    p.Qty.Sub(p.QtyAvailable),
			Type:      domain.AssetStock,
			Broker:    Name,
		})
	}
	if acct.Cash.IsPositive() {
		currency := acct.Currency
		if currency == "" {
			currency = "USD"
		}
		assets = append(assets, domain.Asset{
			Symbol:    currency,
			Balance:   acct.Cash,
			Available: acct.Cash,
			Locked:    decimal.Zero,
			Type:      domain.AssetDeposit,
			Broker:    Name,
		})
	}
	return assets, nil
}

// GetOrders lists open orders.
func (b *Broker) GetOrders(ctx context.Context) ([]domain.Order, error) {
	var open []alpaca.Order
	err := b.call(ctx, "open orders", func() (err error) {
		open, err = b.trading.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: openOrdersLimit})
		return err
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(open))
	for _, o := range open {
		orders = append(orders, orderFromAlpaca(o))
	}
	return orders, nil
}

func orderFromAlpaca(o alpaca.Order) domain.Order {
	out := domain.Order{
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    sideFromAlpaca(string(o.Side)),
	}
	if o.LimitPrice != nil {
		out.Price = *o.LimitPrice
	}
	if o.Qty != nil {
		out.Amount = *o.Qty
	}
	return out
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// PlaceOrder submits a day limit order.
func (b *Broker) PlaceOrder(ctx context.Context, order domain.Order) domain.OrderResult {
	if res, ok := broker.CheckSide(order); !ok {
		return res
	}
	symbol := strings.ToUpper(order.Symbol)
	side := alpaca.Buy
	if order.Side == domain.SideSell {
		side = alpaca.Sell
	}
	qty, price := order.Amount, order.Price

	placed, err := b.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Limit,
		TimeInForce: alpaca.Day,
		LimitPrice:  &price,
	})
	if err != nil {
		b.log.Warn("place order failed", "symbol", symbol, "err", err)
		return broker.Failure(classify("place order", err))
	}

	order.OrderID = placed.ID
	order.Symbol = placed.Symbol
	b.log.Info("order placed", "symbol", symbol, "order_id", order.OrderID, "side", order.Side)
	return broker.Success("Order placed.", order)
}

// CancelOrder cancels order.OrderID.
func (b *Broker) CancelOrder(ctx context.Context, order domain.Order) domain.OrderResult {
	if order.OrderID == "" {
		return domain.OrderResult{Result: domain.ResultError, Message: "Order id is required."}
	}
	if err := b.trading.CancelOrder(order.OrderID); err != nil {
		return broker.Failure(classify("cancel order", err))
	}
	return broker.Success("Order canceled.", order)
}

// CancelAllOrders cancels every open order, or those on symbol when it is
// set.
func (b *Broker) CancelAllOrders(ctx context.Context, symbol string) domain.OrderResult {
	if symbol == "" {
		if err := b.trading.CancelAllOrders(); err != nil {
			return broker.Failure(classify("cancel all", err))
		}
		return domain.OrderResult{Result: domain.ResultSuccess, Message: "All orders canceled."}
	}

	open, err := b.GetOrders(ctx)
	if err != nil {
		return broker.Failure(err)
	}
	var failed []string
	for _, o := range open {
		if !strings.EqualFold(o.Symbol, symbol) {
			continue
		}
		if err := b.trading.CancelOrder(o.OrderID); err != nil {
			b.log.Warn("cancel failed", "order_id", o.OrderID, "err", err)
			failed = append(failed, o.OrderID)
		}
	}
	if len(failed) > 0 {
		return domain.OrderResult{Result: domain.ResultError, Message: "Cancel failed for " + strings.Join(failed, ", ") + "."}
	}
	return domain.OrderResult{Result: domain.ResultSuccess, Message: "All orders canceled."}
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// GetRealtimeOrderbookPrice returns the latest NBBO quote as a one-level
// book.
func (b *Broker) GetRealtimeOrderbookPrice(ctx context.Context, symbol string) (*domain.OrderBookUpdate, error) {
	symbol = strings.ToUpper(symbol)
	var q *marketdata.Quote
	err := b.call(ctx, "latest quote", func() (err error) {
		q, err = b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{Feed: marketdata.Feed(b.feed)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &domain.OrderBookUpdate{
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: q.BidPrice, Quantity: float64(q.BidSize)}},
		Asks:   []domain.PriceLevel{{Price: q.AskPrice, Quantity: float64(q.AskSize)}},
	}, nil
}

// GetSymbols lists active, tradable US equities.
func (b *Broker) GetSymbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	var assets []alpaca.Asset
	err := b.call(ctx, "assets", func() (err error) {
		assets, err = b.trading.GetAssets(alpaca.GetAssetsRequest{Status: "active", AssetClass: "us_equity"})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.SymbolInfo, 0, len(assets))
	for _, a := range assets {
		if !a.Tradable {
			continue
		}
		out = append(out, domain.SymbolInfo{Symbol: a.Symbol, DisplayName: a.Name})
	}
	return out, nil
}

var newYork = mustLocation("America/New_York")

// GetCandles serves bars through the candle cache. Daily bars open at New
// York midnight.
func (b *Broker) GetCandles(ctx context.Context, symbol, interval string, end time.Time, limit int) ([]domain.Candle, error) {
	if b.deps.Candles == nil {
		return nil, errors.New("alpaca: no candle engine configured")
	}
	if limit <= 0 {
		limit = b.deps.Config.CandleLimit(Name)
	}
	return b.deps.Candles.GetCandles(ctx, candles.Request{
		Broker:   Name,
		Symbol:   strings.ToUpper(symbol),
		Interval: interval,
		End:      end,
		Limit:    limit,
		Location: newYork,
	}, candles.FetcherFunc(b.fetchCandles))
}

// timeFrame maps an engine interval onto an Alpaca bar width.
func timeFrame(iv candles.Interval) marketdata.TimeFrame {
	switch {
	case iv.Daily():
		return marketdata.NewTimeFrame(iv.Days, marketdata.Day)
	case iv.Step%time.Hour == 0:
		return marketdata.NewTimeFrame(int(iv.Step/time.Hour), marketdata.Hour)
	}
	return marketdata.NewTimeFrame(int(iv.Step/time.Minute), marketdata.Min)
}

// fetchCandles is the raw bars call used by the cache engine.
func (b *Broker) fetchCandles(ctx context.Context, req candles.FetchRequest) ([]domain.Candle, error) {
	limit := req.Limit
	if limit <= 0 || limit > barsPageLimit {
		limit = barsPageLimit
	}
	start := req.Start
	if start.IsZero() {
		start = req.Interval.Add(req.End, -limit)
	}

	bars, err := b.data.GetBars(req.Symbol, marketdata.GetBarsRequest{
		TimeFrame:  timeFrame(req.Interval),
		Start:      start,
		End:        req.End,
		TotalLimit: limit,
		Feed:       marketdata.Feed(b.feed),
	})
	if err != nil {
		return nil, classify("bars", err)
	}

	out := make([]domain.Candle, 0, len(bars))
	for _, bar := range bars {
		open := bar.Timestamp.UTC()
		out = append(out, domain.Candle{
			OpenTime:    open,
			CloseTime:   req.Interval.CloseTime(open.In(newYork)).UTC(),
			Open:        bar.Open,
			High:        bar.High,
			Low:         bar.Low,
			Close:       bar.Close,
			Volume:      float64(bar.Volume),
			QuoteVolume: bar.VWAP * float64(bar.Volume),
			TradeCount:  int64(bar.TradeCount),
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

func (b *Broker) marketKey() stream.Key {
	return stream.Key{UserID: b.userID, Exchange: Name}
}

func (b *Broker) tradingKey() stream.Key {
	return stream.Key{UserID: b.userID, Exchange: Name + "/trading"}
}

// SubscribeOrderBook streams top-of-book quotes.
func (b *Broker) SubscribeOrderBook(ctx context.Context, symbol string, fn func(domain.OrderBookUpdate) error) (broker.Subscription, error) {
	return b.deps.Streams.SubscribeOrderBook(ctx, b.marketKey(), b.market, strings.ToUpper(symbol), fn)
}

// SubscribeTrades streams trade prints.
func (b *Broker) SubscribeTrades(ctx context.Context, symbol string, fn func(domain.TradeUpdate) error) (broker.Subscription, error) {
	return b.deps.Streams.SubscribeTrades(ctx, b.marketKey(), b.market, strings.ToUpper(symbol), fn)
}

// SubscribeOrderUpdates streams the account's trade_updates.
func (b *Broker) SubscribeOrderUpdates(ctx context.Context, fn func(domain.OrderUpdate) error) (broker.Subscription, error) {
	return b.deps.Streams.SubscribeOrderUpdates(ctx, b.tradingKey(), b.updates, tradeUpdatesStream, fn)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// call runs a read-only request with the configured retry policy.
func (b *Broker) call(ctx context.Context, op string, fn func() error) error {
	return util.Retry(ctx, b.deps.RetryPolicy(), func() error {
		return classify(op, fn())
	})
}

// classify maps SDK errors onto the domain taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &domain.RateLimitedError{}
		case apiErr.StatusCode >= 500:
			return &domain.TransportError{Op: op, Err: err}
		}
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Body
		}
		code := ""
		if apiErr.Code != 0 {
			code = strconv.Itoa(apiErr.Code)
		}
		return &domain.UpstreamRejectedError{Code: code, Message: msg}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.TransportError{Op: op, Err: fmt.Errorf("alpaca: %w", err)}
}

func sideFromAlpaca(s string) domain.OrderSide {
	if strings.EqualFold(s, "sell") {
		return domain.SideSell
	}
	return domain.SideBuy
}

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}
