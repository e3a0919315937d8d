// Package binance adapts Binance spot to the broker interface using
// go-binance for REST and the shared stream manager for market data.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/candles"
	"tradegate/internal/credentials"
	"tradegate/internal/domain"
	"tradegate/internal/stream"
	"tradegate/internal/util"
)

// Name is the broker identifier used in the factory and the candle cache.
const Name = "Binance"

const (
	klinesPageLimit = 1000
	depthLimit      = 20
	listenKeyTTL    = 50 * time.Minute
	listenKeyPing   = 30 * time.Minute
)

// Register adds the Binance constructor to f.
func Register(f *broker.Factory) {
	f.Register(Name, New)
}

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Broker is the Binance adapter bound to one user.
type Broker struct {
	userID    string
	deps      broker.Deps
	client    *binance.Client
	whitelist []string
	proto     *streamProtocol
	log       *slog.Logger
}

// New creates an adapter for userID. Public market data works without
// credentials; account calls then fail upstream.
func New(ctx context.Context, userID string, deps broker.Deps) (broker.Broker, error) {
	cfg := deps.Config.Binance
	creds, err := deps.ResolveCredentials(ctx, userID, "binance", credentials.Credentials{
		APIKey: cfg.APIKey,
		Secret: cfg.SecretKey,
	})
	if err != nil && !errors.Is(err, credentials.ErrNotFound) {
		return nil, err
	}

	client := binance.NewClient(creds.APIKey, creds.Secret)
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	client.HTTPClient = deps.HTTPClient

	whitelist := make([]string, 0, len(cfg.PairWhitelist))
	for _, p := range cfg.PairWhitelist {
		whitelist = append(whitelist, strings.ToUpper(p))
	}

	return &Broker{
		userID:    userID,
		deps:      deps,
		client:    client,
		whitelist: whitelist,
		proto:     newStreamProtocol(cfg.StreamURL),
		log:       deps.Logger.With("broker", Name, "user", userID),
	}, nil
}

// Name returns "Binance".
func (b *Broker) Name() string { return Name }

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// GetAccountAssets returns non-zero spot balances.
func (b *Broker) GetAccountAssets(ctx context.Context) ([]domain.Asset, error) {
	var acct *binance.Account
	err := b.call(ctx, "account", func() (err error) {
		acct, err = b.client.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var assets []domain.Asset
	for _, bal := range acct.Balances {
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		total := free.Add(locked)
		if total.IsZero() {
			continue
		}
		assets = append(assets, domain.Asset{
			Symbol:    bal.Asset,
			Balance:   total,
			Available: free,
			Locked:    locked,
			Type:      domain.AssetCrypto,
			Broker:    Name,
		})
	}
	return assets, nil
}

// GetOrders lists open orders on every symbol.
func (b *Broker) GetOrders(ctx context.Context) ([]domain.Order, error) {
	var open []*binance.Order
	err := b.call(ctx, "open orders", func() (err error) {
		open, err = b.client.NewListOpenOrdersService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(open))
	for _, o := range open {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		orders = append(orders, domain.Order{
			OrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:  o.Symbol,
			Side:    sideFromBinance(string(o.Side)),
			Price:   price,
			Amount:  qty,
		})
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// PlaceOrder submits a GTC limit order.
func (b *Broker) PlaceOrder(ctx context.Context, order domain.Order) domain.OrderResult {
	if res, ok := broker.CheckSide(order); !ok {
		return res
	}
	symbol := strings.ToUpper(order.Symbol)
	if !b.allowed(symbol) {
		return domain.OrderResult{Result: domain.ResultError, Message: fmt.Sprintf("Symbol %s is not tradable.", symbol)}
	}

	side := binance.SideTypeBuy
	if order.Side == domain.SideSell {
		side = binance.SideTypeSell
	}

	resp, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(order.Amount.String()).
		Price(order.Price.String()).
		Do(ctx)
	if err != nil {
		b.log.Warn("place order failed", "symbol", symbol, "err", err)
		return broker.Failure(classify("place order", err))
	}

	order.OrderID = strconv.FormatInt(resp.OrderID, 10)
	order.Symbol = resp.Symbol
	b.log.Info("order placed", "symbol", symbol, "order_id", order.OrderID, "side", order.Side)
	return broker.Success("Order placed.", order)
}

// CancelOrder cancels order.OrderID on order.Symbol.
func (b *Broker) CancelOrder(ctx context.Context, order domain.Order) domain.OrderResult {
	id, err := strconv.ParseInt(order.OrderID, 10, 64)
	if err != nil {
		return domain.OrderResult{Result: domain.ResultError, Message: fmt.Sprintf("Invalid order id %q.", order.OrderID)}
	}
	_, err = b.client.NewCancelOrderService().
		Symbol(strings.ToUpper(order.Symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return broker.Failure(classify("cancel order", err))
	}
	return broker.Success("Order canceled.", order)
}

// CancelAllOrders cancels open orders on symbol, or on every whitelisted
// pair when symbol is empty.
func (b *Broker) CancelAllOrders(ctx context.Context, symbol string) domain.OrderResult {
	symbols := b.whitelist
	if symbol != "" {
		symbols = []string{strings.ToUpper(symbol)}
	}

	var failed []string
	for _, s := range symbols {
		_, err := b.client.NewCancelOpenOrdersService().Symbol(s).Do(ctx)
		if err == nil {
			continue
		}
		var apiErr *common.APIError
		// -2011: no open orders on the symbol.
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			continue
		}
		if len(symbols) == 1 {
			return broker.Failure(classify("cancel all", err))
		}
		b.log.Warn("cancel all failed", "symbol", s, "err", err)
		failed = append(failed, s)
	}
	if len(failed) > 0 {
		return domain.OrderResult{Result: domain.ResultError, Message: "Cancel failed for " + strings.Join(failed, ", ") + "."}
	}
	return domain.OrderResult{Result: domain.ResultSuccess, Message: "All orders canceled."}
}

func (b *Broker) allowed(symbol string) bool {
	if len(b.whitelist) == 0 {
		return true
	}
	for _, s := range b.whitelist {
		if s == symbol {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// GetRealtimeOrderbookPrice returns the top of the book via REST.
func (b *Broker) GetRealtimeOrderbookPrice(ctx context.Context, symbol string) (*domain.OrderBookUpdate, error) {
	var depth *binance.DepthResponse
	err := b.call(ctx, "depth", func() (err error) {
		depth, err = b.client.NewDepthService().Symbol(strings.ToUpper(symbol)).Limit(depthLimit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	book := &domain.OrderBookUpdate{Symbol: strings.ToUpper(symbol)}
	for _, l := range depth.Bids {
		book.Bids = append(book.Bids, level(l.Price, l.Quantity))
	}
	for _, l := range depth.Asks {
		book.Asks = append(book.Asks, level(l.Price, l.Quantity))
	}
	return book, nil
}

// GetSymbols lists trading pairs quoted in USDT.
func (b *Broker) GetSymbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	var info *binance.ExchangeInfo
	err := b.call(ctx, "exchange info", func() (err error) {
		info, err = b.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []domain.SymbolInfo
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.QuoteAsset != "USDT" {
			continue
		}
		out = append(out, domain.SymbolInfo{
			Symbol:      s.Symbol,
			DisplayName: fmt.Sprintf("%s/%s (%s)", s.BaseAsset, s.QuoteAsset, s.Symbol),
		})
	}
	return out, nil
}

// GetCandles serves klines through the candle cache. Binance candle
// boundaries are UTC.
func (b *Broker) GetCandles(ctx context.Context, symbol, interval string, end time.Time, limit int) ([]domain.Candle, error) {
	if b.deps.Candles == nil {
		return nil, errors.New("binance: no candle engine configured")
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
		Location: time.UTC,
	}, candles.FetcherFunc(b.fetchCandles))
}

// fetchCandles is the raw klines call used by the cache engine. Binance
// counts limit forward from startTime, so ranges wider than one page are
// walked forward until the end of the range is covered.
func (b *Broker) fetchCandles(ctx context.Context, req candles.FetchRequest) ([]domain.Candle, error) {
	if req.Start.IsZero() {
		return b.klinesPage(ctx, req.Symbol, req.Interval.Name, time.Time{}, req.End, pageSize(req.Limit))
	}

	var out []domain.Candle
	cursor := req.Start
	remaining := req.Limit
	if remaining <= 0 {
		remaining = math.MaxInt
	}
	for !cursor.After(req.End) && remaining > 0 {
		limit := pageSize(remaining)
		page, err := b.klinesPage(ctx, req.Symbol, req.Interval.Name, cursor, req.End, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < limit {
			break
		}
		remaining -= len(page)
		cursor = req.Interval.Add(page[len(page)-1].OpenTime, 1)
	}
	return out, nil
}

func pageSize(limit int) int {
	if limit <= 0 || limit > klinesPageLimit {
		return klinesPageLimit
	}
	return limit
}

func (b *Broker) klinesPage(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]domain.Candle, error) {
	svc := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		EndTime(end.UnixMilli()).
		Limit(limit)
	if !start.IsZero() {
		svc = svc.StartTime(start.UnixMilli())
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("klines", err)
	}

	out := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, domain.Candle{
			OpenTime:            time.UnixMilli(k.OpenTime).UTC(),
			CloseTime:           time.UnixMilli(k.CloseTime).UTC(),
			Open:                parseFloat(k.Open),
			High:                parseFloat(k.High),
			Low:                 parseFloat(k.Low),
			Close:               parseFloat(k.Close),
			Volume:              parseFloat(k.Volume),
			QuoteVolume:         parseFloat(k.QuoteAssetVolume),
			TradeCount:          k.TradeNum,
			TakerBuyBaseVolume:  parseFloat(k.TakerBuyBaseAssetVolume),
			TakerBuyQuoteVolume: parseFloat(k.TakerBuyQuoteAssetVolume),
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

func (b *Broker) streamKey() stream.Key {
	return stream.Key{UserID: b.userID, Exchange: Name}
}

// SubscribeOrderBook streams 20-level partial books every 100ms.
func (b *Broker) SubscribeOrderBook(ctx context.Context, symbol string, fn func(domain.OrderBookUpdate) error) (broker.Subscription, error) {
	return b.deps.Streams.SubscribeOrderBook(ctx, b.streamKey(), b.proto, strings.ToLower(symbol), fn)
}

// SubscribeTrades streams raw trades.
func (b *Broker) SubscribeTrades(ctx context.Context, symbol string, fn func(domain.TradeUpdate) error) (broker.Subscription, error) {
	return b.deps.Streams.SubscribeTrades(ctx, b.streamKey(), b.proto, strings.ToLower(symbol), fn)
}

// SubscribeOrderUpdates opens a user data stream on the shared connection
// and keeps its listen key alive until the subscription ends.
func (b *Broker) SubscribeOrderUpdates(ctx context.Context, fn func(domain.OrderUpdate) error) (broker.Subscription, error) {
	key, err := b.listenKey(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := b.deps.Streams.SubscribeOrderUpdates(ctx, b.streamKey(), b.proto, key, fn)
	if err != nil {
		return nil, err
	}
	go b.keepListenKey(key, sub.Done())
	return sub, nil
}

func (b *Broker) listenKeyCacheKey() string {
	return fmt.Sprintf("%s_%s_ListenKey", b.userID, Name)
}

// listenKey returns the user's cached listen key or starts a new one.
func (b *Broker) listenKey(ctx context.Context) (string, error) {
	if v, ok, err := b.deps.Cache.Get(ctx, b.listenKeyCacheKey()); err == nil && ok {
		return v, nil
	}
	var key string
	err := b.call(ctx, "start user stream", func() (err error) {
		key, err = b.client.NewStartUserStreamService().Do(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := b.deps.Cache.Set(ctx, b.listenKeyCacheKey(), key, listenKeyTTL); err != nil {
		b.log.Warn("caching listen key", "err", err)
	}
	return key, nil
}

func (b *Broker) keepListenKey(key string, done <-chan struct{}) {
	ticker := time.NewTicker(listenKeyPing)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := b.client.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx)
			cancel()
			if err != nil {
				b.log.Warn("listen key keepalive failed", "err", err)
				continue
			}
			b.deps.Cache.Set(context.Background(), b.listenKeyCacheKey(), key, listenKeyTTL)
		}
	}
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

// classify maps go-binance errors onto the domain taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			return &domain.RateLimitedError{}
		}
		return &domain.UpstreamRejectedError{Code: strconv.FormatInt(apiErr.Code, 10), Message: apiErr.Message}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.TransportError{Op: op, Err: err}
}

func sideFromBinance(s string) domain.OrderSide {
	if strings.EqualFold(s, "SELL") {
		return domain.SideSell
	}
	return domain.SideBuy
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func level(price, qty string) domain.PriceLevel {
	return domain.PriceLevel{Price: parseFloat(price), Quantity: parseFloat(qty)}
}
