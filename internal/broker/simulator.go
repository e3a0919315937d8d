package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/candles"
	"tradegate/internal/domain"
)

// SimulatorName is the factory name of the paper-trading venue.
const SimulatorName = "simulator"

// Simulator is an in-memory paper-trading venue. It keeps every user's
// balances, open orders and callbacks in maps keyed by user id, so adapters
// created for different users share it safely.
type Simulator struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	accounts map[string]*simAccount
	subs     map[uint64]*simSub
	nextSub  uint64
	nextSeq  int
	funding  map[string]decimal.Decimal
}

type simAccount struct {
	balances map[string]decimal.Decimal
	orders   map[string]simOrder
}

type simOrder struct {
	seq   int
	order domain.Order
}

type simSub struct {
	id     uint64
	user   string
	kind   string
	symbol string
	fn     func(any) error
	done   chan struct{}
}

// NewSimulator creates a venue quoting prices. New accounts start with
// funding.
func NewSimulator(prices map[string]decimal.Decimal, funding map[string]decimal.Decimal) *Simulator {
	s := &Simulator{
		prices:   make(map[string]decimal.Decimal),
		accounts: make(map[string]*simAccount),
		subs:     make(map[uint64]*simSub),
		funding:  funding,
	}
	for sym, p := range prices {
		s.prices[sym] = p
	}
	return s
}

// RegisterSimulator adds sim to f under SimulatorName.
func RegisterSimulator(f *Factory, sim *Simulator) {
	f.Register(SimulatorName, func(_ context.Context, userID string, deps Deps) (Broker, error) {
		return &SimulatorBroker{sim: sim, userID: userID, deps: deps}, nil
	})
}

// SetPrice moves the quote for symbol and pushes a book and a trade to
// subscribers.
func (s *Simulator) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()

	p := price.InexactFloat64()
	s.notify("", "orderbook", symbol, bookAt(symbol, p))
	now := time.Now()
	s.notify("", "trade", symbol, domain.TradeUpdate{
		Symbol:    symbol,
		Price:     p,
		Quantity:  1,
		Time:      now.Format("15:04:05"),
		Timestamp: now.UnixMilli(),
	})
}

func bookAt(symbol string, p float64) domain.OrderBookUpdate {
	return domain.OrderBookUpdate{
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: p, Quantity: 1}},
		Asks:   []domain.PriceLevel{{Price: p, Quantity: 1}},
	}
}

// account returns the user's account, funding it on first use. Callers
// hold s.mu.
func (s *Simulator) account(userID string) *simAccount {
	a, ok := s.accounts[userID]
	if !ok {
		a = &simAccount{balances: make(map[string]decimal.Decimal), orders: make(map[string]simOrder)}
		for sym, amt := range s.funding {
			a.balances[sym] = amt
		}
		s.accounts[userID] = a
	}
	return a
}

// notify delivers v to matching subscribers; an empty user matches all.
func (s *Simulator) notify(user, kind, symbol string, v any) {
	s.mu.Lock()
	var targets []*simSub
	for _, sub := range s.subs {
		if sub.kind != kind || (user != "" && sub.user != user) || (sub.symbol != "" && sub.symbol != symbol) {
			continue
		}
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		if err := sub.fn(v); err != nil {
			s.unsubscribe(sub.id)
		}
	}
}

func (s *Simulator) subscribe(user, kind, symbol string, fn func(any) error) *simSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	sub := &simSub{id: s.nextSub, user: user, kind: kind, symbol: symbol, fn: fn, done: make(chan struct{})}
	s.subs[sub.id] = sub
	return &simSubscription{sim: s, id: sub.id, done: sub.done}
}

func (s *Simulator) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.done)
	}
}

type simSubscription struct {
	sim  *Simulator
	id   uint64
	done chan struct{}
}

func (s *simSubscription) Unsubscribe()          { s.sim.unsubscribe(s.id) }
func (s *simSubscription) Done() <-chan struct{} { return s.done }

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker is the Broker view of a Simulator for one user.
type SimulatorBroker struct {
	sim    *Simulator
	userID string
	deps   Deps
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return SimulatorName
}

// GetAccountAssets returns the user's simulated balances.
func (b *SimulatorBroker) GetAccountAssets(_ context.Context) ([]domain.Asset, error) {
	b.sim.mu.Lock()
	defer b.sim.mu.Unlock()

	a := b.sim.account(b.userID)
	locked := make(map[string]decimal.Decimal)
	for _, o := range a.orders {
		if o.order.Side == domain.SideBuy {
			locked["USD"] = locked["USD"].Add(o.order.Price.Mul(o.order.Amount))
		} else {
			locked[o.order.Symbol] = locked[o.order.Symbol].Add(o.order.Amount)
		}
	}

	assets := make([]domain.Asset, 0, len(a.balances))
	for sym, bal := range a.balances {
		typ := domain.AssetStock
		if sym == "USD" {
			typ = domain.AssetDeposit
		}
		assets = append(assets, domain.Asset{
			Symbol:    sym,
			Balance:   bal,
			Available: bal.Sub(locked[sym]),
			Locked:    locked[sym],
			Type:      typ,
			Broker:    SimulatorName,
		})
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets, nil
}

// GetRealtimeOrderbookPrice returns a one-level book at the current quote.
func (b *SimulatorBroker) GetRealtimeOrderbookPrice(_ context.Context, symbol string) (*domain.OrderBookUpdate, error) {
	b.sim.mu.Lock()
	p, ok := b.sim.prices[symbol]
	b.sim.mu.Unlock()
	if !ok {
		return nil, &domain.UpstreamRejectedError{Message: fmt.Sprintf("unknown symbol %s", symbol)}
	}
	book := bookAt(symbol, p.InexactFloat64())
	return &book, nil
}

// SubscribeOrderBook receives a book on every SetPrice for symbol.
func (b *SimulatorBroker) SubscribeOrderBook(_ context.Context, symbol string, fn func(domain.OrderBookUpdate) error) (Subscription, error) {
	return b.sim.subscribe(b.userID, "orderbook", symbol, func(v any) error {
		return fn(v.(domain.OrderBookUpdate))
	}), nil
}

// SubscribeTrades receives a trade on every SetPrice for symbol.
func (b *SimulatorBroker) SubscribeTrades(_ context.Context, symbol string, fn func(domain.TradeUpdate) error) (Subscription, error) {
	return b.sim.subscribe(b.userID, "trade", symbol, func(v any) error {
		return fn(v.(domain.TradeUpdate))
	}), nil
}

// SubscribeOrderUpdates receives the user's order state changes.
func (b *SimulatorBroker) SubscribeOrderUpdates(_ context.Context, fn func(domain.OrderUpdate) error) (Subscription, error) {
	return b.sim.subscribe(b.userID, "order", "", func(v any) error {
		return fn(v.(domain.OrderUpdate))
	}), nil
}

// PlaceOrder records a resting limit order.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, order domain.Order) domain.OrderResult {
	if res, ok := CheckSide(order); !ok {
		return res
	}
	if !order.Amount.IsPositive() || !order.Price.IsPositive() {
		return Failure(&domain.UpstreamRejectedError{Message: "price and amount must be positive"})
	}

	b.sim.mu.Lock()
	if _, ok := b.sim.prices[order.Symbol]; !ok {
		b.sim.mu.Unlock()
		return Failure(&domain.UpstreamRejectedError{Message: fmt.Sprintf("unknown symbol %s", order.Symbol)})
	}
	order.OrderID = uuid.NewString()
	b.sim.nextSeq++
	b.sim.account(b.userID).orders[order.OrderID] = simOrder{seq: b.sim.nextSeq, order: order}
	b.sim.mu.Unlock()

	b.sim.notify(b.userID, "order", "", orderUpdate(domain.OrderStatusNew, order))
	return Success("order accepted", order)
}

// CancelOrder removes a resting order.
func (b *SimulatorBroker) CancelOrder(_ context.Context, order domain.Order) domain.OrderResult {
	b.sim.mu.Lock()
	a := b.sim.account(b.userID)
	o, ok := a.orders[order.OrderID]
	if ok {
		delete(a.orders, order.OrderID)
	}
	b.sim.mu.Unlock()

	if !ok {
		return Failure(&domain.UpstreamRejectedError{Message: fmt.Sprintf("order %s not found", order.OrderID)})
	}
	b.sim.notify(b.userID, "order", "", orderUpdate(domain.OrderStatusCanceled, o.order))
	return Success("order canceled", o.order)
}

// CancelAllOrders removes every resting order, or those for symbol.
func (b *SimulatorBroker) CancelAllOrders(_ context.Context, symbol string) domain.OrderResult {
	b.sim.mu.Lock()
	a := b.sim.account(b.userID)
	var canceled []domain.Order
	for id, o := range a.orders {
		if symbol == "" || o.order.Symbol == symbol {
			canceled = append(canceled, o.order)
			delete(a.orders, id)
		}
	}
	b.sim.mu.Unlock()

	for _, o := range canceled {
		b.sim.notify(b.userID, "order", "", orderUpdate(domain.OrderStatusCanceled, o))
	}
	return domain.OrderResult{Result: domain.ResultSuccess, Message: fmt.Sprintf("%d orders canceled", len(canceled))}
}

// GetOrders lists resting orders in placement order.
func (b *SimulatorBroker) GetOrders(_ context.Context) ([]domain.Order, error) {
	b.sim.mu.Lock()
	defer b.sim.mu.Unlock()

	a := b.sim.account(b.userID)
	rows := make([]simOrder, 0, len(a.orders))
	for _, o := range a.orders {
		rows = append(rows, o)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	orders := make([]domain.Order, len(rows))
	for i, o := range rows {
		orders[i] = o.order
	}
	return orders, nil
}

// GetCandles serves flat candles at the current quote through the cache
// engine.
func (b *SimulatorBroker) GetCandles(ctx context.Context, symbol, interval string, end time.Time, limit int) ([]domain.Candle, error) {
	if b.deps.Candles == nil {
		return nil, fmt.Errorf("simulator: no candle engine configured")
	}
	fetch := candles.FetcherFunc(func(_ context.Context, req candles.FetchRequest) ([]domain.Candle, error) {
		b.sim.mu.Lock()
		p, ok := b.sim.prices[req.Symbol]
		b.sim.mu.Unlock()
		if !ok {
			return nil, &domain.UpstreamRejectedError{Message: fmt.Sprintf("unknown symbol %s", req.Symbol)}
		}
		px := p.InexactFloat64()
		var out []domain.Candle
		for t := req.Start; !t.After(req.End); t = req.Interval.Add(t, 1) {
			out = append(out, domain.Candle{
				OpenTime:  t,
				CloseTime: req.Interval.CloseTime(t),
				Open:      px,
				High:      px,
				Low:       px,
				Close:     px,
			})
		}
		return out, nil
	})
	return b.deps.Candles.GetCandles(ctx, candles.Request{
		Broker:   SimulatorName,
		Symbol:   symbol,
		Interval: interval,
		End:      end,
		Limit:    limit,
	}, fetch)
}

// GetSymbols lists quoted symbols.
func (b *SimulatorBroker) GetSymbols(_ context.Context) ([]domain.SymbolInfo, error) {
	b.sim.mu.Lock()
	defer b.sim.mu.Unlock()
	out := make([]domain.SymbolInfo, 0, len(b.sim.prices))
	for sym := range b.sim.prices {
		out = append(out, domain.SymbolInfo{Symbol: sym, DisplayName: sym})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func orderUpdate(status domain.OrderStatus, o domain.Order) domain.OrderUpdate {
	return domain.OrderUpdate{
		OrderStatus: status,
		OrderID:     o.OrderID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Price:       o.Price.String(),
		Quantity:    o.Amount.String(),
	}
}
