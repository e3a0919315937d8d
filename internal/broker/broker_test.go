package broker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/candles"
	"tradegate/internal/domain"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

func newSimFactory(t *testing.T) (*Factory, *Simulator) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sim.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := NewFactory(Deps{
		Candles: candles.NewEngine(db, candles.WithLogger(util.DiscardLogger())),
		Logger:  util.DiscardLogger(),
	})
	sim := NewSimulator(
		map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(200), "TSLA": decimal.NewFromInt(300)},
		map[string]decimal.Decimal{"USD": decimal.NewFromInt(10000)},
	)
	RegisterSimulator(f, sim)
	return f, sim
}

func TestFactoryUnsupportedBroker(t *testing.T) {
	f, _ := newSimFactory(t)

	_, err := f.Create(context.Background(), "nasdaq-direct", "u1")
	var ube *domain.UnsupportedBrokerError
	if !errors.As(err, &ube) {
		t.Fatalf("Create error = %v, want UnsupportedBrokerError", err)
	}
	if ube.Name != "nasdaq-direct" {
		t.Errorf("Name = %q, want nasdaq-direct", ube.Name)
	}
}

func TestFactoryCaseInsensitive(t *testing.T) {
	f, _ := newSimFactory(t)
	f.Register("Binance", func(context.Context, string, Deps) (Broker, error) { return nil, errors.New("no keys") })

	b, err := f.Create(context.Background(), "SIMULATOR", "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Name() != SimulatorName {
		t.Errorf("Name() = %q, want %q", b.Name(), SimulatorName)
	}

	if _, err := f.Create(context.Background(), "binance", "u1"); err == nil || errors.As(err, new(*domain.UnsupportedBrokerError)) {
		t.Errorf("constructor error not propagated: %v", err)
	}

	got := f.Available()
	if len(got) != 2 || got[0] != "binance" || got[1] != "simulator" {
		t.Errorf("Available() = %v, want [binance simulator]", got)
	}
}

func TestInvalidSideRejectedLocally(t *testing.T) {
	f, _ := newSimFactory(t)
	b, _ := f.Create(context.Background(), SimulatorName, "u1")

	res := b.PlaceOrder(context.Background(), domain.Order{
		Symbol: "AAPL",
		Side:   "hold",
		Price:  decimal.NewFromInt(1),
		Amount: decimal.NewFromInt(1),
	})
	if res.Result != domain.ResultError || res.Message != MsgInvalidSide {
		t.Errorf("PlaceOrder = %+v, want error %q", res, MsgInvalidSide)
	}
	orders, _ := b.GetOrders(context.Background())
	if len(orders) != 0 {
		t.Errorf("orders = %v, want none recorded", orders)
	}
}

func TestFailureMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&domain.UpstreamRejectedError{Code: "-2010", Message: "Account has insufficient balance."}, "Account has insufficient balance."},
		{&domain.TransportError{Op: "order", Err: errors.New("connection reset")}, "transport error: connection reset"},
		{&domain.RateLimitedError{}, "rate limited"},
		{errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		res := Failure(tt.err)
		if res.Result != domain.ResultError || res.Message != tt.want {
			t.Errorf("Failure(%v) = %+v, want message %q", tt.err, res, tt.want)
		}
	}
}

func TestSimulatorUsersAreIsolated(t *testing.T) {
	f, _ := newSimFactory(t)
	ctx := context.Background()
	alice, _ := f.Create(context.Background(), SimulatorName, "alice")
	bob, _ := f.Create(context.Background(), SimulatorName, "bob")

	res := alice.PlaceOrder(ctx, domain.Order{
		Symbol: "AAPL",
		Side:   domain.SideBuy,
		Price:  decimal.NewFromInt(190),
		Amount: decimal.NewFromInt(2),
	})
	if !res.OK() || res.OrderID == "" {
		t.Fatalf("PlaceOrder = %+v", res)
	}

	if orders, _ := bob.GetOrders(ctx); len(orders) != 0 {
		t.Errorf("bob sees %d orders, want 0", len(orders))
	}
	aliceAgain, _ := f.Create(context.Background(), SimulatorName, "alice")
	orders, _ := aliceAgain.GetOrders(ctx)
	if len(orders) != 1 || orders[0].OrderID != res.OrderID {
		t.Fatalf("alice orders = %+v", orders)
	}

	assets, _ := alice.GetAccountAssets(ctx)
	if len(assets) != 1 || !assets[0].Locked.Equal(decimal.NewFromInt(380)) {
		t.Errorf("alice assets = %+v, want 380 USD locked", assets)
	}

	if r := alice.CancelOrder(ctx, domain.Order{OrderID: res.OrderID}); !r.OK() {
		t.Errorf("CancelOrder = %+v", r)
	}
	if r := alice.CancelOrder(ctx, domain.Order{OrderID: res.OrderID}); r.OK() {
		t.Error("second CancelOrder should fail")
	}
}

func TestSimulatorOrderUpdatesAndCancelAll(t *testing.T) {
	f, _ := newSimFactory(t)
	ctx := context.Background()
	b, _ := f.Create(context.Background(), SimulatorName, "u1")

	var updates []domain.OrderUpdate
	sub, err := b.SubscribeOrderUpdates(ctx, func(u domain.OrderUpdate) error {
		updates = append(updates, u)
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeOrderUpdates: %v", err)
	}
	failing, _ := b.SubscribeOrderUpdates(ctx, func(domain.OrderUpdate) error {
		return errors.New("gone")
	})

	for _, sym := range []string{"AAPL", "TSLA", "AAPL"} {
		b.PlaceOrder(ctx, domain.Order{Symbol: sym, Side: domain.SideSell, Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1)})
	}
	select {
	case <-failing.Done():
	default:
		t.Error("failing subscriber was not removed")
	}

	res := b.CancelAllOrders(ctx, "AAPL")
	if !res.OK() || res.Message != "2 orders canceled" {
		t.Errorf("CancelAllOrders = %+v", res)
	}
	orders, _ := b.GetOrders(ctx)
	if len(orders) != 1 || orders[0].Symbol != "TSLA" {
		t.Errorf("remaining orders = %+v, want the TSLA order", orders)
	}

	if len(updates) != 5 {
		t.Fatalf("updates = %d, want 3 NEW and 2 CANCELED", len(updates))
	}
	if updates[0].OrderStatus != domain.OrderStatusNew || updates[4].OrderStatus != domain.OrderStatusCanceled {
		t.Errorf("update statuses = %s..%s", updates[0].OrderStatus, updates[4].OrderStatus)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestSimulatorMarketData(t *testing.T) {
	f, sim := newSimFactory(t)
	ctx := context.Background()
	b, _ := f.Create(context.Background(), SimulatorName, "u1")

	book, err := b.GetRealtimeOrderbookPrice(ctx, "AAPL")
	if err != nil {
		t.Fatalf("GetRealtimeOrderbookPrice: %v", err)
	}
	if bid, ok := book.BestBid(); !ok || bid.Price != 200 {
		t.Errorf("best bid = %+v, want 200", bid)
	}
	if _, err := b.GetRealtimeOrderbookPrice(ctx, "MSFT"); err == nil {
		t.Error("unknown symbol should fail")
	}

	var trades []domain.TradeUpdate
	if _, err := b.SubscribeTrades(ctx, "TSLA", func(tr domain.TradeUpdate) error {
		trades = append(trades, tr)
		return nil
	}); err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}
	sim.SetPrice("AAPL", decimal.NewFromInt(201))
	sim.SetPrice("TSLA", decimal.NewFromInt(301))
	if len(trades) != 1 || trades[0].Price != 301 {
		t.Errorf("trades = %+v, want one TSLA print at 301", trades)
	}

	end := time.Now().Add(-48 * time.Hour)
	got, err := b.GetCandles(ctx, "AAPL", "1d", end, 5)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(got) != 5 || got[4].Close != 201 {
		t.Errorf("candles = %+v, want 5 closing at 201", got)
	}

	syms, _ := b.GetSymbols(ctx)
	if len(syms) != 2 || syms[0].Symbol != "AAPL" {
		t.Errorf("symbols = %+v", syms)
	}
}
