package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/candles"
	"tradegate/internal/config"
	"tradegate/internal/credentials"
	"tradegate/internal/domain"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

func newTestEngine(t *testing.T, risk *RiskManager) (*Engine, *atomic.Int32) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := broker.NewFactory(broker.Deps{
		Candles: candles.NewEngine(db, candles.WithLogger(util.DiscardLogger())),
		Logger:  util.DiscardLogger(),
	})
	broker.RegisterSimulator(f, broker.NewSimulator(
		map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(200)},
		map[string]decimal.Decimal{"USD": decimal.NewFromInt(10000)},
	))

	var created atomic.Int32
	f.Register("down", func(context.Context, string, broker.Deps) (broker.Broker, error) {
		created.Add(1)
		return nil, &domain.TransportError{Op: "dial", Err: errors.New("connection refused")}
	})
	return NewEngine(f, risk, util.DiscardLogger()), &created
}

func buy(symbol string, price, amount int64) domain.Order {
	return domain.Order{
		Symbol: symbol,
		Side:   domain.SideBuy,
		Price:  decimal.NewFromInt(price),
		Amount: decimal.NewFromInt(amount),
	}
}

func TestBrokerCachedPerUser(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	a, err := e.Broker(ctx, "u1", "simulator")
	if err != nil {
		t.Fatalf("Broker: %v", err)
	}
	b, _ := e.Broker(ctx, "u1", "SIMULATOR")
	if a != b {
		t.Error("same user and exchange should share an adapter")
	}
	c, _ := e.Broker(ctx, "u2", "simulator")
	if a == c {
		t.Error("different users should not share an adapter")
	}

	e.Forget("u1")
	d, _ := e.Broker(ctx, "u1", "simulator")
	if a == d {
		t.Error("Forget should drop the cached adapter")
	}
}

func TestBrokerUnsupported(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.Broker(context.Background(), "u1", "ftx")
	var ube *domain.UnsupportedBrokerError
	if !errors.As(err, &ube) {
		t.Errorf("err = %v, want UnsupportedBrokerError", err)
	}
}

func TestAllAssetsSkipsFailingBroker(t *testing.T) {
	e, created := newTestEngine(t, nil)

	assets, err := e.AllAssets(context.Background(), "u1", []string{"simulator", "down"})
	if err != nil {
		t.Fatalf("AllAssets: %v", err)
	}
	if created.Load() != 1 {
		t.Errorf("failing constructor calls = %d, want 1", created.Load())
	}
	if len(assets) != 1 || assets[0].Symbol != "USD" || assets[0].Broker != broker.SimulatorName {
		t.Errorf("assets = %+v", assets)
	}
}

func TestAllAssetsEveryBrokerFailed(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.AllAssets(context.Background(), "u1", []string{"down"})
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Errorf("err = %v, want the wrapped TransportError", err)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	e, _ := newTestEngine(t, NewRiskManager(decimal.NewFromInt(5000)))
	ctx := context.Background()

	tests := []struct {
		name  string
		order domain.Order
		want  string
	}{
		{"side", domain.Order{Symbol: "AAPL", Side: "short", Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1)}, broker.MsgInvalidSide},
		{"symbol", buy("", 200, 1), "symbol is required"},
		{"price", buy("AAPL", 0, 1), "price must be positive"},
		{"amount", buy("AAPL", 200, -1), "amount must be positive"},
		{"notional", buy("AAPL", 200, 30), "exceeds 5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.PlaceOrder(ctx, "u1", "simulator", tt.order)
			if res.OK() || !strings.Contains(res.Message, tt.want) {
				t.Errorf("result = %+v, want message containing %q", res, tt.want)
			}
		})
	}

	orders, _ := e.Orders(ctx, "u1", "simulator")
	if len(orders) != 0 {
		t.Errorf("rejected orders reached the venue: %+v", orders)
	}
}

func TestOrderLifecycle(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	res := e.PlaceOrder(ctx, "u1", "simulator", buy("AAPL", 190, 2))
	if !res.OK() || res.OrderID == "" {
		t.Fatalf("place = %+v", res)
	}
	e.PlaceOrder(ctx, "u1", "simulator", buy("AAPL", 180, 1))

	orders, err := e.Orders(ctx, "u1", "simulator")
	if err != nil || len(orders) != 2 {
		t.Fatalf("Orders = (%+v, %v), want 2", orders, err)
	}

	if res := e.CancelOrder(ctx, "u1", "simulator", domain.Order{OrderID: res.OrderID}); !res.OK() {
		t.Errorf("cancel = %+v", res)
	}
	if res := e.CancelAllOrders(ctx, "u1", "simulator", "AAPL"); !res.OK() {
		t.Errorf("cancel all = %+v", res)
	}
	if orders, _ := e.Orders(ctx, "u1", "simulator"); len(orders) != 0 {
		t.Errorf("orders after cancel = %+v", orders)
	}

	if res := e.CancelOrder(ctx, "u1", "ftx", domain.Order{OrderID: "1"}); res.OK() || !strings.Contains(res.Message, "ftx") {
		t.Errorf("cancel on unknown exchange = %+v", res)
	}
}

func TestCandles(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	end := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	got, err := e.Candles(context.Background(), "u1", "simulator", "AAPL", "1h", end, 4)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(got) != 4 || got[3].Close != 200 || !got[3].OpenTime.Equal(end) {
		t.Errorf("candles = %+v", got)
	}
}

func TestOpenWiresAdapters(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "db", "gateway.db")
	cfg.Storage.CandleBackend = "parquet"
	cfg.Storage.DataDir = t.TempDir()

	rt, err := Open(context.Background(), cfg, util.DiscardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rt.Close(context.Background())

	got := strings.Join(rt.Factory.Available(), ",")
	if got != "alpaca,binance,kis" {
		t.Errorf("Available() = %s, want alpaca,binance,kis", got)
	}

	ctx := context.Background()
	if err := rt.SQLite.Set(ctx, credentials.SessionKey("tok-1"), "alice", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if user, err := rt.Sessions.Validate(ctx, "tok-1"); err != nil || user != "alice" {
		t.Errorf("Validate(tok-1) = %q, %v, want alice", user, err)
	}

	cfg.Storage.CandleBackend = "cassandra"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "other.db")
	if _, err := Open(context.Background(), cfg, util.DiscardLogger()); err == nil {
		t.Error("unknown candle backend should fail")
	}
}

func TestOpenWiresSimulatorAndRiskLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "gateway.db")
	cfg.Risk.MaxNotional = "500"
	cfg.Simulator = config.Simulator{
		Enabled: true,
		Prices:  map[string]string{"AAPL": "190"},
		Funding: map[string]string{"USD": "10000"},
	}

	rt, err := Open(context.Background(), cfg, util.DiscardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rt.Close(context.Background())

	if got := strings.Join(rt.Factory.Available(), ","); got != "alpaca,binance,kis,simulator" {
		t.Errorf("Available() = %s, want alpaca,binance,kis,simulator", got)
	}

	ctx := context.Background()
	if res := rt.Engine.PlaceOrder(ctx, "u1", "simulator", buy("AAPL", 190, 2)); !res.OK() {
		t.Errorf("order within the cap = %+v", res)
	}
	res := rt.Engine.PlaceOrder(ctx, "u1", "simulator", buy("AAPL", 190, 3))
	if res.OK() || !strings.Contains(res.Message, "exceeds 500") {
		t.Errorf("order above the cap = %+v", res)
	}

	assets, err := rt.Engine.AllAssets(ctx, "u1", []string{"simulator"})
	if err != nil || len(assets) != 1 || assets[0].Symbol != "USD" {
		t.Errorf("AllAssets = (%+v, %v), want the USD funding", assets, err)
	}
}

func TestOpenRejectsBadRiskAndSimulatorConfig(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*config.Config)
	}{
		{"max notional", func(c *config.Config) { c.Risk.MaxNotional = "lots" }},
		{"simulator price", func(c *config.Config) {
			c.Simulator = config.Simulator{Enabled: true, Prices: map[string]string{"AAPL": "x"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "gateway.db")
			tt.apply(cfg)
			if _, err := Open(context.Background(), cfg, util.DiscardLogger()); err == nil {
				t.Error("Open should fail")
			}
		})
	}
}
