package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Candle can be instantiated with zero values.
	c := Candle{}
	if c.Broker != "" || c.Symbol != "" || c.Interval != "" {
		t.Error("expected empty key fields for zero-value Candle")
	}
	if !c.OpenTime.IsZero() || !c.CloseTime.IsZero() {
		t.Error("expected zero times for zero-value Candle")
	}
	if c.Open != 0 || c.High != 0 || c.Low != 0 || c.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Candle")
	}

	// Verify Order can be instantiated with zero values.
	order := Order{}
	if order.OrderID != "" || order.Side != "" {
		t.Error("expected empty OrderID/Side for zero-value Order")
	}
	if !order.Price.IsZero() || !order.Amount.IsZero() {
		t.Error("expected zero Price/Amount for zero-value Order")
	}

	// Verify OrderResult zero value is not a success.
	if (OrderResult{}).OK() {
		t.Error("expected zero-value OrderResult not to be OK")
	}
}

func TestOrderSideValid(t *testing.T) {
	tests := []struct {
		side OrderSide
		want bool
	}{
		{SideBuy, true},
		{SideSell, true},
		{"hold", false},
		{"", false},
		{"BUY", false},
	}
	for _, tt := range tests {
		if got := tt.side.Valid(); got != tt.want {
			t.Errorf("OrderSide(%q).Valid() = %v, want %v", tt.side, got, tt.want)
		}
	}
}

func TestCandleIsClosed(t *testing.T) {
	open := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := Candle{OpenTime: open, CloseTime: open.Add(time.Hour)}

	if c.IsClosed(open.Add(30 * time.Minute)) {
		t.Error("candle should be forming half way through its window")
	}
	if !c.IsClosed(open.Add(time.Hour)) {
		t.Error("candle should be closed exactly at its close time")
	}
	if !c.IsClosed(open.Add(2 * time.Hour)) {
		t.Error("candle should be closed after its close time")
	}
}

func TestOrderBookBest(t *testing.T) {
	u := OrderBookUpdate{Symbol: "BTCUSDT"}
	if _, ok := u.BestBid(); ok {
		t.Error("BestBid on empty book should report false")
	}
	u.Bids = []PriceLevel{{Price: 100, Quantity: 1}, {Price: 99, Quantity: 2}}
	u.Asks = []PriceLevel{{Price: 101, Quantity: 3}}
	if b, _ := u.BestBid(); b.Price != 100 {
		t.Errorf("BestBid price = %v, want 100", b.Price)
	}
	if a, _ := u.BestAsk(); a.Quantity != 3 {
		t.Errorf("BestAsk quantity = %v, want 3", a.Quantity)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", &TransportError{Op: "dial", Err: errors.New("refused")}, true},
		{"wrapped rate limit", fmt.Errorf("klines: %w", &RateLimitedError{}), true},
		{"rejected", &UpstreamRejectedError{Message: "insufficient balance"}, false},
		{"interval", &InvalidIntervalError{Interval: "5m"}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	err := &UnsupportedBrokerError{Name: "Upbit"}
	if err.Error() != `unsupported broker "Upbit"` {
		t.Errorf("Error() = %q", err.Error())
	}

	se := &StoreError{Op: "upsert", Err: errors.New("disk full")}
	if !errors.Is(se, se.Err) {
		t.Error("StoreError should unwrap to its cause")
	}
}
