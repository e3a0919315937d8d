// Package domain holds the normalized data shapes shared by every exchange
// adapter, the stream multiplexer and the candle cache.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Assets
// ---------------------------------------------------------------------------

// AssetType classifies a balance line.
type AssetType string

const (
	AssetCrypto  AssetType = "crypto"
	AssetStock   AssetType = "stock"
	AssetDeposit AssetType = "deposit"
)

// Asset is a point-in-time balance snapshot for one symbol at one broker.
type Asset struct {
	Symbol      string          `json:"symbol"`
	DisplayName string          `json:"display_name,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
	Available   decimal.Decimal `json:"available"`
	Locked      decimal.Decimal `json:"locked"`
	Type        AssetType       `json:"type"`
	Broker      string          `json:"broker,omitempty"`
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Valid reports whether s is one of the supported sides.
func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Order is a normalized limit order as submitted by a caller or reported
// back by an exchange.
type Order struct {
	OrderID string          `json:"order_id,omitempty"`
	Symbol  string          `json:"symbol"`
	Side    OrderSide       `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
}

// ResultStatus is the outcome marker of an order action.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// OrderResult is returned by every placement and cancellation. Failures are
// reported through Result and Message, never as a bare error.
type OrderResult struct {
	Result  ResultStatus `json:"result"`
	Message string       `json:"message"`
	OrderID string       `json:"order_id,omitempty"`
	Order   *Order       `json:"order,omitempty"`
}

// OK reports whether the action succeeded.
func (r OrderResult) OK() bool { return r.Result == ResultSuccess }

// ---------------------------------------------------------------------------
// Real-time market data
// ---------------------------------------------------------------------------

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookUpdate is a shallow depth snapshot.
type OrderBookUpdate struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// BestBid returns the top bid, or false when the book side is empty.
func (u OrderBookUpdate) BestBid() (PriceLevel, bool) {
	if len(u.Bids) == 0 {
		return PriceLevel{}, false
	}
	return u.Bids[0], true
}

// BestAsk returns the top ask, or false when the book side is empty.
func (u OrderBookUpdate) BestAsk() (PriceLevel, bool) {
	if len(u.Asks) == 0 {
		return PriceLevel{}, false
	}
	return u.Asks[0], true
}

// TradeUpdate is a single executed trade print.
type TradeUpdate struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	Time         string  `json:"time"`
	IsBuyerMaker bool    `json:"isBuyerMaker"`
	Timestamp    int64   `json:"timestamp"` // unix millis
}

// OrderStatus is the normalized state carried by an order update.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusFilled   OrderStatus = "TRADE"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// OrderUpdate is an execution report pushed by an exchange.
type OrderUpdate struct {
	OrderStatus OrderStatus `json:"order_status"`
	OrderID     string      `json:"order_id"`
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Price       string      `json:"price"`
	Quantity    string      `json:"quantity"`
}

// ---------------------------------------------------------------------------
// Candles
// ---------------------------------------------------------------------------

// Candle is one OHLCV bucket. (Broker, Symbol, Interval, OpenTime) is the
// natural key.
type Candle struct {
	Broker              string    `json:"broker"`
	Symbol              string    `json:"symbol"`
	Interval            string    `json:"interval"`
	OpenTime            time.Time `json:"open_time"`
	CloseTime           time.Time `json:"close_time"`
	Open                float64   `json:"open"`
	High                float64   `json:"high"`
	Low                 float64   `json:"low"`
	Close               float64   `json:"close"`
	Volume              float64   `json:"volume"`
	QuoteVolume         float64   `json:"quote_volume"`
	TradeCount          int64     `json:"trade_count"`
	TakerBuyBaseVolume  float64   `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume float64   `json:"taker_buy_quote_volume"`
}

// IsClosed reports whether the candle's window has elapsed at now. Only
// closed candles may be cached or returned from the cache engine.
func (c Candle) IsClosed(now time.Time) bool {
	return !c.CloseTime.After(now)
}

// SymbolInfo describes one tradable instrument.
type SymbolInfo struct {
	Symbol      string `json:"symbol"`
	DisplayName string `json:"display_name"`
}
