package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/stream"
)

const (
	depthSuffix = "@depth20@100ms"
	tradeSuffix = "@trade"
)

// streamProtocol speaks the combined-stream endpoint: topics are added with
// SUBSCRIBE requests and every payload arrives wrapped as
// {"stream": name, "data": {...}}. Keep-alive pings are websocket control
// frames answered by the transport.
type streamProtocol struct {
	url    string
	nextID atomic.Int64
}

// Compile-time interface check.
var _ stream.Protocol = (*streamProtocol)(nil)

func newStreamProtocol(url string) *streamProtocol {
	return &streamProtocol{url: url}
}

func (p *streamProtocol) Exchange() string { return Name }

func (p *streamProtocol) Endpoint() (string, http.Header) { return p.url, nil }

func (p *streamProtocol) Handshake(context.Context, stream.Conn) error { return nil }

// streamName maps a subscription onto a Binance stream name. Order update
// topics are listen keys and used as is.
func streamName(kind stream.Kind, topic string) string {
	switch kind {
	case stream.KindOrderBook:
		return strings.ToLower(topic) + depthSuffix
	case stream.KindTrade:
		return strings.ToLower(topic) + tradeSuffix
	}
	return topic
}

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (p *streamProtocol) SubscribeFrame(kind stream.Kind, topic string) ([]byte, error) {
	return json.Marshal(wsRequest{Method: "SUBSCRIBE", Params: []string{streamName(kind, topic)}, ID: p.nextID.Add(1)})
}

func (p *streamProtocol) UnsubscribeFrame(kind stream.Kind, topic string) ([]byte, error) {
	return json.Marshal(wsRequest{Method: "UNSUBSCRIBE", Params: []string{streamName(kind, topic)}, ID: p.nextID.Add(1)})
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type depthEvent struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type tradeEvent struct {
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type userEvent struct {
	Type string `json:"e"`
}

type executionReport struct {
	Symbol        string `json:"s"`
	Side          string `json:"S"`
	Quantity      string `json:"q"`
	Price         string `json:"p"`
	ExecutionType string `json:"x"`
	OrderID       int64  `json:"i"`
	LastPrice     string `json:"L"`
	LastQuantity  string `json:"l"`
}

func (p *streamProtocol) Decode(raw []byte, _ stream.Keys) (stream.Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding frame", Err: err}
	}
	if env.Stream == "" {
		if env.Error != nil {
			return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: env.Error.Msg}
		}
		// Request acknowledgement.
		return stream.Frame{Type: stream.FrameIgnore}, nil
	}

	switch {
	case strings.HasSuffix(env.Stream, depthSuffix):
		var d depthEvent
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding depth", Err: err}
		}
		symbol := strings.ToUpper(strings.TrimSuffix(env.Stream, depthSuffix))
		book := &domain.OrderBookUpdate{Symbol: symbol}
		for _, l := range d.Bids {
			if len(l) >= 2 {
				book.Bids = append(book.Bids, level(l[0], l[1]))
			}
		}
		for _, l := range d.Asks {
			if len(l) >= 2 {
				book.Asks = append(book.Asks, level(l[0], l[1]))
			}
		}
		return dataFrame(stream.Event{Kind: stream.KindOrderBook, Symbol: symbol, OrderBook: book}), nil

	case strings.HasSuffix(env.Stream, tradeSuffix):
		var t tradeEvent
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding trade", Err: err}
		}
		ts := time.UnixMilli(t.TradeTime)
		return dataFrame(stream.Event{Kind: stream.KindTrade, Symbol: t.Symbol, Trade: &domain.TradeUpdate{
			Symbol:       t.Symbol,
			Price:        parseFloat(t.Price),
			Quantity:     parseFloat(t.Quantity),
			Time:         ts.UTC().Format("15:04:05"),
			IsBuyerMaker: t.IsBuyerMaker,
			Timestamp:    t.TradeTime,
		}}), nil
	}

	// Anything else on a combined stream is the user data stream.
	var ue userEvent
	if err := json.Unmarshal(env.Data, &ue); err != nil {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding user event", Err: err}
	}
	if ue.Type != "executionReport" {
		return stream.Frame{Type: stream.FrameIgnore}, nil
	}
	var er executionReport
	if err := json.Unmarshal(env.Data, &er); err != nil {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding execution report", Err: err}
	}
	update, ok := orderUpdate(er)
	if !ok {
		return stream.Frame{Type: stream.FrameIgnore}, nil
	}
	return dataFrame(stream.Event{Kind: stream.KindOrderUpdate, Symbol: er.Symbol, Order: &update}), nil
}

func orderUpdate(er executionReport) (domain.OrderUpdate, bool) {
	u := domain.OrderUpdate{
		OrderID:  strconv.FormatInt(er.OrderID, 10),
		Symbol:   er.Symbol,
		Side:     sideFromBinance(er.Side),
		Price:    er.Price,
		Quantity: er.Quantity,
	}
	switch er.ExecutionType {
	case "NEW":
		u.OrderStatus = domain.OrderStatusNew
	case "TRADE":
		u.OrderStatus = domain.OrderStatusFilled
		u.Price, u.Quantity = er.LastPrice, er.LastQuantity
	case "CANCELED", "EXPIRED":
		u.OrderStatus = domain.OrderStatusCanceled
	case "REJECTED":
		u.OrderStatus = domain.OrderStatusRejected
	default:
		return u, false
	}
	return u, true
}

func dataFrame(ev stream.Event) stream.Frame {
	return stream.Frame{Type: stream.FrameData, Events: []stream.Event{ev}}
}
