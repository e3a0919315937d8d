package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tradegate/internal/credentials"
	"tradegate/internal/domain"
	"tradegate/internal/stream"
)

const tradeUpdatesStream = "trade_updates"

type authRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// marketProtocol speaks the v2 market data socket. Every frame is a JSON
// array of messages tagged by "T"; the connection must authenticate before
// subscribing.
type marketProtocol struct {
	url   string
	creds credentials.Credentials
}

// Compile-time interface check.
var _ stream.Protocol = (*marketProtocol)(nil)

func newMarketProtocol(url string, creds credentials.Credentials) *marketProtocol {
	return &marketProtocol{url: url, creds: creds}
}

func (p *marketProtocol) Exchange() string { return Name }

func (p *marketProtocol) Endpoint() (string, http.Header) { return p.url, nil }

// marketMessage covers every message type on the data socket.
type marketMessage struct {
	Type      string    `json:"T"`
	Msg       string    `json:"msg"`
	Code      int       `json:"code"`
	Symbol    string    `json:"S"`
	Price     float64   `json:"p"`
	Size      float64   `json:"s"`
	BidPrice  float64   `json:"bp"`
	BidSize   float64   `json:"bs"`
	AskPrice  float64   `json:"ap"`
	AskSize   float64   `json:"as"`
	Timestamp time.Time `json:"t"`
}

// Handshake waits for the welcome message, then authenticates.
func (p *marketProtocol) Handshake(ctx context.Context, c stream.Conn) error {
	if _, err := readControl(c, "connected"); err != nil {
		return err
	}
	auth, err := json.Marshal(authRequest{Action: "auth", Key: p.creds.APIKey, Secret: p.creds.Secret})
	if err != nil {
		return err
	}
	if err := c.WriteMessage(auth); err != nil {
		return &domain.TransportError{Op: "alpaca auth", Err: err}
	}
	_, err = readControl(c, "authenticated")
	return err
}

// readControl reads one frame and expects a success message carrying want.
func readControl(c stream.Conn, want string) ([]marketMessage, error) {
	raw, err := c.ReadMessage()
	if err != nil {
		return nil, &domain.TransportError{Op: "alpaca handshake", Err: err}
	}
	var msgs []marketMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, &domain.ProtocolError{Exchange: Name, Detail: "decoding handshake", Err: err}
	}
	for _, m := range msgs {
		switch {
		case m.Type == "error":
			return nil, &domain.UpstreamRejectedError{Code: fmt.Sprint(m.Code), Message: m.Msg}
		case m.Type == "success" && m.Msg == want:
			return msgs, nil
		}
	}
	return nil, &domain.ProtocolError{Exchange: Name, Detail: fmt.Sprintf("expected %q, got %s", want, raw)}
}

type subscribeRequest struct {
	Action string   `json:"action"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
}

func (p *marketProtocol) frame(action string, kind stream.Kind, topic string) ([]byte, error) {
	req := subscribeRequest{Action: action}
	switch kind {
	case stream.KindOrderBook:
		req.Quotes = []string{topic}
	case stream.KindTrade:
		req.Trades = []string{topic}
	default:
		return nil, fmt.Errorf("alpaca: %s is not served on the market data socket", kind)
	}
	return json.Marshal(req)
}

func (p *marketProtocol) SubscribeFrame(kind stream.Kind, topic string) ([]byte, error) {
	return p.frame("subscribe", kind, topic)
}

func (p *marketProtocol) UnsubscribeFrame(kind stream.Kind, topic string) ([]byte, error) {
	return p.frame("unsubscribe", kind, topic)
}

func (p *marketProtocol) Decode(raw []byte, _ stream.Keys) (stream.Frame, error) {
	var msgs []marketMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding frame", Err: err}
	}

	var events []stream.Event
	for _, m := range msgs {
		switch m.Type {
		case "q":
			events = append(events, stream.Event{
				Kind:   stream.KindOrderBook,
				Symbol: m.Symbol,
				OrderBook: &domain.OrderBookUpdate{
					Symbol: m.Symbol,
					Bids:   []domain.PriceLevel{{Price: m.BidPrice, Quantity: m.BidSize}},
					Asks:   []domain.PriceLevel{{Price: m.AskPrice, Quantity: m.AskSize}},
				},
			})
		case "t":
			events = append(events, stream.Event{
				Kind:   stream.KindTrade,
				Symbol: m.Symbol,
				Trade: &domain.TradeUpdate{
					Symbol:    m.Symbol,
					Price:     m.Price,
					Quantity:  m.Size,
					Time:      m.Timestamp.In(newYork).Format("15:04:05"),
					Timestamp: m.Timestamp.UnixMilli(),
				},
			})
		case "error":
			return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: fmt.Sprintf("%d: %s", m.Code, m.Msg)}
		}
	}
	if len(events) == 0 {
		return stream.Frame{Type: stream.FrameIgnore}, nil
	}
	return stream.Frame{Type: stream.FrameData, Events: events}, nil
}

// ---------------------------------------------------------------------------
// Trade updates
// ---------------------------------------------------------------------------

// tradingProtocol speaks the account socket that pushes trade_updates.
// Messages are {"stream": name, "data": {...}} objects.
type tradingProtocol struct {
	url   string
	creds credentials.Credentials
}

// Compile-time interface check.
var _ stream.Protocol = (*tradingProtocol)(nil)

func newTradingProtocol(url string, creds credentials.Credentials) *tradingProtocol {
	return &tradingProtocol{url: url, creds: creds}
}

func (p *tradingProtocol) Exchange() string { return Name }

func (p *tradingProtocol) Endpoint() (string, http.Header) { return p.url, nil }

type tradingMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type authorization struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

type tradeUpdate struct {
	Event string `json:"event"`
	Price string `json:"price"`
	Qty   string `json:"qty"`
	Order struct {
		ID         string `json:"id"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Qty        string `json:"qty"`
		LimitPrice string `json:"limit_price"`
	} `json:"order"`
}

// Handshake authenticates; the server sends nothing before the request.
func (p *tradingProtocol) Handshake(ctx context.Context, c stream.Conn) error {
	auth, err := json.Marshal(authRequest{Action: "auth", Key: p.creds.APIKey, Secret: p.creds.Secret})
	if err != nil {
		return err
	}
	if err := c.WriteMessage(auth); err != nil {
		return &domain.TransportError{Op: "alpaca auth", Err: err}
	}

	raw, err := c.ReadMessage()
	if err != nil {
		return &domain.TransportError{Op: "alpaca handshake", Err: err}
	}
	var msg tradingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return &domain.ProtocolError{Exchange: Name, Detail: "decoding handshake", Err: err}
	}
	var a authorization
	if msg.Stream != "authorization" || json.Unmarshal(msg.Data, &a) != nil {
		return &domain.ProtocolError{Exchange: Name, Detail: fmt.Sprintf("unexpected handshake reply %s", raw)}
	}
	if a.Status != "authorized" {
		return &domain.UpstreamRejectedError{Message: "trading stream " + a.Status}
	}
	return nil
}

type listenRequest struct {
	Action string `json:"action"`
	Data   struct {
		Streams []string `json:"streams"`
	} `json:"data"`
}

func (p *tradingProtocol) listen(streams []string) ([]byte, error) {
	req := listenRequest{Action: "listen"}
	req.Data.Streams = streams
	return json.Marshal(req)
}

func (p *tradingProtocol) SubscribeFrame(kind stream.Kind, topic string) ([]byte, error) {
	if kind != stream.KindOrderUpdate {
		return nil, fmt.Errorf("alpaca: %s is not served on the trading socket", kind)
	}
	return p.listen([]string{topic})
}

func (p *tradingProtocol) UnsubscribeFrame(kind stream.Kind, topic string) ([]byte, error) {
	return p.listen([]string{})
}

func (p *tradingProtocol) Decode(raw []byte, _ stream.Keys) (stream.Frame, error) {
	var msg tradingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding frame", Err: err}
	}
	if msg.Stream != tradeUpdatesStream {
		return stream.Frame{Type: stream.FrameIgnore}, nil
	}

	var tu tradeUpdate
	if err := json.Unmarshal(msg.Data, &tu); err != nil {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding trade update", Err: err}
	}
	status, ok := statusFromEvent(tu.Event)
	if !ok {
		return stream.Frame{Type: stream.FrameIgnore}, nil
	}

	u := domain.OrderUpdate{
		OrderStatus: status,
		OrderID:     tu.Order.ID,
		Symbol:      tu.Order.Symbol,
		Side:        sideFromAlpaca(tu.Order.Side),
		Price:       tu.Order.LimitPrice,
		Quantity:    tu.Order.Qty,
	}
	if status == domain.OrderStatusFilled {
		u.Price, u.Quantity = tu.Price, tu.Qty
	}
	return stream.Frame{Type: stream.FrameData, Events: []stream.Event{{
		Kind:   stream.KindOrderUpdate,
		Symbol: u.Symbol,
		Order:  &u,
	}}}, nil
}

// statusFromEvent maps trade_updates events onto order states. Events such
// as pending_new or replaced carry no state change.
func statusFromEvent(event string) (domain.OrderStatus, bool) {
	switch strings.ToLower(event) {
	case "new":
		return domain.OrderStatusNew, true
	case "fill", "partial_fill":
		return domain.OrderStatusFilled, true
	case "canceled", "expired", "done_for_day":
		return domain.OrderStatusCanceled, true
	case "rejected":
		return domain.OrderStatusRejected, true
	}
	return "", false
}
