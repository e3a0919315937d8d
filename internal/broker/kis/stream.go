package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/stream"
)

const (
	trOrderBook   = "HDFSASP0"
	trTrade       = "HDFSCNT0"
	trExecution   = "H0GSCNI0"
	trKeepAlive   = "PINGPONG"
	prefixDay     = "RBAQ"
	prefixRegular = "DNAS"
)

// Positional widths of the caret-delimited payloads.
const (
	bookWidth      = 17
	tradeWidth     = 26
	executionWidth = 24
)

// Column positions used from each payload.
const (
	bookRealtimeSymbol = 0
	bookSymbol         = 1
	bookBid1           = 11
	bookAsk1           = 12
	bookBidQty1        = 13
	bookAskQty1        = 14

	tradeRealtimeSymbol = 0
	tradeSymbol         = 1
	tradeLocalDate      = 4
	tradeLocalTime      = 5
	tradeKoreaTime      = 7
	tradeLast           = 11
	tradeQuantity       = 19

	execOrderNo   = 2
	execSide      = 4
	execRevision  = 5
	execSymbol    = 7
	execFilledQty = 8
	execFilledPx  = 9
	execRejected  = 11
	execFilled    = 12
	execOrderQty  = 15
)

// streamProtocol speaks the KIS realtime socket. Subscriptions are JSON
// requests carrying the approval key; data arrives as
// flag|tr_id|count|payload with caret-separated fields, encrypted for
// execution notices.
type streamProtocol struct {
	url string

	mu          sync.Mutex
	approvalKey string
}

// Compile-time interface check.
var _ stream.Protocol = (*streamProtocol)(nil)

func newStreamProtocol(url string) *streamProtocol {
	return &streamProtocol{url: url}
}

func (p *streamProtocol) setApprovalKey(key string) {
	p.mu.Lock()
	p.approvalKey = key
	p.mu.Unlock()
}

func (p *streamProtocol) Exchange() string { return Name }

func (p *streamProtocol) Endpoint() (string, http.Header) { return p.url, nil }

func (p *streamProtocol) Handshake(context.Context, stream.Conn) error { return nil }

type wsRequest struct {
	Header wsRequestHeader `json:"header"`
	Body   struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

type wsRequestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

func trIDFor(kind stream.Kind) string {
	switch kind {
	case stream.KindOrderBook:
		return trOrderBook
	case stream.KindTrade:
		return trTrade
	}
	return trExecution
}

// frame builds a registration request; trType is "1" to add and "2" to
// remove.
func (p *streamProtocol) frame(kind stream.Kind, topic, trType string) ([]byte, error) {
	p.mu.Lock()
	key := p.approvalKey
	p.mu.Unlock()
	if key == "" {
		return nil, fmt.Errorf("kis: no approval key for %s", topic)
	}

	var req wsRequest
	req.Header = wsRequestHeader{ApprovalKey: key, CustType: "P", TrType: trType, ContentType: "utf-8"}
	req.Body.Input.TrID = trIDFor(kind)
	req.Body.Input.TrKey = topic
	return json.Marshal(req)
}

func (p *streamProtocol) SubscribeFrame(kind stream.Kind, topic string) ([]byte, error) {
	return p.frame(kind, topic, "1")
}

func (p *streamProtocol) UnsubscribeFrame(kind stream.Kind, topic string) ([]byte, error) {
	return p.frame(kind, topic, "2")
}

// controlMessage is any JSON frame: keep-alives, subscription
// acknowledgements and errors.
type controlMessage struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
	Body struct {
		RtCd   string `json:"rt_cd"`
		MsgCd  string `json:"msg_cd"`
		Msg1   string `json:"msg1"`
		Output struct {
			IV  string `json:"iv"`
			Key string `json:"key"`
		} `json:"output"`
	} `json:"body"`
}

func (p *streamProtocol) Decode(raw []byte, keys stream.Keys) (stream.Frame, error) {
	if len(raw) == 0 {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "empty frame"}
	}
	if raw[0] != '0' && raw[0] != '1' {
		return decodeControl(raw)
	}

	env, err := stream.ParseEnvelope(string(raw))
	if err != nil {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "parsing envelope", Err: err}
	}

	payload := env.Payload
	if env.Encrypted {
		plain, err := stream.DecryptCBC(keys, payload)
		if err != nil {
			return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decrypting " + env.TrID, Err: err}
		}
		payload = string(plain)
	}

	var events []stream.Event
	switch env.TrID {
	case trOrderBook:
		events, err = decodeRecords(payload, env.Count, bookWidth, orderBookEvent)
	case trTrade:
		events, err = decodeRecords(payload, env.Count, tradeWidth, tradeEvent)
	case trExecution:
		events, err = decodeRecords(payload, env.Count, executionWidth, executionEvent)
	default:
		return stream.Frame{Type: stream.FrameIgnore}, nil
	}
	if err != nil {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding " + env.TrID, Err: err}
	}
	return stream.Frame{Type: stream.FrameData, Events: events}, nil
}

func decodeControl(raw []byte) (stream.Frame, error) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: "decoding control frame", Err: err}
	}
	if msg.Header.TrID == trKeepAlive {
		// The server expects its own ping echoed back.
		return stream.Frame{Type: stream.FrameKeepAlive, Reply: raw}, nil
	}
	if msg.Body.RtCd != "" && msg.Body.RtCd != "0" {
		return stream.Frame{}, &domain.ProtocolError{Exchange: Name, Detail: fmt.Sprintf("%s %s: %s", msg.Header.TrID, msg.Body.MsgCd, msg.Body.Msg1)}
	}
	if msg.Body.Output.Key != "" && msg.Body.Output.IV != "" {
		return stream.Frame{Type: stream.FrameControl, Keys: &stream.Keys{
			Key: []byte(msg.Body.Output.Key),
			IV:  []byte(msg.Body.Output.IV),
		}}, nil
	}
	return stream.Frame{Type: stream.FrameIgnore}, nil
}

func decodeRecords(payload string, count, width int, fn func([]string) stream.Event) ([]stream.Event, error) {
	records, err := stream.Records(payload, count, width)
	if err != nil {
		return nil, err
	}
	events := make([]stream.Event, 0, len(records))
	for _, r := range records {
		events = append(events, fn(r))
	}
	return events, nil
}

func orderBookEvent(f []string) stream.Event {
	symbol := stripPrefix(f[bookSymbol])
	book := &domain.OrderBookUpdate{
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: parseFloat(f[bookBid1]), Quantity: parseFloat(f[bookBidQty1])}},
		Asks:   []domain.PriceLevel{{Price: parseFloat(f[bookAsk1]), Quantity: parseFloat(f[bookAskQty1])}},
	}
	return stream.Event{Kind: stream.KindOrderBook, Symbol: f[bookRealtimeSymbol], OrderBook: book}
}

func tradeEvent(f []string) stream.Event {
	symbol := stripPrefix(f[tradeSymbol])
	trade := &domain.TradeUpdate{
		Symbol:       symbol,
		Price:        parseFloat(f[tradeLast]),
		Quantity:     parseFloat(f[tradeQuantity]),
		Time:         f[tradeKoreaTime],
		IsBuyerMaker: true,
		Timestamp:    exchangeMillis(f[tradeLocalDate], f[tradeLocalTime]),
	}
	return stream.Event{Kind: stream.KindTrade, Symbol: f[tradeRealtimeSymbol], Trade: trade}
}

// executionEvent maps a decrypted execution notice onto an order update.
func executionEvent(f []string) stream.Event {
	u := domain.OrderUpdate{
		OrderID:  f[execOrderNo],
		Symbol:   f[execSymbol],
		Side:     sideFromCode(f[execSide]),
		Price:    f[execFilledPx],
		Quantity: f[execOrderQty],
	}
	switch {
	case f[execRejected] == "1":
		u.OrderStatus = domain.OrderStatusRejected
	case f[execFilled] == "2":
		u.OrderStatus = domain.OrderStatusFilled
		u.Quantity = f[execFilledQty]
	case f[execRevision] == "2":
		u.OrderStatus = domain.OrderStatusCanceled
	default:
		u.OrderStatus = domain.OrderStatusNew
	}
	return stream.Event{Kind: stream.KindOrderUpdate, Symbol: u.Symbol, Order: &u}
}

func stripPrefix(symbol string) string {
	for _, p := range []string{prefixRegular, prefixDay} {
		if strings.HasPrefix(symbol, p) {
			return strings.TrimPrefix(symbol, p)
		}
	}
	return symbol
}

var newYork = mustLocation("America/New_York")

// exchangeMillis converts the exchange-local date and time of a print to
// unix milliseconds, or 0 when they do not parse.
func exchangeMillis(date, clock string) int64 {
	t, err := time.ParseInLocation("20060102150405", date+clock, newYork)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
