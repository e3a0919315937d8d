package stream

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"tradegate/internal/domain"
)

// Kind is a subscription category. Each kind has its own callbacks.
type Kind string

const (
	KindOrderBook   Kind = "orderbook"
	KindTrade       Kind = "trade"
	KindOrderUpdate Kind = "order_update"
)

// Event is one normalized update produced by a protocol decoder. Exactly
// one of the payload pointers is set, matching Kind.
type Event struct {
	Kind      Kind
	Symbol    string
	OrderBook *domain.OrderBookUpdate
	Trade     *domain.TradeUpdate
	Order     *domain.OrderUpdate
}

// FrameType classifies an inbound frame.
type FrameType int

const (
	// FrameIgnore is an acknowledgement or informational frame.
	FrameIgnore FrameType = iota
	// FrameKeepAlive must be answered with Frame.Reply at once.
	FrameKeepAlive
	// FrameControl updates session state such as decrypt keys.
	FrameControl
	// FrameData carries events for fan-out.
	FrameData
)

// Keys is the session-scoped decryption material delivered by control
// frames.
type Keys struct {
	Key []byte
	IV  []byte
}

// Frame is a decoded inbound message.
type Frame struct {
	Type   FrameType
	Reply  []byte
	Keys   *Keys
	Events []Event
}

// Protocol is the exchange-specific part of a shared connection.
type Protocol interface {
	// Exchange names the upstream, used for logging and errors.
	Exchange() string

	// Endpoint returns the socket URL and handshake headers.
	Endpoint() (string, http.Header)

	// Handshake runs after dialing and before the dispatch loop starts.
	// ctx carries the handshake deadline.
	Handshake(ctx context.Context, c Conn) error

	// SubscribeFrame and UnsubscribeFrame encode a topic request. A nil
	// frame means nothing needs to be sent.
	SubscribeFrame(kind Kind, topic string) ([]byte, error)
	UnsubscribeFrame(kind Kind, topic string) ([]byte, error)

	// Decode classifies and parses one inbound message using the keys from
	// the latest control frame.
	Decode(raw []byte, keys Keys) (Frame, error)
}

// ---------------------------------------------------------------------------
// Pipe-delimited envelopes
// ---------------------------------------------------------------------------

// Envelope is the fixed header of a delimited data frame:
// flag|tr_id|count|payload.
type Envelope struct {
	Encrypted bool
	TrID      string
	Count     int
	Payload   string
}

// ParseEnvelope splits a delimited data frame.
func ParseEnvelope(raw string) (Envelope, error) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) != 4 {
		return Envelope{}, fmt.Errorf("envelope has %d parts, want 4", len(parts))
	}
	if parts[0] != "0" && parts[0] != "1" {
		return Envelope{}, fmt.Errorf("unknown envelope flag %q", parts[0])
	}
	count, err := strconv.Atoi(parts[2])
	if err != nil || count < 1 {
		return Envelope{}, fmt.Errorf("bad record count %q", parts[2])
	}
	return Envelope{
		Encrypted: parts[0] == "1",
		TrID:      parts[1],
		Count:     count,
		Payload:   parts[3],
	}, nil
}

// Records splits a caret-delimited payload into count records of width
// positional fields each.
func Records(payload string, count, width int) ([][]string, error) {
	fields := strings.Split(payload, "^")
	if len(fields) < count*width {
		return nil, fmt.Errorf("payload has %d fields, want %d", len(fields), count*width)
	}
	out := make([][]string, count)
	for i := range out {
		out[i] = fields[i*width : (i+1)*width]
	}
	return out, nil
}
