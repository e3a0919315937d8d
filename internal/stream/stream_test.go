package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/domain"
	"tradegate/internal/util"
)

// ---------------------------------------------------------------------------
// Fake upstream
// ---------------------------------------------------------------------------

type fakeUpstream struct {
	srv   *httptest.Server
	conns atomic.Int32
	recv  chan string

	mu   sync.Mutex
	live []*websocket.Conn
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{recv: make(chan string, 256)}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.conns.Add(1)
		u.mu.Lock()
		u.live = append(u.live, c)
		u.mu.Unlock()
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			u.recv <- string(msg)
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

// send writes msg on the most recent connection.
func (u *fakeUpstream) send(t *testing.T, msg string) {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.live) == 0 {
		t.Fatal("no upstream connection")
	}
	if err := u.live[len(u.live)-1].WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
}

func (u *fakeUpstream) dropAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range u.live {
		c.Close()
	}
}

// next returns the next frame the client sent.
func (u *fakeUpstream) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-u.recv:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return ""
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Line protocol used by the tests
// ---------------------------------------------------------------------------

// lineProto speaks a small text protocol: PING keep-alives, "KEY k iv"
// control frames, and flag|tr_id|count|symbol^price data frames.
type lineProto struct {
	url       string
	handshake func(ctx context.Context, c Conn) error
}

func (p *lineProto) Exchange() string { return "test" }

func (p *lineProto) Endpoint() (string, http.Header) { return p.url, nil }

func (p *lineProto) Handshake(ctx context.Context, c Conn) error {
	if p.handshake == nil {
		return nil
	}
	return p.handshake(ctx, c)
}

func (p *lineProto) SubscribeFrame(kind Kind, topic string) ([]byte, error) {
	return []byte(fmt.Sprintf("SUB %s %s", kind, topic)), nil
}

func (p *lineProto) UnsubscribeFrame(kind Kind, topic string) ([]byte, error) {
	return []byte(fmt.Sprintf("UNSUB %s %s", kind, topic)), nil
}

func (p *lineProto) Decode(raw []byte, keys Keys) (Frame, error) {
	s := string(raw)
	switch {
	case s == "PING":
		return Frame{Type: FrameKeepAlive, Reply: []byte("PONG")}, nil
	case s == "ACK":
		return Frame{Type: FrameIgnore}, nil
	case strings.HasPrefix(s, "KEY "):
		f := strings.Fields(s)
		if len(f) != 3 {
			return Frame{}, errors.New("bad key frame")
		}
		return Frame{Type: FrameControl, Keys: &Keys{Key: []byte(f[1]), IV: []byte(f[2])}}, nil
	}

	env, err := ParseEnvelope(s)
	if err != nil {
		return Frame{}, err
	}
	payload := env.Payload
	if env.Encrypted {
		plain, err := DecryptCBC(keys, payload)
		if err != nil {
			return Frame{}, err
		}
		payload = string(plain)
	}
	recs, err := Records(payload, env.Count, 2)
	if err != nil {
		return Frame{}, err
	}

	frame := Frame{Type: FrameData}
	for _, r := range recs {
		price, err := strconv.ParseFloat(r[1], 64)
		if err != nil {
			return Frame{}, err
		}
		ev := Event{Symbol: r[0]}
		switch env.TrID {
		case "BOOK":
			ev.Kind = KindOrderBook
			ev.OrderBook = &domain.OrderBookUpdate{Symbol: r[0], Bids: []domain.PriceLevel{{Price: price, Quantity: 1}}}
		case "TRADE":
			ev.Kind = KindTrade
			ev.Trade = &domain.TradeUpdate{Symbol: r[0], Price: price}
		case "ORDER":
			ev.Kind = KindOrderUpdate
			ev.Order = &domain.OrderUpdate{Symbol: r[0], Price: r[1], OrderStatus: domain.OrderStatusNew}
		default:
			return Frame{}, fmt.Errorf("unknown tr_id %q", env.TrID)
		}
		frame.Events = append(frame.Events, ev)
	}
	return frame, nil
}

func newTestManager(t *testing.T, opts Options, dialer Dialer) *Manager {
	t.Helper()
	m := NewManager(dialer, opts, util.DiscardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

var testKey = Key{UserID: "u1", Exchange: "test"}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConcurrentSubscribesShareOneConnection(t *testing.T) {
	u := newFakeUpstream(t)
	m := newTestManager(t, Options{}, nil)
	proto := &lineProto{url: u.url()}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.SubscribeOrderBook(context.Background(), testKey, proto, fmt.Sprintf("SYM%d", i),
				func(domain.OrderBookUpdate) error { return nil })
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("SubscribeOrderBook: %v", err)
		}
	}

	if got := u.conns.Load(); got != 1 {
		t.Errorf("upstream connections = %d, want 1", got)
	}
	if got := m.Len(); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
	s, ok := m.Session(testKey)
	if !ok {
		t.Fatal("no session for key")
	}
	if got := s.Len(); got != n {
		t.Errorf("registered handlers = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		if msg := u.next(t); !strings.HasPrefix(msg, "SUB orderbook SYM") {
			t.Errorf("client frame %d = %q, want a subscribe frame", i, msg)
		}
	}
}

func TestFailingHandlerRemovedOthersStillReceive(t *testing.T) {
	u := newFakeUpstream(t)
	m := newTestManager(t, Options{}, nil)
	proto := &lineProto{url: u.url()}
	ctx := context.Background()

	var failCalls, panicCalls atomic.Int32
	failing, err := m.SubscribeOrderBook(ctx, testKey, proto, "AAPL", func(domain.OrderBookUpdate) error {
		failCalls.Add(1)
		return errors.New("consumer disconnected")
	})
	if err != nil {
		t.Fatalf("subscribe failing: %v", err)
	}
	panicking, err := m.SubscribeOrderBook(ctx, testKey, proto, "AAPL", func(domain.OrderBookUpdate) error {
		panicCalls.Add(1)
		panic("boom")
	})
	if err != nil {
		t.Fatalf("subscribe panicking: %v", err)
	}
	got := make(chan float64, 4)
	healthy, err := m.SubscribeOrderBook(ctx, testKey, proto, "AAPL", func(ob domain.OrderBookUpdate) error {
		got <- ob.Bids[0].Price
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe healthy: %v", err)
	}
	u.next(t) // single subscribe frame for the shared topic

	u.send(t, "0|BOOK|1|AAPL^1.5")
	u.send(t, "0|BOOK|1|AAPL^2.5")

	for _, want := range []float64{1.5, 2.5} {
		select {
		case p := <-got:
			if p != want {
				t.Errorf("healthy handler got %v, want %v", p, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("healthy handler did not receive both updates")
		}
	}

	for name, sub := range map[string]*Subscription{"failing": failing, "panicking": panicking} {
		select {
		case <-sub.Done():
		default:
			t.Errorf("%s subscription still registered", name)
		}
	}
	select {
	case <-healthy.Done():
		t.Error("healthy subscription was removed")
	default:
	}
	if failCalls.Load() != 1 || panicCalls.Load() != 1 {
		t.Errorf("failing calls = %d, panicking calls = %d, want 1 each", failCalls.Load(), panicCalls.Load())
	}
	s, _ := m.Session(testKey)
	if s.Len() != 1 {
		t.Errorf("registered handlers = %d, want 1", s.Len())
	}
}

// recordingDialer logs every outbound frame next to handler calls so their
// relative order can be checked.
type recordingDialer struct {
	inner Dialer
	mu    sync.Mutex
	log   []string
}

func (d *recordingDialer) add(s string) {
	d.mu.Lock()
	d.log = append(d.log, s)
	d.mu.Unlock()
}

func (d *recordingDialer) entries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

func (d *recordingDialer) Dial(ctx context.Context, url string, h http.Header) (Conn, error) {
	c, err := d.inner.Dial(ctx, url, h)
	if err != nil {
		return nil, err
	}
	return &recordingConn{Conn: c, d: d}, nil
}

type recordingConn struct {
	Conn
	d *recordingDialer
}

func (c *recordingConn) WriteMessage(data []byte) error {
	c.d.add("write:" + string(data))
	return c.Conn.WriteMessage(data)
}

func TestKeepAliveAnsweredBeforeNextFrame(t *testing.T) {
	u := newFakeUpstream(t)
	d := &recordingDialer{inner: &WebsocketDialer{}}
	m := newTestManager(t, Options{}, d)
	proto := &lineProto{url: u.url()}

	var handled atomic.Int32
	_, err := m.SubscribeTrades(context.Background(), testKey, proto, "TSLA", func(tr domain.TradeUpdate) error {
		// A slow consumer must not delay the keep-alive reply.
		time.Sleep(20 * time.Millisecond)
		d.add(fmt.Sprintf("data:%v", tr.Price))
		handled.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}
	u.next(t)

	u.send(t, "0|TRADE|1|TSLA^1")
	u.send(t, "PING")
	u.send(t, "0|TRADE|1|TSLA^2")
	waitFor(t, "both trades", func() bool { return handled.Load() == 2 })

	if msg := u.next(t); msg != "PONG" {
		t.Errorf("keep-alive reply = %q, want PONG", msg)
	}

	log := d.entries()
	index := func(s string) int {
		for i, e := range log {
			if e == s {
				return i
			}
		}
		return -1
	}
	first, pong, second := index("data:1"), index("write:PONG"), index("data:2")
	if first < 0 || pong < 0 || second < 0 || !(first < pong && pong < second) {
		t.Errorf("event order = %v, want data:1, write:PONG, data:2", log)
	}
}

func TestControlFrameKeysDecryptData(t *testing.T) {
	u := newFakeUpstream(t)
	m := newTestManager(t, Options{}, nil)
	proto := &lineProto{url: u.url()}

	keys := Keys{Key: []byte("0123456789abcdef0123456789abcdef"), IV: []byte("fedcba9876543210")}
	enc, err := EncryptCBC(keys, []byte("acct^42"))
	if err != nil {
		t.Fatalf("EncryptCBC: %v", err)
	}

	got := make(chan domain.OrderUpdate, 2)
	_, err = m.SubscribeOrderUpdates(context.Background(), testKey, proto, "hts-user", func(o domain.OrderUpdate) error {
		got <- o
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeOrderUpdates: %v", err)
	}
	if msg := u.next(t); msg != "SUB order_update hts-user" {
		t.Errorf("subscribe frame = %q", msg)
	}

	// Encrypted before any key arrived, then garbage: both skipped.
	u.send(t, "1|ORDER|1|"+enc)
	u.send(t, "not a frame")
	u.send(t, "ACK")
	u.send(t, fmt.Sprintf("KEY %s %s", keys.Key, keys.IV))
	u.send(t, "1|ORDER|1|"+enc)

	select {
	case o := <-got:
		if o.Symbol != "acct" || o.Price != "42" {
			t.Errorf("order update = %+v, want acct at 42", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no decrypted order update delivered")
	}
	select {
	case o := <-got:
		t.Errorf("unexpected extra update %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteCloseTearsDownSession(t *testing.T) {
	u := newFakeUpstream(t)
	m := newTestManager(t, Options{}, nil)
	proto := &lineProto{url: u.url()}
	ctx := context.Background()

	sub, err := m.SubscribeOrderBook(ctx, testKey, proto, "BTCUSDT", func(domain.OrderBookUpdate) error { return nil })
	if err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}
	s, _ := m.Session(testKey)

	u.dropAll()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not released after remote close")
	}
	<-s.Done()
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	waitFor(t, "session removal", func() bool { return m.Len() == 0 })

	if _, err := m.SubscribeOrderBook(ctx, testKey, proto, "BTCUSDT", func(domain.OrderBookUpdate) error { return nil }); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if got := u.conns.Load(); got != 2 {
		t.Errorf("upstream connections = %d, want 2 after reconnect", got)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	u := newFakeUpstream(t)
	m := newTestManager(t, Options{HandshakeTimeout: 150 * time.Millisecond}, nil)
	proto := &lineProto{
		url: u.url(),
		handshake: func(ctx context.Context, c Conn) error {
			// The upstream never greets.
			_, err := c.ReadMessage()
			return err
		},
	}

	start := time.Now()
	_, err := m.SubscribeOrderBook(context.Background(), testKey, proto, "AAPL", func(domain.OrderBookUpdate) error { return nil })
	var cte *domain.ConnectionTimeoutError
	if !errors.As(err, &cte) {
		t.Fatalf("error = %v, want ConnectionTimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("subscribe took %s, want about the handshake timeout", elapsed)
	}
	if m.Len() != 0 {
		t.Errorf("sessions = %d, want 0 after failed handshake", m.Len())
	}
}

func TestLastUnsubscribeSendsFrame(t *testing.T) {
	u := newFakeUpstream(t)
	m := newTestManager(t, Options{}, nil)
	proto := &lineProto{url: u.url()}
	ctx := context.Background()
	noop := func(domain.TradeUpdate) error { return nil }

	a, err := m.SubscribeTrades(ctx, testKey, proto, "ETHUSDT", noop)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	b, err := m.SubscribeTrades(ctx, testKey, proto, "ETHUSDT", noop)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if msg := u.next(t); msg != "SUB trade ETHUSDT" {
		t.Fatalf("first frame = %q", msg)
	}

	a.Unsubscribe()
	a.Unsubscribe()
	b.Unsubscribe()
	if msg := u.next(t); msg != "UNSUB trade ETHUSDT" {
		t.Errorf("frame after last unsubscribe = %q", msg)
	}
	select {
	case msg := <-u.recv:
		t.Errorf("unexpected extra frame %q", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// The connection stays up without handlers unless configured otherwise.
	if m.Len() != 1 {
		t.Errorf("sessions = %d, want 1", m.Len())
	}
}

// gatedDialer wraps connections so that writes of frames with a given
// prefix block until released, optionally failing afterwards.
type gatedDialer struct {
	inner  Dialer
	prefix string
	fail   bool
	held   chan struct{}
	gate   chan struct{}
	d      *recordingDialer
}

func newGatedDialer(prefix string, fail bool) *gatedDialer {
	return &gatedDialer{
		inner:  &WebsocketDialer{},
		prefix: prefix,
		fail:   fail,
		held:   make(chan struct{}, 1),
		gate:   make(chan struct{}),
		d:      &recordingDialer{},
	}
}

func (g *gatedDialer) Dial(ctx context.Context, url string, h http.Header) (Conn, error) {
	c, err := g.inner.Dial(ctx, url, h)
	if err != nil {
		return nil, err
	}
	return &gatedConn{Conn: c, g: g}, nil
}

type gatedConn struct {
	Conn
	g    *gatedDialer
	once sync.Once
}

func (c *gatedConn) WriteMessage(data []byte) error {
	gated := false
	if strings.HasPrefix(string(data), c.g.prefix) {
		c.once.Do(func() { gated = true })
	}
	if gated {
		c.g.held <- struct{}{}
		<-c.g.gate
		if c.g.fail {
			c.g.d.add("failed:" + string(data))
			return errors.New("write refused")
		}
	}
	c.g.d.add(string(data))
	return c.Conn.WriteMessage(data)
}

func TestResubscribeDuringUnsubscribeKeepsTopic(t *testing.T) {
	u := newFakeUpstream(t)
	g := newGatedDialer("UNSUB", false)
	m := newTestManager(t, Options{}, g)
	proto := &lineProto{url: u.url()}
	ctx := context.Background()

	var got atomic.Int32
	a, err := m.SubscribeOrderBook(ctx, testKey, proto, "AAPL", func(domain.OrderBookUpdate) error { return nil })
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}

	go a.Unsubscribe()
	<-g.held

	subscribed := make(chan error, 1)
	go func() {
		_, err := m.SubscribeOrderBook(ctx, testKey, proto, "AAPL", func(domain.OrderBookUpdate) error {
			got.Add(1)
			return nil
		})
		subscribed <- err
	}()

	select {
	case err := <-subscribed:
		t.Fatalf("subscribe returned while the unsubscribe frame was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(g.gate)
	if err := <-subscribed; err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	want := []string{"SUB orderbook AAPL", "UNSUB orderbook AAPL", "SUB orderbook AAPL"}
	if w := g.d.entries(); strings.Join(w, ",") != strings.Join(want, ",") {
		t.Errorf("writes = %q, want %q", w, want)
	}
	s, _ := m.Session(testKey)
	if n := s.Len(); n != 1 {
		t.Errorf("registered handlers = %d, want 1", n)
	}

	u.send(t, "0|BOOK|1|AAPL^10")
	waitFor(t, "book update", func() bool { return got.Load() == 1 })
}

func TestFailedSubscribeWriteLeavesTopicToNextSubscriber(t *testing.T) {
	u := newFakeUpstream(t)
	g := newGatedDialer("SUB", true)
	m := newTestManager(t, Options{}, g)
	proto := &lineProto{url: u.url()}
	ctx := context.Background()
	noop := func(domain.TradeUpdate) error { return nil }

	first := make(chan error, 1)
	go func() {
		_, err := m.SubscribeTrades(ctx, testKey, proto, "MSFT", noop)
		first <- err
	}()
	<-g.held

	second := make(chan error, 1)
	go func() {
		_, err := m.SubscribeTrades(ctx, testKey, proto, "MSFT", noop)
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(g.gate)

	if err := <-first; err == nil {
		t.Fatal("first subscribe should fail")
	}
	if err := <-second; err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	want := []string{"failed:SUB trade MSFT", "SUB trade MSFT"}
	if w := g.d.entries(); strings.Join(w, ",") != strings.Join(want, ",") {
		t.Errorf("writes = %q, want %q", w, want)
	}
	if msg := u.next(t); msg != "SUB trade MSFT" {
		t.Errorf("upstream frame = %q", msg)
	}
}

func TestCloseWhenIdle(t *testing.T) {
	u := newFakeUpstream(t)
	m := newTestManager(t, Options{CloseWhenIdle: true}, nil)
	proto := &lineProto{url: u.url()}

	sub, err := m.SubscribeOrderBook(context.Background(), testKey, proto, "AAPL", func(domain.OrderBookUpdate) error { return nil })
	if err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}
	s, _ := m.Session(testKey)
	sub.Unsubscribe()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session not closed")
	}
	waitFor(t, "session removal", func() bool { return m.Len() == 0 })
}

func TestManagerClose(t *testing.T) {
	u := newFakeUpstream(t)
	m := NewManager(nil, Options{}, util.DiscardLogger())
	proto := &lineProto{url: u.url()}
	ctx := context.Background()

	sub, err := m.SubscribeOrderBook(ctx, Key{UserID: "u2", Exchange: "test"}, proto, "AAPL", func(domain.OrderBookUpdate) error { return nil })
	if err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.Close(cctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("subscription still live after Close")
	}
	if _, err := m.SubscribeOrderBook(ctx, testKey, proto, "AAPL", func(domain.OrderBookUpdate) error { return nil }); err == nil {
		t.Error("subscribe after Close should fail")
	}
}

func TestSeparateUsersGetSeparateConnections(t *testing.T) {
	u := newFakeUpstream(t)
	m := newTestManager(t, Options{}, nil)
	proto := &lineProto{url: u.url()}
	noop := func(domain.OrderBookUpdate) error { return nil }

	for _, user := range []string{"alice", "bob"} {
		if _, err := m.SubscribeOrderBook(context.Background(), Key{UserID: user, Exchange: "test"}, proto, "AAPL", noop); err != nil {
			t.Fatalf("subscribe %s: %v", user, err)
		}
	}
	if got := u.conns.Load(); got != 2 {
		t.Errorf("upstream connections = %d, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// Envelope and cipher helpers
// ---------------------------------------------------------------------------

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope("1|H0GSCNI0|002|a^b^c^d")
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if !env.Encrypted || env.TrID != "H0GSCNI0" || env.Count != 2 || env.Payload != "a^b^c^d" {
		t.Errorf("envelope = %+v", env)
	}

	recs, err := Records(env.Payload, env.Count, 2)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(recs) != 2 || recs[1][0] != "c" || recs[1][1] != "d" {
		t.Errorf("records = %v", recs)
	}

	for _, bad := range []string{"", "0|X", "2|X|1|a", "0|X|zero|a"} {
		if _, err := ParseEnvelope(bad); err == nil {
			t.Errorf("ParseEnvelope(%q) should fail", bad)
		}
	}
	if _, err := Records("a^b^c", 2, 2); err == nil {
		t.Error("Records with too few fields should fail")
	}
}

func TestCBCRoundTrip(t *testing.T) {
	keys := Keys{Key: []byte("0123456789abcdef0123456789abcdef"), IV: []byte("fedcba9876543210")}
	for _, plain := range []string{"", "short", "exactly16bytes!!", strings.Repeat("x^", 40)} {
		enc, err := EncryptCBC(keys, []byte(plain))
		if err != nil {
			t.Fatalf("EncryptCBC(%q): %v", plain, err)
		}
		got, err := DecryptCBC(keys, enc)
		if err != nil {
			t.Fatalf("DecryptCBC(%q): %v", plain, err)
		}
		if string(got) != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}

	if _, err := DecryptCBC(Keys{}, "AAAA"); err == nil {
		t.Error("DecryptCBC without keys should fail")
	}
	if _, err := DecryptCBC(keys, "not base64!"); err == nil {
		t.Error("DecryptCBC of invalid base64 should fail")
	}
	other := Keys{Key: []byte("ffffffffffffffffffffffffffffffff"), IV: keys.IV}
	enc, _ := EncryptCBC(keys, []byte("payload"))
	if got, err := DecryptCBC(other, enc); err == nil && string(got) == "payload" {
		t.Error("DecryptCBC with the wrong key returned the plaintext")
	}
}
