package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/domain"
)

// ErrSubscriberGone is returned by a handler whose consumer went away. The
// handler is removed without a warning being logged.
var ErrSubscriberGone = errors.New("subscriber gone")

var errSessionClosed = errors.New("stream session closed")

// State is the lifecycle of a session's dispatch loop.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handler receives one event. Returning an error removes the handler from
// its registry; other handlers still receive the event.
type Handler func(ev Event) error

type entry struct {
	id      uint64
	kind    Kind
	topic   string
	handler Handler
	done    chan struct{}
}

// matches reports whether ev belongs to this entry. Order updates are per
// account, so their topic is not compared with the event symbol.
func (e *entry) matches(ev Event) bool {
	if e.kind != ev.Kind {
		return false
	}
	return ev.Kind == KindOrderUpdate || strings.EqualFold(e.topic, ev.Symbol)
}

// Session is one shared upstream connection for a (user, exchange) pair
// and the callbacks registered on it.
type Session struct {
	key     Key
	proto   Protocol
	dialer  Dialer
	opts    Options
	log     *slog.Logger
	onClose func(*Session)

	state atomic.Int32

	// openMu serializes dialing so a session connects at most once.
	openMu  sync.Mutex
	opened  bool
	openErr error
	conn    Conn

	// topicMu is held across a first-subscribe or last-unsubscribe decision
	// and its frame write, so upstream sees frames in registry order.
	topicMu sync.Mutex

	// mu guards the registry and the decrypt keys.
	mu      sync.Mutex
	entries map[uint64]*entry
	nextID  uint64
	keys    Keys

	done chan struct{}
}

func newSession(key Key, proto Protocol, dialer Dialer, opts Options, log *slog.Logger, onClose func(*Session)) *Session {
	return &Session{
		key:     key,
		proto:   proto,
		dialer:  dialer,
		opts:    opts,
		log:     log.With("user", key.UserID, "exchange", key.Exchange),
		onClose: onClose,
		entries: make(map[uint64]*entry),
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the dispatch loop has exited and the registry is
// cleared.
func (s *Session) Done() <-chan struct{} { return s.done }

// Len returns the number of registered handlers.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// open dials and handshakes on first use. Concurrent callers wait for the
// first and share its outcome.
func (s *Session) open(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.opened {
		if s.openErr != nil {
			return s.openErr
		}
		if s.State() != StateOpen {
			return errSessionClosed
		}
		return nil
	}
	s.opened = true

	conn, err := s.connect(ctx)
	if err == nil {
		s.conn = conn
		if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
			// Closed while the handshake was in flight.
			conn.Close()
			err = errSessionClosed
		}
	}
	if err != nil {
		s.openErr = err
		s.state.Store(int32(StateClosed))
		close(s.done)
		s.onClose(s)
		return err
	}

	s.log.Info("stream connected")
	go s.run()
	return nil
}

func (s *Session) connect(ctx context.Context) (Conn, error) {
	exchange := s.proto.Exchange()
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	timedOut := func(err error) bool {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return hctx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	}

	url, header := s.proto.Endpoint()
	conn, err := s.dialer.Dial(hctx, url, header)
	if err != nil {
		if timedOut(err) {
			return nil, &domain.ConnectionTimeoutError{Exchange: exchange, After: s.opts.HandshakeTimeout}
		}
		return nil, &domain.TransportError{Op: "dial " + exchange, Err: err}
	}

	if deadline, ok := hctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	if err := s.proto.Handshake(hctx, conn); err != nil {
		conn.Close()
		if timedOut(err) {
			return nil, &domain.ConnectionTimeoutError{Exchange: exchange, After: s.opts.HandshakeTimeout}
		}
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// run is the dispatch loop. Frames are handled strictly in receipt order.
func (s *Session) run() {
	defer s.teardown()

	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() == StateClosing {
				s.log.Debug("stream closed")
			} else {
				s.log.Warn("stream read failed", "err", err)
			}
			return
		}

		s.mu.Lock()
		keys := s.keys
		s.mu.Unlock()

		frame, err := s.proto.Decode(raw, keys)
		if err != nil {
			s.log.Warn("dropping malformed frame", "err", err, "size", len(raw))
			continue
		}

		switch frame.Type {
		case FrameKeepAlive:
			if frame.Reply != nil {
				if err := s.conn.WriteMessage(frame.Reply); err != nil {
					s.log.Warn("keep-alive reply failed", "err", err)
				}
			}
		case FrameControl:
			if frame.Keys != nil {
				s.mu.Lock()
				s.keys = *frame.Keys
				s.mu.Unlock()
				s.log.Debug("session keys updated")
			}
		case FrameData:
			for _, ev := range frame.Events {
				s.dispatch(ev)
			}
		}
	}
}

// dispatch fans ev out to a snapshot of the matching handlers and removes
// the ones that fail.
func (s *Session) dispatch(ev Event) {
	s.mu.Lock()
	targets := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.matches(ev) {
			targets = append(targets, e)
		}
	}
	s.mu.Unlock()

	var failed []uint64
	for _, e := range targets {
		if err := call(e.handler, ev); err != nil {
			if errors.Is(err, ErrSubscriberGone) {
				s.log.Debug("subscriber gone", "kind", e.kind, "topic", e.topic)
			} else {
				s.log.Warn("handler failed, removing", "kind", e.kind, "topic", e.topic, "err", err)
			}
			failed = append(failed, e.id)
		}
	}
	if len(failed) > 0 {
		s.remove(failed...)
	}
}

func call(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}

// subscribe registers h and sends a subscribe frame when it is the first
// handler for the topic.
func (s *Session) subscribe(kind Kind, topic string, h Handler) (*Subscription, error) {
	s.topicMu.Lock()
	defer s.topicMu.Unlock()

	s.mu.Lock()
	if s.State() != StateOpen {
		s.mu.Unlock()
		return nil, errSessionClosed
	}
	first := !s.hasTopicLocked(kind, topic)
	s.nextID++
	e := &entry{id: s.nextID, kind: kind, topic: topic, handler: h, done: make(chan struct{})}
	s.entries[e.id] = e
	s.mu.Unlock()

	if first {
		frame, err := s.proto.SubscribeFrame(kind, topic)
		if err == nil && frame != nil {
			if werr := s.conn.WriteMessage(frame); werr != nil {
				err = &domain.TransportError{Op: "subscribe " + topic, Err: werr}
			}
		}
		if err != nil {
			s.removeQuiet(e.id)
			return nil, err
		}
	}

	s.log.Debug("subscribed", "kind", kind, "topic", topic, "handlers", s.Len())
	return &Subscription{session: s, id: e.id, kind: kind, topic: topic, done: e.done}, nil
}

func (s *Session) hasTopicLocked(kind Kind, topic string) bool {
	for _, e := range s.entries {
		if e.kind == kind && e.topic == topic {
			return true
		}
	}
	return false
}

// remove drops entries, unsubscribes topics left without handlers and
// closes an idle session when configured to.
func (s *Session) remove(ids ...uint64) {
	if !s.unsubscribe(ids) {
		return
	}
	if s.opts.CloseWhenIdle && s.Len() == 0 {
		s.log.Info("closing idle stream")
		s.Close()
	}
}

// unsubscribe drops ids and writes the unsubscribe frames for emptied
// topics. It reports whether the session is still open.
func (s *Session) unsubscribe(ids []uint64) bool {
	s.topicMu.Lock()
	defer s.topicMu.Unlock()

	emptied := s.removeLocked(ids)
	if s.State() != StateOpen {
		return false
	}
	for _, t := range emptied {
		frame, err := s.proto.UnsubscribeFrame(t.kind, t.topic)
		if err != nil || frame == nil {
			continue
		}
		if err := s.conn.WriteMessage(frame); err != nil {
			s.log.Warn("unsubscribe failed", "kind", t.kind, "topic", t.topic, "err", err)
		}
	}
	return true
}

// removeQuiet drops an entry without sending frames.
func (s *Session) removeQuiet(id uint64) {
	s.removeLocked([]uint64{id})
}

type topicKey struct {
	kind  Kind
	topic string
}

func (s *Session) removeLocked(ids []uint64) []topicKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var touched []topicKey
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		delete(s.entries, id)
		close(e.done)
		touched = append(touched, topicKey{e.kind, e.topic})
	}

	var emptied []topicKey
	seen := make(map[topicKey]bool)
	for _, t := range touched {
		if seen[t] || s.hasTopicLocked(t.kind, t.topic) {
			continue
		}
		seen[t] = true
		emptied = append(emptied, t)
	}
	return emptied
}

// Close cancels the whole session: the socket is closed, the dispatch loop
// exits and every handler is released.
func (s *Session) Close() {
	for {
		switch s.State() {
		case StateConnecting:
			if s.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing)) {
				return
			}
		case StateOpen:
			if s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
				s.conn.Close()
				return
			}
		default:
			return
		}
	}
}

func (s *Session) teardown() {
	s.state.Store(int32(StateClosed))
	s.conn.Close()

	s.mu.Lock()
	for id, e := range s.entries {
		close(e.done)
		delete(s.entries, id)
	}
	s.keys = Keys{}
	s.mu.Unlock()

	s.log.Info("stream session closed")
	close(s.done)
	s.onClose(s)
}

// ---------------------------------------------------------------------------
// Subscription handle
// ---------------------------------------------------------------------------

// Subscription is the handle returned for one registered handler.
type Subscription struct {
	session *Session
	id      uint64
	kind    Kind
	topic   string
	done    chan struct{}
}

// Kind returns the subscription category.
func (sub *Subscription) Kind() Kind { return sub.kind }

// Topic returns the subscribed symbol or account topic.
func (sub *Subscription) Topic() string { return sub.topic }

// Done is closed when the handler is removed for any reason: Unsubscribe,
// a failing handler, or the session closing.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Unsubscribe removes the handler. It does not interrupt a fan-out already
// in progress and is safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	sub.session.remove(sub.id)
}
