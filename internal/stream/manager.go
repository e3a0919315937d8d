// Package stream multiplexes real-time exchange feeds: every (user,
// exchange) pair shares one upstream socket, and inbound frames are fanned
// out to the callbacks registered for their kind and symbol.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tradegate/internal/domain"
)

// Key identifies a shared connection.
type Key struct {
	UserID   string
	Exchange string
}

// Options tunes every session a Manager creates.
type Options struct {
	// HandshakeTimeout bounds dialing plus the protocol handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outbound frame on the default dialer.
	WriteTimeout time.Duration
	// CloseWhenIdle closes a connection once its last handler is removed.
	CloseWhenIdle bool
}

// DefaultOptions returns the settings used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Manager owns the map of live sessions.
type Manager struct {
	dialer Dialer
	opts   Options
	logger *slog.Logger

	// mu guards sessions and is never held across I/O.
	mu       sync.Mutex
	sessions map[Key]*Session
	closed   bool
}

// NewManager creates a Manager. A nil dialer uses gorilla/websocket.
func NewManager(dialer Dialer, opts Options, logger *slog.Logger) *Manager {
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if dialer == nil {
		dialer = &WebsocketDialer{WriteTimeout: opts.WriteTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:   dialer,
		opts:     opts,
		logger:   logger.With("component", "stream"),
		sessions: make(map[Key]*Session),
	}
}

var errManagerClosed = errors.New("stream manager closed")

// session returns the live session for key, creating it if absent. proto is
// only used when a new session is created.
func (m *Manager) session(key Key, proto Protocol) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errManagerClosed
	}
	if s, ok := m.sessions[key]; ok && s.State() != StateClosed {
		return s, nil
	}
	s := newSession(key, proto, m.dialer, m.opts, m.logger, m.forget)
	m.sessions[key] = s
	return s, nil
}

// forget removes s from the map if it is still the registered session.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.key]; ok && cur == s {
		delete(m.sessions, s.key)
	}
	m.mu.Unlock()
}

// Subscribe registers h for kind and topic on the shared connection of key,
// connecting first if needed.
func (m *Manager) Subscribe(ctx context.Context, key Key, proto Protocol, kind Kind, topic string, h Handler) (*Subscription, error) {
	// A session may close between lookup and registration; the second
	// attempt then gets a fresh one.
	for attempt := 0; attempt < 2; attempt++ {
		s, err := m.session(key, proto)
		if err != nil {
			return nil, err
		}
		if err := s.open(ctx); err != nil {
			if errors.Is(err, errSessionClosed) {
				continue
			}
			return nil, err
		}
		sub, err := s.subscribe(kind, topic, h)
		if errors.Is(err, errSessionClosed) {
			continue
		}
		return sub, err
	}
	return nil, &domain.TransportError{Op: "subscribe " + topic, Err: errSessionClosed}
}

// SubscribeOrderBook registers fn for depth snapshots of symbol.
func (m *Manager) SubscribeOrderBook(ctx context.Context, key Key, proto Protocol, symbol string, fn func(domain.OrderBookUpdate) error) (*Subscription, error) {
	return m.Subscribe(ctx, key, proto, KindOrderBook, symbol, func(ev Event) error {
		if ev.OrderBook == nil {
			return nil
		}
		return fn(*ev.OrderBook)
	})
}

// SubscribeTrades registers fn for trade prints of symbol.
func (m *Manager) SubscribeTrades(ctx context.Context, key Key, proto Protocol, symbol string, fn func(domain.TradeUpdate) error) (*Subscription, error) {
	return m.Subscribe(ctx, key, proto, KindTrade, symbol, func(ev Event) error {
		if ev.Trade == nil {
			return nil
		}
		return fn(*ev.Trade)
	})
}

// SubscribeOrderUpdates registers fn for the account's execution reports.
// topic is the exchange's account stream identifier.
func (m *Manager) SubscribeOrderUpdates(ctx context.Context, key Key, proto Protocol, topic string, fn func(domain.OrderUpdate) error) (*Subscription, error) {
	return m.Subscribe(ctx, key, proto, KindOrderUpdate, topic, func(ev Event) error {
		if ev.Order == nil {
			return nil
		}
		return fn(*ev.Order)
	})
}

// Session returns the live session for key.
func (m *Manager) Session(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Len returns the number of sessions in the map.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close shuts every session down and waits for their loops to exit or ctx
// to end. Later subscriptions fail.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
