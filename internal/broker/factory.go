package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"tradegate/internal/candles"
	"tradegate/internal/config"
	"tradegate/internal/credentials"
	"tradegate/internal/domain"
	"tradegate/internal/store"
	"tradegate/internal/stream"
	"tradegate/internal/util"
)

// Deps are the shared collaborators injected into every adapter. Per-user
// mutable state lives in these, keyed by user, never in adapter fields.
type Deps struct {
	Config      *config.Config
	Credentials credentials.Provider
	Cache       store.KeyValueCache
	Candles     *candles.Engine
	Streams     *stream.Manager
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Now         func() time.Time
}

// withDefaults fills optional fields.
func (d Deps) withDefaults() Deps {
	if d.Config == nil {
		d.Config = config.Default()
	}
	if d.Cache == nil {
		d.Cache = store.NewMemoryCache()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Streams == nil {
		d.Streams = stream.NewManager(nil, stream.Options{
			HandshakeTimeout: d.Config.Stream.HandshakeTimeout,
			WriteTimeout:     d.Config.Stream.WriteTimeout,
			CloseWhenIdle:    d.Config.Stream.CloseWhenIdle,
		}, d.Logger)
	}
	return d
}

// RetryPolicy returns the configured upstream retry policy.
func (d Deps) RetryPolicy() util.RetryPolicy {
	r := d.Config.Retry
	if r.MaxAttempts <= 0 {
		return util.DefaultRetryPolicy
	}
	return util.RetryPolicy{MaxAttempts: r.MaxAttempts, MinDelay: r.MinDelay, MaxDelay: r.MaxDelay}
}

// ResolveCredentials resolves userID's secrets for exchange. Without a provider,
// or when the user has none stored, fallback is used; an empty fallback
// then yields credentials.ErrNotFound.
func (d Deps) ResolveCredentials(ctx context.Context, userID, exchange string, fallback credentials.Credentials) (credentials.Credentials, error) {
	if d.Credentials == nil {
		if fallback.APIKey == "" {
			return fallback, fmt.Errorf("%s credentials for user %q: %w", exchange, userID, credentials.ErrNotFound)
		}
		return fallback, nil
	}
	c, err := d.Credentials.Get(ctx, userID, exchange)
	if errors.Is(err, credentials.ErrNotFound) && fallback.APIKey != "" {
		return fallback, nil
	}
	return c, err
}

// Constructor builds an adapter bound to userID.
type Constructor func(ctx context.Context, userID string, deps Deps) (Broker, error)

// Factory maps exchange names to constructors.
type Factory struct {
	deps Deps

	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory creates an empty factory. Adapters are added with Register.
func NewFactory(deps Deps) *Factory {
	return &Factory{
		deps:  deps.withDefaults(),
		ctors: make(map[string]Constructor),
	}
}

// Deps returns the injected collaborators after defaults were applied.
func (f *Factory) Deps() Deps { return f.deps }

// Register adds or replaces the constructor for name. Names are matched
// case-insensitively.
func (f *Factory) Register(name string, ctor Constructor) {
	f.mu.Lock()
	f.ctors[strings.ToLower(name)] = ctor
	f.mu.Unlock()
}

// Create builds the adapter for name bound to userID. Unknown names fail
// with *domain.UnsupportedBrokerError.
func (f *Factory) Create(ctx context.Context, name, userID string) (Broker, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[strings.ToLower(name)]
	f.mu.RUnlock()
	if !ok {
		return nil, &domain.UnsupportedBrokerError{Name: name}
	}
	b, err := ctor(ctx, userID, f.deps)
	if err != nil {
		return nil, fmt.Errorf("creating %s broker: %w", name, err)
	}
	return b, nil
}

// Available lists registered names in sorted order.
func (f *Factory) Available() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.ctors))
	for n := range f.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
