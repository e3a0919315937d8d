// Package credentials resolves per-user exchange secrets and session tokens
// for the broker adapters.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tradegate/internal/store"
)

// ErrNotFound is returned when a user has no API key registered for an
// exchange and no static fallback is configured.
var ErrNotFound = errors.New("credentials not found")

// Credentials is the secret material an adapter needs to sign requests.
type Credentials struct {
	APIKey        string `json:"api_key"`
	Secret        string `json:"secret"`
	AccountNumber string `json:"account_number,omitempty"`
	ProductCode   string `json:"product_code,omitempty"`
	HTSID         string `json:"hts_id,omitempty"`
}

// Provider returns credentials for a user on an exchange.
type Provider interface {
	Get(ctx context.Context, userID, exchange string) (Credentials, error)
}

// tokenNames maps a Credentials field to the user_tokens row name per
// exchange.
var tokenNames = map[string]map[string]string{
	"kis": {
		"api_key":        "APP",
		"secret":         "SEC",
		"account_number": "ACCOUNT_NUMBER_0",
		"product_code":   "ACCOUNT_NUMBER_1",
		"hts_id":         "HTS_ID",
	},
	"binance": {
		"api_key": "API",
		"secret":  "SECRET",
	},
	"alpaca": {
		"api_key": "API",
		"secret":  "SECRET",
	},
}

// StoreProvider loads credentials from a TokenStore and caches the result
// in a KeyValueCache for ttl. Static entries serve users without stored
// tokens, which is how single-operator deployments are configured.
type StoreProvider struct {
	tokens store.TokenStore
	cache  store.KeyValueCache
	ttl    time.Duration
	static map[string]Credentials
	log    *slog.Logger
}

// Compile-time interface check.
var _ Provider = (*StoreProvider)(nil)

// NewStoreProvider creates a provider. tokens and cache may be nil.
func NewStoreProvider(tokens store.TokenStore, cache store.KeyValueCache, ttl time.Duration, logger *slog.Logger) *StoreProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreProvider{
		tokens: tokens,
		cache:  cache,
		ttl:    ttl,
		static: make(map[string]Credentials),
		log:    logger.With("component", "credentials"),
	}
}

// SetStatic registers fallback credentials for an exchange.
func (p *StoreProvider) SetStatic(exchange string, c Credentials) {
	if c.APIKey == "" {
		return
	}
	p.static[strings.ToLower(exchange)] = c
}

func cacheKey(userID, exchange string) string {
	return fmt.Sprintf("%s_%s_KEY", userID, exchange)
}

// Get resolves credentials: cache, then token store, then static fallback.
func (p *StoreProvider) Get(ctx context.Context, userID, exchange string) (Credentials, error) {
	exchange = strings.ToLower(exchange)
	key := cacheKey(userID, exchange)

	if p.cache != nil && userID != "" {
		raw, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			p.log.Warn("credential cache read failed", "user", userID, "exchange", exchange, "err", err)
		} else if ok {
			var c Credentials
			if err := json.Unmarshal([]byte(raw), &c); err == nil {
				return c, nil
			}
		}
	}

	c, err := p.load(ctx, userID, exchange)
	if err != nil {
		return Credentials{}, err
	}
	if c.APIKey == "" {
		if s, ok := p.static[exchange]; ok {
			return s, nil
		}
		return Credentials{}, fmt.Errorf("%s credentials for user %q: %w", exchange, userID, ErrNotFound)
	}

	if p.cache != nil {
		if raw, err := json.Marshal(c); err == nil {
			if err := p.cache.Set(ctx, key, string(raw), p.ttl); err != nil {
				p.log.Warn("credential cache write failed", "user", userID, "exchange", exchange, "err", err)
			}
		}
	}
	return c, nil
}

func (p *StoreProvider) load(ctx context.Context, userID, exchange string) (Credentials, error) {
	var c Credentials
	names, ok := tokenNames[exchange]
	if !ok || p.tokens == nil || userID == "" {
		return c, nil
	}

	fields := map[string]*string{
		"api_key":        &c.APIKey,
		"secret":         &c.Secret,
		"account_number": &c.AccountNumber,
		"product_code":   &c.ProductCode,
		"hts_id":         &c.HTSID,
	}
	for field, name := range names {
		v, err := p.tokens.Token(ctx, userID, exchange, name)
		if err != nil {
			return c, fmt.Errorf("loading %s %s token: %w", exchange, name, err)
		}
		*fields[field] = v
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// ErrInvalidSession is returned for unknown or expired session tokens.
var ErrInvalidSession = errors.New("invalid session")

// SessionValidator maps a caller's session token to a user id.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// CacheSessionValidator looks sessions up in a KeyValueCache under
// "session:<token>". Issuing sessions is left to the boundary layer.
type CacheSessionValidator struct {
	cache store.KeyValueCache
}

// Compile-time interface check.
var _ SessionValidator = (*CacheSessionValidator)(nil)

// NewCacheSessionValidator creates a validator over cache.
func NewCacheSessionValidator(cache store.KeyValueCache) *CacheSessionValidator {
	return &CacheSessionValidator{cache: cache}
}

// SessionKey is the cache key a session token is stored under.
func SessionKey(token string) string { return "session:" + token }

// Validate returns the user id bound to token.
func (v *CacheSessionValidator) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidSession
	}
	userID, ok, err := v.cache.Get(ctx, SessionKey(token))
	if err != nil {
		return "", err
	}
	if !ok || userID == "" {
		return "", ErrInvalidSession
	}
	return userID, nil
}
