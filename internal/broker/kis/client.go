package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/internal/credentials"
	"tradegate/internal/domain"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

const (
	tokenPath    = "/oauth2/tokenP"
	approvalPath = "/oauth2/Approval"

	tokenTTL = 23 * time.Hour

	// msgCodeRateLimit is returned when the per-second request quota is
	// exceeded.
	msgCodeRateLimit = "EGW00201"
)

// limiters holds one token bucket per app key; KIS counts quota per key,
// not per connection.
var limiters sync.Map

func limiterFor(appKey string, perMinute int) *util.RateLimiter {
	if v, ok := limiters.Load(appKey); ok {
		return v.(*util.RateLimiter)
	}
	v, _ := limiters.LoadOrStore(appKey, util.NewRateLimiter(perMinute, 5))
	return v.(*util.RateLimiter)
}

// client performs authenticated REST calls for one user.
type client struct {
	baseURL string
	userID  string
	creds   credentials.Credentials
	http    *http.Client
	cache   store.KeyValueCache
	limiter *util.RateLimiter
	log     *slog.Logger
}

// response is the envelope shared by every KIS endpoint. Output fields
// vary per endpoint and are decoded separately.
type response struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func (c *client) tokenCacheKey() string    { return fmt.Sprintf("%s_KIS_Token", c.userID) }
func (c *client) approvalCacheKey() string { return fmt.Sprintf("%s_KIS_WS_Token", c.userID) }

// accessToken returns the cached OAuth token or requests a new one.
func (c *client) accessToken(ctx context.Context) (string, error) {
	return c.cachedToken(ctx, c.tokenCacheKey(), tokenPath, map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.creds.APIKey,
		"appsecret":  c.creds.Secret,
	}, "access_token")
}

// approvalKey returns the cached websocket approval key or requests one.
func (c *client) approvalKey(ctx context.Context) (string, error) {
	return c.cachedToken(ctx, c.approvalCacheKey(), approvalPath, map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.creds.APIKey,
		"secretkey":  c.creds.Secret,
	}, "approval_key")
}

func (c *client) cachedToken(ctx context.Context, cacheKey, path string, body map[string]string, field string) (string, error) {
	if v, ok, err := c.cache.Get(ctx, cacheKey); err == nil && ok {
		return v, nil
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("kis: build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &domain.TransportError{Op: "kis " + path, Err: err}
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.ProtocolError{Exchange: Name, Detail: "decoding " + path, Err: err}
	}
	token, _ := out[field].(string)
	if token == "" {
		code, _ := out["error_code"].(string)
		msg, _ := out["error_description"].(string)
		if msg == "" {
			msg = fmt.Sprintf("%s missing from response (status %d)", field, resp.StatusCode)
		}
		return "", &domain.UpstreamRejectedError{Code: code, Message: msg}
	}

	if err := c.cache.Set(ctx, cacheKey, token, tokenTTL); err != nil {
		c.log.Warn("caching token", "path", path, "err", err)
	}
	c.log.Info("issued new token", "path", path)
	return token, nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// get issues a signed GET and returns the decoded envelope.
func (c *client) get(ctx context.Context, path, trID string, params url.Values) (*response, error) {
	return c.do(ctx, http.MethodGet, path, trID, params, nil)
}

// post issues a signed POST with a JSON body.
func (c *client) post(ctx context.Context, path, trID string, payload map[string]string) (*response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, trID, nil, raw)
}

func (c *client) do(ctx context.Context, method, path, trID string, params url.Values, body []byte) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("kis: build request: %w", err)
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.creds.APIKey)
	req.Header.Set("appsecret", c.creds.Secret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "kis " + trID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &domain.RateLimitedError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode >= 500 {
		return nil, &domain.TransportError{Op: "kis " + trID, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &domain.ProtocolError{Exchange: Name, Detail: "decoding " + trID, Err: err}
	}
	if out.RtCd != "0" {
		if out.MsgCd == msgCodeRateLimit {
			return nil, &domain.RateLimitedError{}
		}
		return nil, &domain.UpstreamRejectedError{Code: out.MsgCd, Message: strings.TrimSpace(out.Msg1)}
	}
	return &out, nil
}

func retryAfter(v string) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// decodeOutput unmarshals one output field, treating an absent field as
// empty.
func decodeOutput(raw json.RawMessage, v any, trID string) error {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == `""` {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &domain.ProtocolError{Exchange: Name, Detail: "decoding " + trID + " output", Err: err}
	}
	return nil
}
