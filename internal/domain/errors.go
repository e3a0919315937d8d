package domain

import (
	"errors"
	"fmt"
	"time"
)

// TransportError is a connect, timeout or remote-close failure. Retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected frame or response body.
type ProtocolError struct {
	Exchange string
	Detail   string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol error: %s: %v", e.Exchange, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Exchange, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UpstreamRejectedError is a business error returned by an exchange. Message
// is the exchange's own text.
type UpstreamRejectedError struct {
	Code    string
	Message string
}

func (e *UpstreamRejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rejected by upstream (%s): %s", e.Code, e.Message)
	}
	return "rejected by upstream: " + e.Message
}

// RateLimitedError signals upstream throttling. RetryAfter is zero when the
// exchange gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// UnsupportedBrokerError is returned by the factory for unknown names.
type UnsupportedBrokerError struct {
	Name string
}

func (e *UnsupportedBrokerError) Error() string {
	return fmt.Sprintf("unsupported broker %q", e.Name)
}

// InvalidIntervalError is returned for candle intervals outside the
// supported table.
type InvalidIntervalError struct {
	Interval string
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid interval %q", e.Interval)
}

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConnectionTimeoutError is returned when a new stream connection does not
// finish its handshake in time.
type ConnectionTimeoutError struct {
	Exchange string
	After    time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("%s connection handshake timed out after %s", e.Exchange, e.After)
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	var te *TransportError
	var rl *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &rl)
}
