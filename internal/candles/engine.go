// Package candles implements the historical candle cache: it reconciles the
// persisted CandleStore against a requested range, fetches only the missing
// part from the exchange, and never caches or returns a forming candle.
package candles

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"tradegate/internal/domain"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

// DefaultLimit is used when a request carries no positive limit.
const DefaultLimit = 100

// FetchRequest asks an exchange for candles with open times in
// [Start, End]. Limit is the number of candles the range holds; adapters
// whose API only pages backwards from End use it as the page size.
type FetchRequest struct {
	Symbol   string
	Interval Interval
	Start    time.Time
	End      time.Time
	Limit    int
}

// Fetcher is the raw upstream history call of one exchange adapter.
type Fetcher interface {
	FetchCandles(ctx context.Context, req FetchRequest) ([]domain.Candle, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req FetchRequest) ([]domain.Candle, error)

// FetchCandles calls f.
func (f FetcherFunc) FetchCandles(ctx context.Context, req FetchRequest) ([]domain.Candle, error) {
	return f(ctx, req)
}

// Request is a cache lookup for one series. A zero End means now. Location
// overrides the engine's alignment zone for exchanges whose candle
// boundaries follow another clock.
type Request struct {
	Broker   string
	Symbol   string
	Interval string
	End      time.Time
	Limit    int
	Location *time.Location
}

// Engine serves candle requests from the store and the exchange.
type Engine struct {
	store  store.CandleStore
	loc    *time.Location
	now    func() time.Time
	retry  util.RetryPolicy
	logger *slog.Logger
	group  singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocation sets the zone interval boundaries are aligned in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetryPolicy sets the backoff used around upstream fetches.
func WithRetryPolicy(p util.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine over s. Intervals align in UTC unless
// WithLocation says otherwise.
func NewEngine(s store.CandleStore, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		loc:    time.UTC,
		now:    time.Now,
		retry:  util.DefaultRetryPolicy,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "candles")
	return e
}

// window is the resolved range of one request.
type window struct {
	iv         Interval
	limit      int
	now        time.Time
	start      time.Time
	end        time.Time // last open time that may be returned
	compareEnd time.Time // open time the cache must reach to be complete
}

func (e *Engine) resolve(req Request) (window, error) {
	iv, err := ParseInterval(req.Interval)
	if err != nil {
		return window{}, err
	}
	loc := e.loc
	if req.Location != nil {
		loc = req.Location
	}
	w := window{iv: iv, limit: req.Limit, now: e.now()}
	if w.limit <= 0 {
		w.limit = DefaultLimit
	}

	end := req.End
	if end.IsZero() {
		end = w.now
	}
	w.end = iv.Align(end, loc)
	w.compareEnd = w.end

	// The candle covering a future end is still forming, so the cache can
	// at best reach the one before it.
	if w.now.Before(end) {
		if cur := iv.Align(w.now, loc); cur.Before(w.end) {
			w.end = cur
		}
		w.compareEnd = iv.Add(w.end, -1)
	}
	w.start = iv.Add(w.end, -w.limit)
	return w, nil
}

// GetCandles returns up to req.Limit closed candles ending at req.End in
// ascending open-time order. When the upstream fetch fails, the cached part
// of the range is returned together with the error.
func (e *Engine) GetCandles(ctx context.Context, req Request, f Fetcher) ([]domain.Candle, error) {
	w, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%s|%s|%d|%d", req.Broker, req.Symbol, w.iv.Name, w.end.UnixMilli(), w.limit)
	type result struct {
		candles []domain.Candle
		err     error
	}
	v, _, _ := e.group.Do(key, func() (interface{}, error) {
		c, err := e.getCandles(ctx, req, w, f)
		return result{c, err}, nil
	})
	r := v.(result)

	out := make([]domain.Candle, len(r.candles))
	copy(out, r.candles)
	return out, r.err
}

func (e *Engine) getCandles(ctx context.Context, req Request, w window, f Fetcher) ([]domain.Candle, error) {
	log := e.logger.With("broker", req.Broker, "symbol", req.Symbol, "interval", w.iv.Name)

	cached, err := e.store.Range(ctx, store.CandleQuery{
		Broker:   req.Broker,
		Symbol:   req.Symbol,
		Interval: w.iv.Name,
		Start:    w.start,
		End:      w.end,
	})
	if err != nil {
		log.Warn("reading candle cache", "err", err)
		cached = nil
	}
	cached = closedOnly(cached, w.now)

	fr, ok := e.plan(req.Symbol, w, cached)
	if !ok {
		log.Debug("candle cache hit", "count", len(cached))
		return e.merge(w, cached, nil), nil
	}

	log.Debug("fetching candles",
		"start", fr.Start.Format(time.RFC3339),
		"end", fr.End.Format(time.RFC3339),
		"limit", fr.Limit,
		"cached", len(cached),
	)

	var fetched []domain.Candle
	err = util.Retry(ctx, e.retry, func() error {
		var ferr error
		fetched, ferr = f.FetchCandles(ctx, fr)
		return ferr
	})
	if err != nil {
		log.Warn("fetching candles", "err", err)
		return e.merge(w, cached, nil), fmt.Errorf("fetching %s %s candles: %w", req.Symbol, w.iv.Name, err)
	}

	for i := range fetched {
		fetched[i].Broker = req.Broker
		fetched[i].Symbol = req.Symbol
		fetched[i].Interval = w.iv.Name
	}
	closed := closedOnly(fetched, w.now)
	if len(closed) > 0 {
		if err := e.store.UpsertBatch(ctx, closed); err != nil {
			log.Warn("persisting candles", "count", len(closed), "err", err)
		}
	}
	return e.merge(w, cached, closed), nil
}

// plan decides which upstream range, if any, completes the cache.
func (e *Engine) plan(symbol string, w window, cached []domain.Candle) (FetchRequest, bool) {
	full := FetchRequest{
		Symbol:   symbol,
		Interval: w.iv,
		Start:    w.start,
		End:      w.end,
		Limit:    w.limit + 1,
	}
	if len(cached) == 0 {
		return full, true
	}

	earliest := cached[0].OpenTime
	latest := cached[len(cached)-1].OpenTime

	switch {
	case earliest.After(w.start):
		// Upstream history pages back from the end, so a head gap is
		// refilled with the whole window and merged over the cache.
		return full, true
	case !latest.Before(w.compareEnd):
		return FetchRequest{}, false
	case latest.Equal(w.iv.Add(w.compareEnd, -1)):
		return FetchRequest{
			Symbol:   symbol,
			Interval: w.iv,
			Start:    w.compareEnd,
			End:      w.compareEnd,
			Limit:    1,
		}, true
	default:
		from := w.iv.Add(latest, 1)
		return FetchRequest{
			Symbol:   symbol,
			Interval: w.iv,
			Start:    from,
			End:      w.end,
			Limit:    w.iv.Steps(from, w.end),
		}, true
	}
}

// merge deduplicates cached and fetched candles by open time, fetched rows
// replacing cached ones, and keeps the newest limit candles of the window.
func (e *Engine) merge(w window, cached, fetched []domain.Candle) []domain.Candle {
	byOpen := make(map[int64]domain.Candle, len(cached)+len(fetched))
	for _, c := range cached {
		byOpen[c.OpenTime.UnixMilli()] = c
	}
	for _, c := range fetched {
		byOpen[c.OpenTime.UnixMilli()] = c
	}

	out := make([]domain.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		if c.OpenTime.Before(w.start) || c.OpenTime.After(w.end) || !c.IsClosed(w.now) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if len(out) > w.limit {
		out = out[len(out)-w.limit:]
	}
	return out
}

func closedOnly(candles []domain.Candle, now time.Time) []domain.Candle {
	out := candles[:0:0]
	for _, c := range candles {
		if c.IsClosed(now) {
			out = append(out, c)
		}
	}
	return out
}
