// Package kis adapts Korea Investment & Securities overseas-stock trading to
// the broker interface. REST calls are signed with a cached OAuth token;
// real-time data uses an approval key on the shared stream connection.
package kis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/candles"
	"tradegate/internal/credentials"
	"tradegate/internal/domain"
	"tradegate/internal/stream"
	"tradegate/internal/util"
)

// Name is the broker identifier used in the factory and the candle cache.
const Name = "KIS"

const (
	trBalance     = "TTTS3012R"
	trDeposit     = "TTTC2101R"
	trOpenOrders  = "TTTS3018R"
	trBuy         = "TTTT1002U"
	trSell        = "TTTT1006U"
	trCancel      = "TTTT1004U"
	trDayCancel   = "TTTS6038U"
	trDailyPrice  = "HHDFS76240000"
	trAskingPrice = "HHDFS76200100"

	pathBalance     = "/uapi/overseas-stock/v1/trading/inquire-balance"
	pathDeposit     = "/uapi/overseas-stock/v1/trading/foreign-margin"
	pathOpenOrders  = "/uapi/overseas-stock/v1/trading/inquire-nccs"
	pathOrder       = "/uapi/overseas-stock/v1/trading/order"
	pathCancel      = "/uapi/overseas-stock/v1/trading/order-rvsecncl"
	pathDayCancel   = "/uapi/overseas-stock/v1/trading/daytime-order-rvsecncl"
	pathDailyPrice  = "/uapi/overseas-price/v1/quotations/dailyprice"
	pathAskingPrice = "/uapi/overseas-price/v1/quotations/inquire-asking-price"

	// dailyPageSize is the number of rows one dailyprice call returns.
	dailyPageSize = 100
	maxDailyPages = 20

	sessionDay = "day"
)

// Published session windows in Korean time. Korea keeps no daylight
// saving, so every window opens an hour earlier while New York does.
var (
	standardSchedule = util.NewSessionSchedule(mustLocation("Asia/Seoul"),
		util.MustSessionWindow(sessionDay, "10:00", "18:00"),
		util.MustSessionWindow("pre", "18:00", "23:30"),
		util.MustSessionWindow("regular", "23:30", "06:00"),
		util.MustSessionWindow("after", "06:00", "07:00"),
	)
	summerSchedule = util.NewSessionSchedule(mustLocation("Asia/Seoul"),
		util.MustSessionWindow(sessionDay, "09:00", "17:00"),
		util.MustSessionWindow("pre", "17:00", "22:30"),
		util.MustSessionWindow("regular", "22:30", "05:00"),
		util.MustSessionWindow("after", "05:00", "06:00"),
	)
)

// scheduleAt returns the session table in force at t.
func scheduleAt(t time.Time) *util.SessionSchedule {
	if t.In(newYork).IsDST() {
		return summerSchedule
	}
	return standardSchedule
}

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// Register adds the KIS constructor to f.
func Register(f *broker.Factory) {
	f.Register(Name, New)
}

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Broker is the KIS adapter bound to one user.
type Broker struct {
	userID   string
	deps     broker.Deps
	api      *client
	exchange string // trading code, e.g. NASD
	quote    string // quotation code, e.g. NAS
	symbols  string
	proto    *streamProtocol
	log      *slog.Logger
}

// New creates an adapter for userID. KIS has no public endpoints, so
// credentials are required.
func New(ctx context.Context, userID string, deps broker.Deps) (broker.Broker, error) {
	cfg := deps.Config.KIS
	creds, err := deps.ResolveCredentials(ctx, userID, "kis", credentials.Credentials{
		APIKey:        cfg.AppKey,
		Secret:        cfg.AppSecret,
		AccountNumber: cfg.AccountNumber,
		ProductCode:   cfg.ProductCode,
		HTSID:         cfg.HTSID,
	})
	if err != nil {
		return nil, err
	}
	if creds.ProductCode == "" {
		creds.ProductCode = cfg.ProductCode
	}

	log := deps.Logger.With("broker", Name, "user", userID)
	return &Broker{
		userID: userID,
		deps:   deps,
		api: &client{
			baseURL: strings.TrimRight(cfg.BaseURL, "/"),
			userID:  userID,
			creds:   creds,
			http:    deps.HTTPClient,
			cache:   deps.Cache,
			limiter: limiterFor(creds.APIKey, cfg.RateLimitPerMin),
			log:     log,
		},
		exchange: cfg.ExchangeCode,
		quote:    quoteExchange(cfg.ExchangeCode),
		symbols:  cfg.SymbolsPath,
		proto:    newStreamProtocol(cfg.StreamURL),
		log:      log,
	}, nil
}

// quoteExchange maps a trading exchange code to the code the quotation
// endpoints expect.
func quoteExchange(code string) string {
	switch strings.ToUpper(code) {
	case "NYSE":
		return "NYS"
	case "AMEX":
		return "AMS"
	}
	return "NAS"
}

// Name returns "KIS".
func (b *Broker) Name() string { return Name }

// daySession reports whether the daytime (ATS) session is open.
func (b *Broker) daySession() bool {
	now := b.deps.Now()
	return scheduleAt(now).In(sessionDay, now)
}

// call runs a read-only request with the configured retry policy.
func (b *Broker) call(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, b.deps.RetryPolicy(), fn)
}

func (b *Broker) account() url.Values {
	return url.Values{
		"CANO":         {b.api.creds.AccountNumber},
		"ACNT_PRDT_CD": {b.api.creds.ProductCode},
	}
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

type holding struct {
	Name      string `json:"ovrs_item_name"`
	Symbol    string `json:"ovrs_pdno"`
	Quantity  string `json:"ovrs_cblc_qty"`
	Orderable string `json:"ord_psbl_qty"`
}

type deposit struct {
	Currency string `json:"crcy_cd"`
	Amount   string `json:"frcr_dncl_amt1"`
	Nation   string `json:"natn_name"`
}

// GetAccountAssets returns stock holdings plus US dollar deposits.
func (b *Broker) GetAccountAssets(ctx context.Context) ([]domain.Asset, error) {
	params := b.account()
	params.Set("OVRS_EXCG_CD", b.exchange)
	params.Set("TR_CRCY_CD", "USD")
	params.Set("CTX_AREA_FK200", "")
	params.Set("CTX_AREA_NK200", "")

	var holdings []holding
	err := b.call(ctx, func() error {
		resp, err := b.api.get(ctx, pathBalance, trBalance, params)
		if err != nil {
			return err
		}
		return decodeOutput(resp.Output1, &holdings, trBalance)
	})
	if err != nil {
		return nil, fmt.Errorf("kis balance: %w", err)
	}

	var assets []domain.Asset
	for _, h := range holdings {
		qty, _ := decimal.NewFromString(h.Quantity)
		if qty.IsZero() {
			continue
		}
		avail, err := decimal.NewFromString(h.Orderable)
		if err != nil {
			avail = qty
		}
		assets = append(assets, domain.Asset{
			Symbol:      h.Symbol,
			DisplayName: h.Name,
			Balance:     qty,
			Available:   avail,
			Locked:      qty.Sub(avail),
			Type:        domain.AssetStock,
			Broker:      Name,
		})
	}

	var deposits []deposit
	err = b.call(ctx, func() error {
		resp, err := b.api.get(ctx, pathDeposit, trDeposit, b.account())
		if err != nil {
			return err
		}
		return decodeOutput(resp.Output, &deposits, trDeposit)
	})
	if err != nil {
		return nil, fmt.Errorf("kis deposit: %w", err)
	}
	for _, d := range deposits {
		amt, _ := decimal.NewFromString(d.Amount)
		// Only the US line is relevant to overseas-stock trading.
		if !amt.IsPositive() || d.Nation != "미국" {
			continue
		}
		assets = append(assets, domain.Asset{
			Symbol:      d.Currency,
			DisplayName: d.Currency,
			Balance:     amt,
			Available:   amt,
			Locked:      decimal.Zero,
			Type:        domain.AssetDeposit,
			Broker:      Name,
		})
	}
	return assets, nil
}

type openOrder struct {
	OrderID  string `json:"odno"`
	Symbol   string `json:"pdno"`
	Side     string `json:"sll_buy_dvsn_cd"`
	Price    string `json:"ft_ord_unpr3"`
	Quantity string `json:"nccs_qty"`
}

// GetOrders lists unfilled orders.
func (b *Broker) GetOrders(ctx context.Context) ([]domain.Order, error) {
	params := b.account()
	params.Set("OVRS_EXCG_CD", b.exchange)
	params.Set("SORT_SQN", "DS")
	params.Set("CTX_AREA_FK200", "")
	params.Set("CTX_AREA_NK200", "")

	var open []openOrder
	err := b.call(ctx, func() error {
		resp, err := b.api.get(ctx, pathOpenOrders, trOpenOrders, params)
		if err != nil {
			return err
		}
		return decodeOutput(resp.Output, &open, trOpenOrders)
	})
	if err != nil {
		return nil, fmt.Errorf("kis open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(open))
	for _, o := range open {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.Quantity)
		orders = append(orders, domain.Order{
			OrderID: o.OrderID,
			Symbol:  o.Symbol,
			Side:    sideFromCode(o.Side),
			Price:   price,
			Amount:  qty,
		})
	}
	return orders, nil
}

// sideFromCode maps sll_buy_dvsn_cd: 01 sell, 02 buy.
func sideFromCode(code string) domain.OrderSide {
	if code == "01" {
		return domain.SideSell
	}
	return domain.SideBuy
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type orderOutput struct {
	OrderID string `json:"ODNO"`
}

// PlaceOrder submits a limit order on the configured exchange.
func (b *Broker) PlaceOrder(ctx context.Context, order domain.Order) domain.OrderResult {
	if res, ok := broker.CheckSide(order); !ok {
		return res
	}
	trID := trBuy
	if order.Side == domain.SideSell {
		trID = trSell
	}
	order.Symbol = strings.ToUpper(order.Symbol)

	resp, err := b.api.post(ctx, pathOrder, trID, map[string]string{
		"CANO":            b.api.creds.AccountNumber,
		"ACNT_PRDT_CD":    b.api.creds.ProductCode,
		"OVRS_EXCG_CD":    b.exchange,
		"PDNO":            order.Symbol,
		"ORD_QTY":         order.Amount.String(),
		"OVRS_ORD_UNPR":   order.Price.String(),
		"ORD_SVR_DVSN_CD": "0",
		"ORD_DVSN":        "00",
	})
	if err != nil {
		b.log.Warn("place order failed", "symbol", order.Symbol, "err", err)
		return broker.Failure(err)
	}
	var out orderOutput
	if err := decodeOutput(resp.Output, &out, trID); err != nil {
		return broker.Failure(err)
	}
	order.OrderID = out.OrderID
	b.log.Info("order placed", "symbol", order.Symbol, "order_id", order.OrderID, "side", order.Side)
	return broker.Success(resp.Msg1, order)
}

// CancelOrder cancels order.OrderID. During the daytime session the
// daytime endpoint and transaction id are used.
func (b *Broker) CancelOrder(ctx context.Context, order domain.Order) domain.OrderResult {
	path, trID := pathCancel, trCancel
	payload := map[string]string{
		"CANO":              b.api.creds.AccountNumber,
		"ACNT_PRDT_CD":      b.api.creds.ProductCode,
		"OVRS_EXCG_CD":      b.exchange,
		"PDNO":              strings.ToUpper(order.Symbol),
		"ORGN_ODNO":         order.OrderID,
		"RVSE_CNCL_DVSN_CD": "02",
		"ORD_QTY":           "1",
		"OVRS_ORD_UNPR":     "0",
		"MGCO_APTM_ODNO":    "",
		"ORD_SVR_DVSN_CD":   "0",
	}
	if b.daySession() {
		path, trID = pathDayCancel, trDayCancel
		payload["CTAC_TLNO"] = ""
	}

	resp, err := b.api.post(ctx, path, trID, payload)
	if err != nil {
		return broker.Failure(err)
	}
	return broker.Success(resp.Msg1, order)
}

// CancelAllOrders cancels every open order, or only those on symbol.
func (b *Broker) CancelAllOrders(ctx context.Context, symbol string) domain.OrderResult {
	open, err := b.GetOrders(ctx)
	if err != nil {
		return broker.Failure(err)
	}

	var failed []string
	for _, o := range open {
		if symbol != "" && !strings.EqualFold(o.Symbol, symbol) {
			continue
		}
		if res := b.CancelOrder(ctx, o); !res.OK() {
			b.log.Warn("cancel failed", "order_id", o.OrderID, "message", res.Message)
			failed = append(failed, o.OrderID)
		}
	}
	if len(failed) > 0 {
		return domain.OrderResult{Result: domain.ResultError, Message: "Cancel failed for " + strings.Join(failed, ", ") + "."}
	}
	return domain.OrderResult{Result: domain.ResultSuccess, Message: "All orders canceled."}
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// GetRealtimeOrderbookPrice returns the current asking-price ladder.
func (b *Broker) GetRealtimeOrderbookPrice(ctx context.Context, symbol string) (*domain.OrderBookUpdate, error) {
	params := url.Values{
		"AUTH": {""},
		"EXCD": {b.quote},
		"SYMB": {strings.ToUpper(symbol)},
	}
	var levels map[string]string
	err := b.call(ctx, func() error {
		resp, err := b.api.get(ctx, pathAskingPrice, trAskingPrice, params)
		if err != nil {
			return err
		}
		return decodeOutput(resp.Output2, &levels, trAskingPrice)
	})
	if err != nil {
		return nil, err
	}

	book := &domain.OrderBookUpdate{Symbol: strings.ToUpper(symbol)}
	for i := 1; i <= 10; i++ {
		n := fmt.Sprint(i)
		if p := parseFloat(levels["pbid"+n]); p > 0 {
			book.Bids = append(book.Bids, domain.PriceLevel{Price: p, Quantity: parseFloat(levels["vbid"+n])})
		}
		if p := parseFloat(levels["pask"+n]); p > 0 {
			book.Asks = append(book.Asks, domain.PriceLevel{Price: p, Quantity: parseFloat(levels["vask"+n])})
		}
	}
	return book, nil
}

// GetSymbols reads the exchange master file.
func (b *Broker) GetSymbols(context.Context) ([]domain.SymbolInfo, error) {
	if b.symbols == "" {
		return nil, errors.New("kis: no symbols master file configured")
	}
	return loadSymbols(b.symbols)
}

// GetCandles serves daily candles through the candle cache. Only the daily
// interval is cached for KIS.
func (b *Broker) GetCandles(ctx context.Context, symbol, interval string, end time.Time, limit int) ([]domain.Candle, error) {
	if interval != "1d" {
		return nil, &domain.InvalidIntervalError{Interval: interval}
	}
	if b.deps.Candles == nil {
		return nil, errors.New("kis: no candle engine configured")
	}
	if limit <= 0 {
		limit = b.deps.Config.CandleLimit(Name)
	}
	return b.deps.Candles.GetCandles(ctx, candles.Request{
		Broker:   Name,
		Symbol:   strings.ToUpper(symbol),
		Interval: interval,
		End:      end,
		Limit:    limit,
		Location: b.deps.Config.CandleLocation(),
	}, candles.FetcherFunc(b.fetchDaily))
}

type dailyRow struct {
	Date   string `json:"xymd"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"clos"`
	Volume string `json:"tvol"`
	Amount string `json:"tamt"`
}

// fetchDaily pages dailyprice backwards from req.End until req.Start is
// covered. Rows arrive newest first.
func (b *Broker) fetchDaily(ctx context.Context, req candles.FetchRequest) ([]domain.Candle, error) {
	loc := req.End.Location()
	cursor := req.End
	var out []domain.Candle

	for page := 0; page < maxDailyPages; page++ {
		params := url.Values{
			"AUTH": {""},
			"EXCD": {b.quote},
			"SYMB": {req.Symbol},
			"GUBN": {"0"},
			"BYMD": {cursor.Format("20060102")},
			"MODP": {"1"},
		}
		resp, err := b.api.get(ctx, pathDailyPrice, trDailyPrice, params)
		if err != nil {
			return out, fmt.Errorf("fetching daily candles for %s: %w", req.Symbol, err)
		}
		var rows []dailyRow
		if err := decodeOutput(resp.Output2, &rows, trDailyPrice); err != nil {
			return out, err
		}

		var oldest time.Time
		for _, r := range rows {
			open, err := time.ParseInLocation("20060102", r.Date, loc)
			if err != nil {
				continue
			}
			if oldest.IsZero() || open.Before(oldest) {
				oldest = open
			}
			if open.After(req.End) || (!req.Start.IsZero() && open.Before(req.Start)) {
				continue
			}
			out = append(out, domain.Candle{
				OpenTime:    open,
				CloseTime:   req.Interval.CloseTime(open),
				Open:        parseFloat(r.Open),
				High:        parseFloat(r.High),
				Low:         parseFloat(r.Low),
				Close:       parseFloat(r.Close),
				Volume:      parseFloat(r.Volume),
				QuoteVolume: parseFloat(r.Amount),
			})
		}

		if len(rows) < dailyPageSize || oldest.IsZero() || req.Start.IsZero() || !oldest.After(req.Start) {
			break
		}
		cursor = oldest.AddDate(0, 0, -1)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

func (b *Broker) streamKey() stream.Key {
	return stream.Key{UserID: b.userID, Exchange: Name}
}

// marketPrefix selects the realtime key prefix: the daytime venue during
// the day session, Nasdaq otherwise.
func (b *Broker) marketPrefix() string {
	if b.daySession() {
		return prefixDay
	}
	return prefixRegular
}

// prepareStream makes sure the protocol carries an approval key.
func (b *Broker) prepareStream(ctx context.Context) error {
	key, err := b.api.approvalKey(ctx)
	if err != nil {
		return fmt.Errorf("kis approval key: %w", err)
	}
	b.proto.setApprovalKey(key)
	return nil
}

// SubscribeOrderBook streams level-1 quotes for symbol.
func (b *Broker) SubscribeOrderBook(ctx context.Context, symbol string, fn func(domain.OrderBookUpdate) error) (broker.Subscription, error) {
	if err := b.prepareStream(ctx); err != nil {
		return nil, err
	}
	return b.deps.Streams.SubscribeOrderBook(ctx, b.streamKey(), b.proto, b.marketPrefix()+strings.ToUpper(symbol), fn)
}

// SubscribeTrades streams trade prints for symbol.
func (b *Broker) SubscribeTrades(ctx context.Context, symbol string, fn func(domain.TradeUpdate) error) (broker.Subscription, error) {
	if err := b.prepareStream(ctx); err != nil {
		return nil, err
	}
	return b.deps.Streams.SubscribeTrades(ctx, b.streamKey(), b.proto, b.marketPrefix()+strings.ToUpper(symbol), fn)
}

// SubscribeOrderUpdates streams encrypted execution notices for the
// user's HTS id.
func (b *Broker) SubscribeOrderUpdates(ctx context.Context, fn func(domain.OrderUpdate) error) (broker.Subscription, error) {
	if b.api.creds.HTSID == "" {
		return nil, errors.New("kis: execution notices need an HTS id")
	}
	if err := b.prepareStream(ctx); err != nil {
		return nil, err
	}
	return b.deps.Streams.SubscribeOrderUpdates(ctx, b.streamKey(), b.proto, b.api.creds.HTSID, fn)
}
