package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/engine"
	"tradegate/internal/util"
)

const version = "0.3.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: gateway-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version      Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  brokers      List registered exchanges\n")
	fmt.Fprintf(os.Stderr, "  assets       Show balances (all exchanges unless -exchange is set)\n")
	fmt.Fprintf(os.Stderr, "  orders       List open orders\n")
	fmt.Fprintf(os.Stderr, "  place        Place a limit order (-symbol -side -price -amount)\n")
	fmt.Fprintf(os.Stderr, "  cancel       Cancel an order (-symbol -id)\n")
	fmt.Fprintf(os.Stderr, "  cancel-all   Cancel open orders, optionally on -symbol\n")
	fmt.Fprintf(os.Stderr, "  book         Show the current order book for -symbol\n")
	fmt.Fprintf(os.Stderr, "  candles      Show candles (-symbol -interval -limit -end)\n")
	fmt.Fprintf(os.Stderr, "  symbols      List tradable symbols\n")
	fmt.Fprintf(os.Stderr, "  watch        Stream books, trades or order updates (-stream book|trade|order)\n")
	fmt.Fprintf(os.Stderr, "\nRun gateway-cli <command> -h for command options.\n")
}

type options struct {
	config   string
	user     string
	session  string
	exchange string
	symbol   string
	side     string
	price    string
	amount   string
	id       string
	interval string
	limit    int
	end      string
	stream   string
}

func parseFlags(cmd string, args []string) options {
	var o options
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	defaultConfig := "config/tradegate.yaml"
	if p := os.Getenv("TRADEGATE_CONFIG"); p != "" {
		defaultConfig = p
	}
	fs.StringVar(&o.config, "config", defaultConfig, "path to the YAML config")
	fs.StringVar(&o.user, "user", "default", "acting user id")
	fs.StringVar(&o.session, "session", "", "session token; overrides -user with the session's owner")
	fs.StringVar(&o.exchange, "exchange", "", "exchange name (binance, kis, alpaca)")
	fs.StringVar(&o.symbol, "symbol", "", "instrument symbol")
	fs.StringVar(&o.side, "side", "", "order side: buy or sell")
	fs.StringVar(&o.price, "price", "", "limit price")
	fs.StringVar(&o.amount, "amount", "", "order quantity")
	fs.StringVar(&o.id, "id", "", "order id")
	fs.StringVar(&o.interval, "interval", "1h", "candle interval")
	fs.IntVar(&o.limit, "limit", 0, "number of candles (0 uses the configured default)")
	fs.StringVar(&o.end, "end", "", "last candle time, RFC3339 (default now)")
	fs.StringVar(&o.stream, "stream", "book", "stream to watch: book, trade or order")
	fs.Parse(args)
	return o
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	switch cmd {
	case "version":
		fmt.Printf("gateway-cli %s\n", version)
		return
	case "-h", "--help", "help":
		usage()
		return
	}

	o := parseFlags(cmd, os.Args[2:])
	cfg, err := config.LoadOrDefault(o.config)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("opening gateway: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	if o.session != "" {
		user, err := rt.Sessions.Validate(ctx, o.session)
		if err != nil {
			logger.Error("resolving session", "err", err)
			rt.Close(context.Background())
			os.Exit(1)
		}
		o.user = user
	}

	if err := run(ctx, rt, cmd, o); err != nil {
		logger.Error("command failed", "command", cmd, "err", err)
		rt.Close(context.Background())
		os.Exit(1)
	}
}

func run(ctx context.Context, rt *engine.Runtime, cmd string, o options) error {
	e := rt.Engine
	switch cmd {
	case "brokers":
		return printJSON(rt.Factory.Available())

	case "assets":
		var exchanges []string
		if o.exchange != "" {
			exchanges = []string{o.exchange}
		}
		assets, err := e.AllAssets(ctx, o.user, exchanges)
		if err != nil {
			return err
		}
		return printJSON(assets)

	case "orders":
		orders, err := e.Orders(ctx, o.user, o.exchange)
		if err != nil {
			return err
		}
		return printJSON(orders)

	case "place":
		order, err := o.order()
		if err != nil {
			return err
		}
		return printResult(e.PlaceOrder(ctx, o.user, o.exchange, order))

	case "cancel":
		return printResult(e.CancelOrder(ctx, o.user, o.exchange, domain.Order{OrderID: o.id, Symbol: o.symbol}))

	case "cancel-all":
		return printResult(e.CancelAllOrders(ctx, o.user, o.exchange, o.symbol))

	case "book":
		b, err := e.Broker(ctx, o.user, o.exchange)
		if err != nil {
			return err
		}
		book, err := b.GetRealtimeOrderbookPrice(ctx, o.symbol)
		if err != nil {
			return err
		}
		return printJSON(book)

	case "candles":
		end := time.Now()
		if o.end != "" {
			t, err := time.Parse(time.RFC3339, o.end)
			if err != nil {
				return fmt.Errorf("parsing -end: %w", err)
			}
			end = t
		}
		candles, err := e.Candles(ctx, o.user, o.exchange, o.symbol, o.interval, end, o.limit)
		if err != nil {
			return err
		}
		return printJSON(candles)

	case "symbols":
		b, err := e.Broker(ctx, o.user, o.exchange)
		if err != nil {
			return err
		}
		symbols, err := b.GetSymbols(ctx)
		if err != nil {
			return err
		}
		return printJSON(symbols)

	case "watch":
		return watch(ctx, e, o)
	}

	usage()
	return fmt.Errorf("unknown command: %s", cmd)
}

func (o options) order() (domain.Order, error) {
	price, err := decimal.NewFromString(o.price)
	if err != nil {
		return domain.Order{}, fmt.Errorf("parsing -price: %w", err)
	}
	amount, err := decimal.NewFromString(o.amount)
	if err != nil {
		return domain.Order{}, fmt.Errorf("parsing -amount: %w", err)
	}
	return domain.Order{
		Symbol: o.symbol,
		Side:   domain.OrderSide(o.side),
		Price:  price,
		Amount: amount,
	}, nil
}

// watch prints stream events as JSON lines until interrupted.
func watch(ctx context.Context, e *engine.Engine, o options) error {
	b, err := e.Broker(ctx, o.user, o.exchange)
	if err != nil {
		return err
	}

	var sub broker.Subscription
	switch o.stream {
	case "book":
		sub, err = b.SubscribeOrderBook(ctx, o.symbol, func(u domain.OrderBookUpdate) error { return printJSON(u) })
	case "trade":
		sub, err = b.SubscribeTrades(ctx, o.symbol, func(u domain.TradeUpdate) error { return printJSON(u) })
	case "order":
		sub, err = b.SubscribeOrderUpdates(ctx, func(u domain.OrderUpdate) error { return printJSON(u) })
	default:
		return fmt.Errorf("unknown stream %q", o.stream)
	}
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	select {
	case <-ctx.Done():
		return nil
	case <-sub.Done():
		return fmt.Errorf("%s stream closed", b.Name())
	}
}

func printResult(res domain.OrderResult) error {
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("order action failed: %s", res.Message)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
