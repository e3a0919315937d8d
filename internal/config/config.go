package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the trading gateway.
type Config struct {
	Storage     Storage     `yaml:"storage"`
	Influx      Influx      `yaml:"influx"`
	Logging     Logging     `yaml:"logging"`
	Stream      Stream      `yaml:"stream"`
	Retry       Retry       `yaml:"retry"`
	Candles     Candles     `yaml:"candles"`
	Credentials Credentials `yaml:"credentials"`
	Binance     Binance     `yaml:"binance"`
	KIS         KIS         `yaml:"kis"`
	Alpaca      Alpaca      `yaml:"alpaca"`
	Risk        Risk        `yaml:"risk"`
	Simulator   Simulator   `yaml:"simulator"`
}

// Storage holds paths for data persistence and selects the candle backend.
type Storage struct {
	DataDir       string `yaml:"data_dir"`
	SQLitePath    string `yaml:"sqlite_path"`
	CandleBackend string `yaml:"candle_backend"` // sqlite, parquet or influx
}

// Influx configures the InfluxDB candle backend.
type Influx struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Stream controls the shared real-time connections.
type Stream struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	CloseWhenIdle    bool          `yaml:"close_when_idle"`
}

// Retry bounds backoff for retryable upstream failures.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Candles configures the candle cache engine.
type Candles struct {
	// Location is the IANA zone candle boundaries are aligned in.
	Location     string         `yaml:"location"`
	DefaultLimit map[string]int `yaml:"default_limit"` // per broker name
}

// Credentials configures credential lookup caching.
type Credentials struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Binance holds endpoints and optional static credentials for Binance spot.
type Binance struct {
	BaseURL       string   `yaml:"base_url"`
	StreamURL     string   `yaml:"stream_url"`
	APIKey        string   `yaml:"api_key"`
	SecretKey     string   `yaml:"secret_key"`
	PairWhitelist []string `yaml:"pair_whitelist"`
}

// KIS holds endpoints and optional static credentials for Korea Investment.
type KIS struct {
	BaseURL         string `yaml:"base_url"`
	StreamURL       string `yaml:"stream_url"`
	AppKey          string `yaml:"app_key"`
	AppSecret       string `yaml:"app_secret"`
	AccountNumber   string `yaml:"account_number"`
	ProductCode     string `yaml:"product_code"`
	HTSID           string `yaml:"hts_id"`
	ExchangeCode    string `yaml:"exchange_code"`
	SymbolsPath     string `yaml:"symbols_path"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	Feed      string `yaml:"feed"`
}

// Risk configures pre-trade checks.
type Risk struct {
	// MaxNotional caps price*amount per order; empty or zero disables it.
	MaxNotional string `yaml:"max_notional"`
}

// Simulator enables the in-memory paper venue.
type Simulator struct {
	Enabled bool              `yaml:"enabled"`
	Prices  map[string]string `yaml:"prices"`  // symbol -> quote
	Funding map[string]string `yaml:"funding"` // asset -> opening balance
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a configuration with production endpoints and
// conservative timeouts. Load starts from it.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:       "data",
			SQLitePath:    "data/tradegate.db",
			CandleBackend: "sqlite",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Stream: Stream{
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Retry: Retry{
			MaxAttempts: 4,
			MinDelay:    250 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		Candles: Candles{
			Location: "Asia/Seoul",
			DefaultLimit: map[string]int{
				"binance": 1000,
				"kis":     100,
				"alpaca":  1000,
			},
		},
		Credentials: Credentials{CacheTTL: time.Hour},
		Binance: Binance{
			BaseURL:       "https://api.binance.com",
			StreamURL:     "wss://stream.binance.com:9443/stream",
			PairWhitelist: []string{"btcusdt", "btcusdc", "usdcusdt"},
		},
		KIS: KIS{
			BaseURL:         "https://openapi.koreainvestment.com:9443",
			StreamURL:       "ws://ops.koreainvestment.com:21000",
			ProductCode:     "01",
			ExchangeCode:    "NASD",
			RateLimitPerMin: 1200,
		},
		Alpaca: Alpaca{
			BaseURL:   "https://paper-api.alpaca.markets",
			DataURL:   "https://data.alpaca.markets",
			StreamURL: "wss://stream.data.alpaca.markets/v2/iex",
			Feed:      "iex",
		},
	}
}

// Load reads the YAML configuration file at the given path, parses it over
// the defaults, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults
// with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return cfg, err
}

// CandleLimit returns the default candle window size for a broker.
func (c *Config) CandleLimit(broker string) int {
	if n, ok := c.Candles.DefaultLimit[strings.ToLower(broker)]; ok && n > 0 {
		return n
	}
	return 1000
}

// CandleLocation resolves the alignment zone, falling back to UTC.
func (c *Config) CandleLocation() *time.Location {
	if c.Candles.Location == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Candles.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("CANDLE_BACKEND"); v != "" {
		cfg.Storage.CandleBackend = v
	}

	if v := os.Getenv("INFLUX_URL"); v != "" {
		cfg.Influx.URL = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		cfg.Influx.Token = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("RISK_MAX_NOTIONAL"); v != "" {
		cfg.Risk.MaxNotional = v
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		cfg.Binance.SecretKey = v
	}

	if v := os.Getenv("KIS_APP_KEY"); v != "" {
		cfg.KIS.AppKey = v
	}
	if v := os.Getenv("KIS_APP_SECRET"); v != "" {
		cfg.KIS.AppSecret = v
	}
	if v := os.Getenv("KIS_ACCOUNT_NUMBER"); v != "" {
		cfg.KIS.AccountNumber = v
	}
	if v := os.Getenv("KIS_HTS_ID"); v != "" {
		cfg.KIS.HTSID = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_STREAM_URL"); v != "" {
		cfg.Alpaca.StreamURL = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
