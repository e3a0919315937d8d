package config

import (
	"os"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "tradegate-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "SQLITE_PATH", "CANDLE_BACKEND", "LOG_LEVEL",
		"BINANCE_API_KEY", "BINANCE_SECRET_KEY", "KIS_APP_KEY", "KIS_APP_SECRET",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "INFLUX_URL", "INFLUX_TOKEN",
		"RISK_MAX_NOTIONAL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  data_dir: "/tmp/tradegate/data"
  sqlite_path: "/tmp/tradegate/tradegate.db"
  candle_backend: "parquet"
logging:
  level: "debug"
  format: "text"
stream:
  handshake_timeout: 3s
  close_when_idle: true
retry:
  max_attempts: 6
  max_delay: 10s
candles:
  location: "UTC"
  default_limit:
    kis: 50
binance:
  api_key: "bn-key"
  pair_whitelist: ["ethusdt"]
kis:
  app_key: "kis-app"
  hts_id: "trader01"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
`)
	clearEnv(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/tradegate/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/tradegate/data")
	}
	if cfg.Storage.CandleBackend != "parquet" {
		t.Errorf("Storage.CandleBackend = %q, want %q", cfg.Storage.CandleBackend, "parquet")
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}

	// -- Stream --
	if cfg.Stream.HandshakeTimeout != 3*time.Second {
		t.Errorf("Stream.HandshakeTimeout = %s, want 3s", cfg.Stream.HandshakeTimeout)
	}
	if !cfg.Stream.CloseWhenIdle {
		t.Error("Stream.CloseWhenIdle = false, want true")
	}
	// Not set in the file, so the default survives.
	if cfg.Stream.WriteTimeout != 5*time.Second {
		t.Errorf("Stream.WriteTimeout = %s, want default 5s", cfg.Stream.WriteTimeout)
	}

	// -- Retry --
	if cfg.Retry.MaxAttempts != 6 {
		t.Errorf("Retry.MaxAttempts = %d, want 6", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.MinDelay != 250*time.Millisecond {
		t.Errorf("Retry.MinDelay = %s, want default 250ms", cfg.Retry.MinDelay)
	}

	// -- Candles --
	if got := cfg.CandleLimit("KIS"); got != 50 {
		t.Errorf("CandleLimit(KIS) = %d, want 50", got)
	}
	if got := cfg.CandleLimit("unknown"); got != 1000 {
		t.Errorf("CandleLimit(unknown) = %d, want 1000", got)
	}
	if cfg.CandleLocation() != time.UTC {
		t.Errorf("CandleLocation() = %v, want UTC", cfg.CandleLocation())
	}

	// -- Brokers --
	if cfg.Binance.APIKey != "bn-key" {
		t.Errorf("Binance.APIKey = %q, want %q", cfg.Binance.APIKey, "bn-key")
	}
	if len(cfg.Binance.PairWhitelist) != 1 || cfg.Binance.PairWhitelist[0] != "ethusdt" {
		t.Errorf("Binance.PairWhitelist = %v, want [ethusdt]", cfg.Binance.PairWhitelist)
	}
	if cfg.Binance.StreamURL != "wss://stream.binance.com:9443/stream" {
		t.Errorf("Binance.StreamURL = %q, want default", cfg.Binance.StreamURL)
	}
	if cfg.KIS.HTSID != "trader01" {
		t.Errorf("KIS.HTSID = %q, want %q", cfg.KIS.HTSID, "trader01")
	}
	if cfg.KIS.ExchangeCode != "NASD" {
		t.Errorf("KIS.ExchangeCode = %q, want default NASD", cfg.KIS.ExchangeCode)
	}
	if cfg.Alpaca.APISecret != "test-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q", cfg.Alpaca.APISecret, "test-secret")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
kis:
  app_key: "yaml-app"
`)
	clearEnv(t)
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("KIS_APP_KEY", "env-app")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.KIS.AppKey != "env-app" {
		t.Errorf("KIS.AppKey = %q, want %q (env override)", cfg.KIS.AppKey, "env-app")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/tradegate.yaml"); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "env-key")

	cfg, err := LoadOrDefault("/nonexistent/tradegate.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want env-key", cfg.Alpaca.APIKey)
	}
	if cfg.Storage.CandleBackend != "sqlite" {
		t.Errorf("Storage.CandleBackend = %q, want sqlite", cfg.Storage.CandleBackend)
	}
}

func TestLoadRiskAndSimulator(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
risk:
  max_notional: "25000"
simulator:
  enabled: true
  prices:
    AAPL: "190.5"
  funding:
    USD: "100000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Risk.MaxNotional != "25000" {
		t.Errorf("Risk.MaxNotional = %q, want 25000", cfg.Risk.MaxNotional)
	}
	if !cfg.Simulator.Enabled || cfg.Simulator.Prices["AAPL"] != "190.5" || cfg.Simulator.Funding["USD"] != "100000" {
		t.Errorf("Simulator = %+v", cfg.Simulator)
	}

	t.Setenv("RISK_MAX_NOTIONAL", "1000")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Risk.MaxNotional != "1000" {
		t.Errorf("Risk.MaxNotional with env = %q, want 1000", cfg.Risk.MaxNotional)
	}
}
