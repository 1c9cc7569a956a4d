// Package config loads the control plane's runtime configuration from the
// environment (and an optional .env file). godotenv is loaded once at
// process start; SIGHUP triggers a reload so an operator can tune
// thresholds without a restart.
package config

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"cryptosentinel/internal/logger"
)

// Config is the immutable snapshot of env-derived settings consumed by
// every component.
type Config struct {
	LiveTrading                bool
	Exchange                   string // "binance" | "bybit"
	PortfolioEquityFieldOverride string
	MaxOpenPerSymbol            int
	MinPriceChangePct           float64
	AlertCooldownMinutes        int
	DefaultConfiguredLeverage   int
	ScanIntervalSeconds         int
	SLTPSweepIntervalMinutes    int
	MetricsAddr                 string
	DatabasePath                string
	ExchangeAPIKey              string
	ExchangeAPISecret           string
	TelegramBotToken            string
	TelegramChatID              string
	TelegramCallbackSecret      string
}

var (
	mu      sync.RWMutex
	current Config
)

func init() {
	_ = godotenv.Load()
	current = load()
}

// Current returns the most recently loaded configuration snapshot.
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// WatchReload re-reads the environment on SIGHUP for the lifetime of the
// process; intended to be started once from cmd/sentinel's main.
func WatchReload() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP)
	go func() {
		for range sigc {
			_ = godotenv.Overload()
			mu.Lock()
			current = load()
			mu.Unlock()
			logger.Infof("config reloaded on SIGHUP")
		}
	}()
}

func load() Config {
	return Config{
		LiveTrading:                  envBool("LIVE_TRADING", false),
		Exchange:                     strings.ToLower(envString("EXCHANGE", "binance")),
		PortfolioEquityFieldOverride: envString("PORTFOLIO_EQUITY_FIELD_OVERRIDE", ""),
		MaxOpenPerSymbol:             envInt("MAX_OPEN_PER_SYMBOL", 3),
		MinPriceChangePct:            envFloat("MIN_PRICE_CHANGE_PCT", 1.0),
		AlertCooldownMinutes:         envInt("ALERT_COOLDOWN_MINUTES", 5),
		DefaultConfiguredLeverage:    envInt("DEFAULT_CONFIGURED_LEVERAGE", 10),
		ScanIntervalSeconds:          envInt("SCAN_INTERVAL_SECONDS", 60),
		SLTPSweepIntervalMinutes:     envInt("SLTP_SWEEP_INTERVAL_MINUTES", 5),
		MetricsAddr:                  envString("METRICS_ADDR", ":9090"),
		DatabasePath:                 envString("DATABASE_PATH", "cryptosentinel.db"),
		ExchangeAPIKey:               envString("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret:            envString("EXCHANGE_API_SECRET", ""),
		TelegramBotToken:             envString("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:               envString("TELEGRAM_CHAT_ID", ""),
		TelegramCallbackSecret:       envString("TELEGRAM_CALLBACK_SECRET", "dev-secret-change-me"),
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
