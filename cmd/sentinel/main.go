// Command sentinel is the control-plane process: it wires the components
// together and starts the three cooperative periodic loops (signal
// monitor, exchange sync, SL/TP checker) alongside the read-model HTTP
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/alertthrottle"
	"cryptosentinel/internal/config"
	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/exchangeclient/binance"
	"cryptosentinel/internal/exchangeclient/bybit"
	"cryptosentinel/internal/exchangesync"
	"cryptosentinel/internal/guardrail"
	"cryptosentinel/internal/httpapi"
	"cryptosentinel/internal/logger"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/metrics"
	"cryptosentinel/internal/notifier"
	"cryptosentinel/internal/pricefeed"
	"cryptosentinel/internal/protective"
	"cryptosentinel/internal/ratelimit"
	"cryptosentinel/internal/signalmonitor"
	"cryptosentinel/internal/sltpchecker"
	"cryptosentinel/internal/store"
)

func main() {
	cfg := config.Current()
	config.WatchReload()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := buildExchangeClient(cfg)
	if err != nil {
		logger.Errorf("sentinel: building exchange client: %v", err)
		return
	}
	if !cfg.LiveTrading {
		client = exchangeclient.NewDryRun(client)
		logger.Warnf("sentinel: LIVE_TRADING=false, placements are dry-run")
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("sentinel: opening store at %s: %v", cfg.DatabasePath, err)
		return
	}
	defer db.Close()

	orders := store.NewOrderStore(db)
	watchlist := store.NewWatchlistStore(db)
	events := store.NewSignalEventStore(db)

	mkt := market.NewCache(time.Hour, func(ctx context.Context, symbol string) (market.Metadata, error) {
		return client.GetInstrumentMetadata(ctx, symbol)
	})

	lockouts := protective.NewMarginLockouts()
	leverageCache := protective.NewLeverageCache()
	protectiveEngine := protective.NewWithState(client, orders, events, mkt, lockouts, leverageCache)
	syncer := exchangesync.New(client, orders, watchlist, protectiveEngine)

	limiter := ratelimit.Default()
	throttle := alertthrottle.New(time.Duration(cfg.AlertCooldownMinutes) * time.Minute)

	signer := notifier.NewSigner(cfg.TelegramCallbackSecret, 24*time.Hour)
	var notify notifier.Notifier
	if cfg.TelegramBotToken != "" {
		notify = notifier.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, signer)
	} else {
		notify = notifier.NoopNotifier{}
		logger.Warnf("sentinel: TELEGRAM_BOT_TOKEN unset, alerts log only")
	}

	feed := newIndicatorFeed(client)

	monitor := signalmonitor.New(feed, client, orders, watchlist, events, throttle, notify, limiter)
	monitor.Interval = time.Duration(cfg.ScanIntervalSeconds) * time.Second
	monitor.Lockouts = lockouts
	monitor.Leverage = leverageCache
	monitor.EquityFieldOverride = cfg.PortfolioEquityFieldOverride

	checker := sltpchecker.New(client, orders, watchlist, mkt, notify, signer)
	checker.Interval = time.Duration(cfg.SLTPSweepIntervalMinutes) * time.Minute
	checker.Protective = protectiveEngine

	server := httpapi.New(&httpapi.Server{
		Client:    client,
		Orders:    orders,
		Events:    events,
		Watchlist: watchlist,
		Market:    mkt,
		Throttle:  throttle,
		Checker:   checker,
	})
	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: server.Handler()}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); monitor.Run(ctx) }()
	go func() { defer wg.Done(); syncer.Run(ctx) }()
	go func() { defer wg.Done(); checker.Run(ctx) }()
	go func() {
		defer wg.Done()
		logger.Infof("sentinel: read-model listening on %s", cfg.MetricsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("sentinel: http server: %v", err)
		}
	}()

	logger.Infof("sentinel: running (live_trading=%v exchange=%s)", cfg.LiveTrading, cfg.Exchange)
	<-ctx.Done()
	logger.Infof("sentinel: shutdown signal received, draining loops")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	wg.Wait()
	logger.Infof("sentinel: stopped")
}

func buildExchangeClient(cfg config.Config) (exchangeclient.ExchangeClient, error) {
	switch cfg.Exchange {
	case "bybit":
		return bybit.New(cfg.ExchangeAPIKey, cfg.ExchangeAPISecret), nil
	case "binance", "":
		return binance.New(cfg.ExchangeAPIKey, cfg.ExchangeAPISecret), nil
	default:
		return nil, fmt.Errorf("unknown EXCHANGE %q (want binance|bybit)", cfg.Exchange)
	}
}

// indicatorFeed adapts pricefeed.PriceFetcher to signalmonitor.IndicatorFeed.
// The indicator math itself (RSI/MA/EMA/ATR crossovers, strategy profile)
// is an external collaborator's responsibility; this adapter only supplies
// the price half of a Reading and otherwise reports WAIT, giving
// SignalMonitor a concrete, always-available feed to run against until a
// real indicator service is wired behind the same interface.
type indicatorFeed struct {
	prices *pricefeed.PriceFetcher
}

func newIndicatorFeed(client exchangeclient.ExchangeClient) *indicatorFeed {
	ws := pricefeed.NewWSSource("primary")
	fallback := pricefeed.NewHTTPSource("ticker-fallback", func(ctx context.Context, _ *http.Client, symbol string) (decimal.Decimal, error) {
		t, err := client.GetTicker(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return t.Last, nil
	})
	return &indicatorFeed{prices: pricefeed.NewPriceFetcher(30*time.Second, ws, fallback)}
}

func (f *indicatorFeed) Evaluate(ctx context.Context, symbol string) (signalmonitor.Reading, error) {
	price, err := f.prices.GetPrice(ctx, symbol)
	if err != nil {
		return signalmonitor.Reading{}, err
	}
	return signalmonitor.Reading{Signal: guardrail.SignalWait, Price: price}, nil
}
