// Package pricefeed owns price discovery for the signal loop: a 30s cache
// in front of an ordered list of sources, falling back to the next source
// on failure and returning ErrPriceUnavailable once the whole chain is
// exhausted. A push-updated websocket source is primary, with a polling
// HTTP source as fallback. The indicator math itself stays external.
package pricefeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"cryptosentinel/internal/logger"
	"cryptosentinel/internal/xerrors"
)

// Source fetches a last-traded price for symbol, synchronously.
type Source interface {
	Name() string
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type cacheEntry struct {
	price   decimal.Decimal
	fetched time.Time
}

// PriceFetcher serves cached prices, refreshing from an ordered chain of
// Sources on expiry or miss. Safe for concurrent use.
type PriceFetcher struct {
	sources []Source
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewPriceFetcher builds a fetcher trying sources in order on every refresh,
// caching the result for ttl (spec default 30s).
func NewPriceFetcher(ttl time.Duration, sources ...Source) *PriceFetcher {
	return &PriceFetcher{
		sources: sources,
		ttl:     ttl,
		cache:   make(map[string]cacheEntry),
	}
}

// GetPrice returns symbol's cached price if fresh, otherwise walks the
// source chain until one succeeds. Returns xerrors.ErrPriceUnavailable if
// every source fails.
func (f *PriceFetcher) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	if entry, ok := f.cache[symbol]; ok && time.Since(entry.fetched) < f.ttl {
		f.mu.Unlock()
		return entry.price, nil
	}
	f.mu.Unlock()

	var lastErr error
	for _, src := range f.sources {
		price, err := src.FetchPrice(ctx, symbol)
		if err != nil {
			lastErr = err
			logger.WithField("source", src.Name()).Warn().Msgf("price source failed for %s: %v", symbol, err)
			continue
		}
		f.mu.Lock()
		f.cache[symbol] = cacheEntry{price: price, fetched: time.Now()}
		f.mu.Unlock()
		return price, nil
	}

	if lastErr != nil {
		return decimal.Zero, xerrors.ErrPriceUnavailable
	}
	return decimal.Zero, xerrors.ErrPriceUnavailable
}

// WSSource is a push-updated Source: prices enter only through Update, and
// FetchPrice returns the latest value recorded rather than issuing a
// request. This package opens no socket and runs no read loop itself.
type WSSource struct {
	name string

	mu     sync.RWMutex
	last   map[string]decimal.Decimal
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewWSSource builds an empty WSSource; FetchPrice reports
// ErrPriceUnavailable for a symbol until Update has recorded a price for it.
func NewWSSource(name string) *WSSource {
	return &WSSource{name: name, last: make(map[string]decimal.Decimal)}
}

func (w *WSSource) Name() string { return w.name }

// FetchPrice returns the most recently observed price for symbol, or
// xerrors.ErrPriceUnavailable if nothing has been observed yet.
func (w *WSSource) FetchPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.last[symbol]
	if !ok {
		return decimal.Zero, xerrors.ErrPriceUnavailable
	}
	return p, nil
}

// Update records a freshly observed price for symbol.
func (w *WSSource) Update(symbol string, price decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last[symbol] = price
}

// HTTPSource is a request/response fallback Source (e.g. a REST ticker
// endpoint), used when the websocket stream has no recent data for symbol.
type HTTPSource struct {
	name   string
	client *http.Client
	fetch  func(ctx context.Context, client *http.Client, symbol string) (decimal.Decimal, error)
}

// NewHTTPSource builds an HTTPSource around a caller-supplied fetch
// function, so exchange-specific URL/response parsing stays outside this
// package (the exchangeclient adapters already own that shape).
func NewHTTPSource(name string, fetch func(ctx context.Context, client *http.Client, symbol string) (decimal.Decimal, error)) *HTTPSource {
	return &HTTPSource{
		name:   name,
		client: &http.Client{Timeout: 5 * time.Second},
		fetch:  fetch,
	}
}

func (h *HTTPSource) Name() string { return h.name }

func (h *HTTPSource) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return h.fetch(ctx, h.client, symbol)
}
