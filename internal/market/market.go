// Package market holds the instrument-metadata cache and the
// symbol/base-currency equivalence helpers every cross-pair query goes
// through.
package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/xerrors"
)

// Metadata is the per-symbol exchange rule set the cache exposes.
type Metadata struct {
	Symbol           string
	PriceTickSize    decimal.Decimal
	QuantityStep     decimal.Decimal
	MinQuantity      decimal.Decimal
	MinNotional      decimal.Decimal
	PriceDecimals    int32
	QuantityDecimals int32
	MaxLeverage      int
	FetchedAt        time.Time
}

// MetadataFetcher is the exchange-side call the cache wraps; exchangeclient
// implementations supply this.
type MetadataFetcher func(ctx context.Context, symbol string) (Metadata, error)

// Cache is the instrument metadata cache: lazy-fetch, TTL-refreshed,
// with a per-symbol singleflight-style guard so concurrent callers for the
// same symbol share one in-flight refresh instead of stampeding the
// exchange.
type Cache struct {
	fetch MetadataFetcher
	ttl   time.Duration

	mu    sync.RWMutex
	store map[string]Metadata

	inflight sync.Map // symbol -> *sync.WaitGroup
}

// NewCache builds a Cache with the given TTL (1h in production).
func NewCache(ttl time.Duration, fetch MetadataFetcher) *Cache {
	return &Cache{
		fetch: fetch,
		ttl:   ttl,
		store: make(map[string]Metadata),
	}
}

// GetMetadata returns symbol's cached rules, refreshing on first use or TTL
// expiry. Concurrent callers for the same symbol during a refresh block on
// the single in-flight fetch rather than issuing duplicate requests.
func (c *Cache) GetMetadata(ctx context.Context, symbol string) (Metadata, error) {
	if m, ok := c.fresh(symbol); ok {
		return m, nil
	}
	return c.refresh(ctx, symbol)
}

// Invalidate forces the next GetMetadata call for symbol to re-fetch,
// called after a placement error that indicates stale metadata.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, symbol)
}

func (c *Cache) fresh(symbol string) (Metadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.store[symbol]
	if !ok || time.Since(m.FetchedAt) >= c.ttl {
		return Metadata{}, false
	}
	return m, true
}

func (c *Cache) refresh(ctx context.Context, symbol string) (Metadata, error) {
	newWG := new(sync.WaitGroup)
	newWG.Add(1)
	wgIface, loaded := c.inflight.LoadOrStore(symbol, newWG)
	wg := wgIface.(*sync.WaitGroup)
	if loaded {
		wg.Wait()
		if m, ok := c.fresh(symbol); ok {
			return m, nil
		}
		return Metadata{}, xerrors.ErrMetadataUnavailable
	}

	defer func() {
		wg.Done()
		c.inflight.Delete(symbol)
	}()

	m, err := c.fetch(ctx, symbol)
	if err != nil {
		return Metadata{}, xerrors.ErrMetadataUnavailable
	}
	m.Symbol = symbol
	m.FetchedAt = time.Now()

	c.mu.Lock()
	c.store[symbol] = m
	c.mu.Unlock()

	return m, nil
}

// BaseOf returns the base-currency exposure key for a canonical BASE_QUOTE
// symbol, treating USD and USDT as equivalent quote currencies.
func BaseOf(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, quote := range []string{"_USDT", "_USD"} {
		if strings.HasSuffix(upper, quote) {
			return strings.TrimSuffix(upper, quote)
		}
	}
	if idx := strings.IndexAny(upper, "_-/"); idx >= 0 {
		return upper[:idx]
	}
	return upper
}

// SameBase reports whether a and b refer to the same base currency across
// the USD/USDT quote-equivalence class.
func SameBase(a, b string) bool {
	return BaseOf(a) == BaseOf(b)
}

// QuoteOf returns the quote currency of a canonical BASE_QUOTE symbol
// ("USDT" for "ADA_USDT"), defaulting to "USDT" when the symbol carries no
// recognized quote suffix.
func QuoteOf(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, quote := range []string{"USDT", "USD"} {
		if strings.HasSuffix(upper, "_"+quote) {
			return quote
		}
	}
	return "USDT"
}

// Variants returns the USD and USDT symbol spellings for a base currency,
// the pair every base-currency query must search across.
func Variants(base string) []string {
	base = strings.ToUpper(base)
	return []string{base + "_USDT", base + "_USD"}
}
