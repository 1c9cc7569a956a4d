// Package ratelimit applies per-endpoint-group client-side backpressure
// against exchange REST calls. Order placement is the single highest-risk
// call site for tripping an exchange's own rate limiter mid-cycle, so the
// limiting is pre-emptive rather than retry-driven.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Group names the exchange endpoint categories each carrying their own
// budget, mirroring Binance/Bybit's own separate weight buckets for market
// data vs. order placement vs. account reads.
type Group string

const (
	GroupMarketData     Group = "market_data"
	GroupOrderPlacement Group = "order_placement"
	GroupAccountRead    Group = "account_read"
)

// Limiter holds one token-bucket limiter per Group.
type Limiter struct {
	limiters map[Group]*rate.Limiter
}

// Default returns a Limiter pre-configured with conservative budgets, well
// under Binance/Bybit's documented limits, leaving headroom for the retry
// policy in internal/retry to still fit within the exchange's own window.
func Default() *Limiter {
	return New(map[Group]rate.Limit{
		GroupMarketData:     rate.Limit(10),
		GroupOrderPlacement: rate.Limit(5),
		GroupAccountRead:    rate.Limit(5),
	}, map[Group]int{
		GroupMarketData:     20,
		GroupOrderPlacement: 10,
		GroupAccountRead:    10,
	})
}

// New builds a Limiter from explicit per-group rate/burst settings.
func New(rates map[Group]rate.Limit, bursts map[Group]int) *Limiter {
	l := &Limiter{limiters: make(map[Group]*rate.Limiter, len(rates))}
	for g, r := range rates {
		b := bursts[g]
		if b <= 0 {
			b = 1
		}
		l.limiters[g] = rate.NewLimiter(r, b)
	}
	return l
}

// Wait blocks until group has a free token or ctx is cancelled. Unknown
// groups are unlimited (no limiter configured for them).
func (l *Limiter) Wait(ctx context.Context, group Group) error {
	lim, ok := l.limiters[group]
	if !ok {
		return nil
	}
	return lim.Wait(ctx)
}

// Allow reports whether group currently has a free token, without blocking.
func (l *Limiter) Allow(group Group) bool {
	lim, ok := l.limiters[group]
	if !ok {
		return true
	}
	return lim.Allow()
}
