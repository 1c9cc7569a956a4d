// Package exchangesync is the periodic reconciler between exchange reality
// and OrderStore, and the trigger for ProtectiveOrderEngine on
// newly-filled entries.
package exchangesync

import (
	"context"
	"errors"
	"time"

	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/logger"
	"cryptosentinel/internal/metrics"
	"cryptosentinel/internal/protective"
	"cryptosentinel/internal/retry"
	"cryptosentinel/internal/store"
	"cryptosentinel/internal/xerrors"
)

// staleAfterMisses is how many consecutive cycles a locally-active order
// may be absent from the exchange before it is marked CANCELLED.
const staleAfterMisses = 2

// Syncer reconciles the local order book against the exchange.
type Syncer struct {
	Client     exchangeclient.ExchangeClient
	Orders     *store.OrderStore
	Watchlist  *store.WatchlistStore
	Protective *protective.Engine
	Interval   time.Duration

	// seenFilled tracks entry order ids already routed through
	// ProtectiveOrderEngine this process's lifetime, so a restart safely
	// re-derives from OrderStore's child-lookup idempotency check instead
	// of needing durable state here.
	seenFilled map[string]bool
}

// New builds a Syncer with the default 30s interval.
func New(client exchangeclient.ExchangeClient, orders *store.OrderStore, watchlist *store.WatchlistStore, protectiveEngine *protective.Engine) *Syncer {
	return &Syncer{
		Client:     client,
		Orders:     orders,
		Watchlist:  watchlist,
		Protective: protectiveEngine,
		Interval:   30 * time.Second,
		seenFilled: make(map[string]bool),
	}
}

// Run drives the cooperative ticker loop until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Syncer) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("exchangesync: recovered panic: %v", r)
			metrics.RecordPanicRecovered("exchangesync", "")
		}
		metrics.RecordCycleDuration("exchangesync", time.Since(start).Seconds())
	}()

	if err := s.fetchAndUpsertOpenOrders(ctx); err != nil {
		logger.Warnf("exchangesync: fetch/upsert open orders: %v", err)
		metrics.RecordExchangeSyncError("fetch_open_orders")
	}
	if err := s.reconcileStale(ctx); err != nil {
		logger.Warnf("exchangesync: reconcile stale: %v", err)
		metrics.RecordExchangeSyncError("reconcile_stale")
	}
	if err := s.triggerProtectiveOnFill(ctx); err != nil {
		logger.Warnf("exchangesync: trigger protective: %v", err)
		metrics.RecordExchangeSyncError("trigger_protective")
	}
	if err := s.syncHistory(ctx); err != nil {
		logger.Warnf("exchangesync: sync history: %v", err)
		metrics.RecordExchangeSyncError("sync_history")
	}
	metrics.SetExchangeSyncLag(time.Since(start).Seconds())
}

// fetchAndUpsertOpenOrders is step 1-2: pull open + trigger orders, upsert
// every one into OrderStore and reset its missed-cycle counter (it was just
// seen on the exchange).
func (s *Syncer) fetchAndUpsertOpenOrders(ctx context.Context) error {
	open, err := s.listOpen(ctx)
	if err != nil {
		return err
	}
	triggers, err := s.listTriggers(ctx)
	if err != nil {
		return err
	}

	for _, raw := range append(open, triggers...) {
		o := fromRaw(raw)
		// ErrDuplicateOrder guards against rapid-fire duplicate *placement*;
		// a reconciliation tick re-upserting the same still-open order every
		// cycle is expected, not a dup, so it's not fatal here.
		if err := s.Orders.Upsert(ctx, o); err != nil && !errors.Is(err, store.ErrDuplicateOrder) {
			return err
		}
		if err := s.Orders.ResetMissedCycle(ctx, o.ExchangeOrderID); err != nil {
			return err
		}
	}
	return nil
}

// reconcileStale is step 3: any locally-active order absent from the
// exchange for two consecutive cycles is marked CANCELLED.
func (s *Syncer) reconcileStale(ctx context.Context) error {
	actives, err := s.Orders.FindAllByStatus(ctx, store.ActiveStatuses)
	if err != nil {
		return err
	}

	onExchange := make(map[string]bool)
	if open, err := s.listOpen(ctx); err == nil {
		for _, o := range open {
			onExchange[o.OrderID] = true
		}
	}
	if triggers, err := s.listTriggers(ctx); err == nil {
		for _, o := range triggers {
			onExchange[o.OrderID] = true
		}
	}

	for _, o := range actives {
		if onExchange[o.ExchangeOrderID] {
			continue
		}
		cancelled, err := s.Orders.IncrementMissedCycle(ctx, o.ExchangeOrderID)
		if err != nil {
			return err
		}
		if cancelled {
			logger.Infof("exchangesync: %s marked CANCELLED (stale_not_on_exchange)", o.ExchangeOrderID)
		}
	}
	_ = staleAfterMisses // documents the threshold IncrementMissedCycle enforces
	return nil
}

// triggerProtectiveOnFill is step 4: every entry order newly FILLED with no
// active protective children gets routed through ProtectiveOrderEngine.
func (s *Syncer) triggerProtectiveOnFill(ctx context.Context) error {
	if s.Protective == nil {
		return nil
	}
	filled, err := s.Orders.FindAllByStatus(ctx, []store.OrderStatus{store.StatusFilled})
	if err != nil {
		return err
	}

	for _, entry := range filled {
		if entry.OrderRole != store.OrderRoleNone {
			continue // protective legs never spawn their own protection
		}
		if s.seenFilled[entry.ExchangeOrderID] {
			continue
		}
		children, err := s.Orders.FindChildren(ctx, entry.ExchangeOrderID)
		if err != nil {
			return err
		}
		if hasActiveSLAndTP(children) {
			s.seenFilled[entry.ExchangeOrderID] = true
			continue
		}

		item, err := s.Watchlist.Get(ctx, entry.Symbol)
		if err != nil {
			item = store.WatchlistItem{Symbol: entry.Symbol, SLTPMode: store.ModeConservative}
		}

		if _, err := s.Protective.CreateForFilled(ctx, entry, item); err != nil {
			logger.Warnf("exchangesync: protective creation failed for %s: %v", entry.ExchangeOrderID, err)
			continue
		}
		s.seenFilled[entry.ExchangeOrderID] = true
	}
	return nil
}

func hasActiveSLAndTP(children []store.Order) bool {
	var hasSL, hasTP bool
	for _, c := range children {
		if !c.IsActive() {
			continue
		}
		switch c.OrderRole {
		case store.OrderRoleStopLoss:
			hasSL = true
		case store.OrderRoleTakeProfit:
			hasTP = true
		}
	}
	return hasSL && hasTP
}

// syncHistory is step 5: page through order history and upsert terminal
// states, keeping FIFO lot rebuilding and analytics accurate.
func (s *Syncer) syncHistory(ctx context.Context) error {
	var history []exchangeclient.RawOrder
	err := retry.Do(ctx, retry.ExchangePolicy, xerrors.IsTransient, func() error {
		var rerr error
		history, rerr = s.Client.ListOrderHistory(ctx, 100, 5)
		return rerr
	})
	if err != nil {
		return err
	}
	for _, raw := range history {
		o := fromRaw(raw)
		if err := s.Orders.Upsert(ctx, o); err != nil && !errors.Is(err, store.ErrDuplicateOrder) {
			return err
		}
	}
	return nil
}

// listOpen and listTriggers wrap the exchange reads in the transient-error
// retry policy (2 retries, fixed backoff) before surrendering the tick.
func (s *Syncer) listOpen(ctx context.Context) ([]exchangeclient.RawOrder, error) {
	var out []exchangeclient.RawOrder
	err := retry.Do(ctx, retry.ExchangePolicy, xerrors.IsTransient, func() error {
		var rerr error
		out, rerr = s.Client.ListOpenOrders(ctx)
		return rerr
	})
	return out, err
}

func (s *Syncer) listTriggers(ctx context.Context) ([]exchangeclient.RawOrder, error) {
	var out []exchangeclient.RawOrder
	err := retry.Do(ctx, retry.ExchangePolicy, xerrors.IsTransient, func() error {
		var rerr error
		out, rerr = s.Client.ListTriggerOrders(ctx)
		return rerr
	})
	return out, err
}

func fromRaw(raw exchangeclient.RawOrder) store.Order {
	o := store.Order{
		ExchangeOrderID:    raw.OrderID,
		ClientOID:          raw.ClientOID,
		Symbol:             raw.Symbol,
		Side:               store.Side(raw.Side),
		OrderType:          store.OrderType(raw.OrderType),
		Status:             store.OrderStatus(raw.Status),
		Price:              raw.Price,
		TriggerPrice:       raw.TriggerPrice,
		AvgPrice:           raw.AvgPrice,
		Quantity:           raw.Quantity,
		CumulativeQuantity: raw.CumulativeQuantity,
		CumulativeValue:    raw.CumulativeValue,
	}
	if raw.CreateTimeUnixMs > 0 {
		o.ExchangeCreateTime = time.UnixMilli(raw.CreateTimeUnixMs)
	}
	if raw.UpdateTimeUnixMs > 0 {
		o.ExchangeUpdateTime = time.UnixMilli(raw.UpdateTimeUnixMs)
	}
	return o
}
