// Package httpapi is the control plane's read-model HTTP surface: a gin
// engine exposing expected-TP reports, active alert state, the
// signal-event log, the Telegram callback receiver, a liveness probe and
// Prometheus metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"cryptosentinel/internal/alertthrottle"
	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/logger"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/metrics"
	"cryptosentinel/internal/sltpchecker"
	"cryptosentinel/internal/store"
	"cryptosentinel/internal/tpanalytics"
)

// Server wires the read-model handlers against the live store/engine state
// built by cmd/sentinel.
type Server struct {
	Client    exchangeclient.ExchangeClient
	Orders    *store.OrderStore
	Events    *store.SignalEventStore
	Watchlist *store.WatchlistStore
	Market    *market.Cache
	Throttle  *alertthrottle.Throttler

	// Checker handles the Telegram inline-button callback deliveries
	// (create_sl_tp / create_sl / create_tp / skip_sl_tp); nil disables the
	// route.
	Checker *sltpchecker.Checker

	engine *gin.Engine
}

// New builds the gin engine and registers every route. gin.Mode should be
// set by the caller (gin.SetMode) before New runs if release mode is wanted.
func New(s *Server) *Server {
	r := gin.New()
	r.Use(requestID(), ginLogger(), gin.Recovery())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/symbols/:symbol/expected-tp", s.handleExpectedTP)
	v1.GET("/alerts/active", s.handleActiveAlerts)
	v1.GET("/signal-events", s.handleSignalEvents)
	v1.POST("/telegram/callback", s.handleTelegramCallback)

	s.engine = r
	return s
}

// Handler returns the underlying gin engine; cmd/sentinel owns the
// *http.Server and its graceful Shutdown.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestID stamps every request with an id from google/uuid, echoed back
// in the X-Request-Id response header.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

func ginLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Infof("httpapi: %s %s %d %s (req=%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.GetString("request_id"))
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleExpectedTP wraps tpanalytics.Report for one symbol: fetch buys,
// sells, open TP orders and the current price, then compute coverage.
func (s *Server) handleExpectedTP(c *gin.Context) {
	symbol := c.Param("symbol")
	base := market.BaseOf(symbol)
	ctx := c.Request.Context()

	buys, err := s.Orders.FilledBuysInFIFOOrder(ctx, base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sells, err := s.Orders.FilledSellsInFIFOOrder(ctx, base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	openTPs, err := s.Orders.FindByStatus(ctx, symbol, store.ActiveStatuses)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var tps []store.Order
	for _, o := range openTPs {
		if o.OrderRole == store.OrderRoleTakeProfit {
			tps = append(tps, o)
		}
	}

	price, err := tpanalytics.FetchCurrentPrice(ctx, s.Client, base)
	if err != nil {
		logger.Warnf("httpapi: price fetch failed for %s: %v", symbol, err)
		price = decimal.Zero
	}

	report := tpanalytics.Report(base, buys, sells, tps, price)
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleActiveAlerts(c *gin.Context) {
	alerts := []alertthrottle.ActiveAlert{}
	if s.Throttle != nil {
		if active := s.Throttle.ActiveStates(); active != nil {
			alerts = active
		}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// handleSignalEvents returns the most recent events, optionally filtered to
// one symbol via ?symbol=, limited by ?limit= (default 100, max 1000).
func (s *Server) handleSignalEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, ok := parsePositiveInt(raw); ok {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	ctx := c.Request.Context()
	symbol := c.Query("symbol")

	var (
		events []store.SignalEvent
		err    error
	)
	if symbol != "" {
		events, err = s.Events.RecentForSymbol(ctx, symbol, limit)
	} else {
		events, err = s.Events.Recent(ctx, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleTelegramCallback receives an inline-button click forwarded by the
// (out-of-scope) Telegram webhook receiver. The body carries the signed
// callback id attached to the button at send time; verification and
// dispatch live in sltpchecker.HandleCallback.
func (s *Server) handleTelegramCallback(c *gin.Context) {
	if s.Checker == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "callback handling not configured"})
		return
	}
	var req struct {
		CallbackID string `json:"callback_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Checker.HandleCallback(c.Request.Context(), req.CallbackID); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parsePositiveInt(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, n > 0
}
