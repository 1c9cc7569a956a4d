// Package metrics exposes the control plane's Prometheus instrumentation:
// a custom prometheus.Registry plus promauto.With(Registry) vectors, with
// one Record*/Set* function per metric family so call sites never touch a
// *prometheus.* type directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom registry every metric below is registered against;
// internal/httpapi mounts it at GET /metrics via promhttp.
var Registry = prometheus.NewRegistry()

var (
	// SignalEventsTotal counts signal events (BUY_ALERT from the SignalMonitor
	// loop, UNPROTECTED_* from the protective-order engine), by symbol and
	// event type.
	SignalEventsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptosentinel",
			Subsystem: "signal",
			Name:      "events_total",
			Help:      "Signal events emitted, by symbol and event type",
		},
		[]string{"symbol", "event_type"},
	)

	// GuardrailRejectionsTotal counts decisions blocked by a guardrail gate,
	// by symbol and gate reason.
	GuardrailRejectionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptosentinel",
			Subsystem: "guardrail",
			Name:      "rejections_total",
			Help:      "Decisions blocked by a guardrail gate",
		},
		[]string{"symbol", "gate"},
	)

	// ProtectiveOrdersTotal counts protective (SL/TP) order placement
	// outcomes, by symbol and outcome (created, partial, insufficient_balance).
	ProtectiveOrdersTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptosentinel",
			Subsystem: "protective",
			Name:      "orders_total",
			Help:      "Protective order placement attempts, by outcome",
		},
		[]string{"symbol", "outcome"},
	)

	// UncoveredPositionsGauge reports positions currently missing an active
	// SL or TP order, by symbol.
	UncoveredPositionsGauge = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cryptosentinel",
			Subsystem: "protective",
			Name:      "uncovered_positions",
			Help:      "1 if the symbol currently has an uncovered open position, else 0",
		},
		[]string{"symbol"},
	)

	// ExchangeSyncLagSeconds reports how long the most recent exchange sync
	// pass took, whether or not its steps succeeded.
	ExchangeSyncLagSeconds = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cryptosentinel",
			Subsystem: "exchangesync",
			Name:      "lag_seconds",
			Help:      "Duration in seconds of the most recent exchange sync pass",
		},
	)

	// ExchangeSyncErrorsTotal counts failed sync steps, by step name.
	ExchangeSyncErrorsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptosentinel",
			Subsystem: "exchangesync",
			Name:      "errors_total",
			Help:      "Exchange sync failures, by sync step",
		},
		[]string{"reason"},
	)

	// AlertsSuppressedTotal counts alerts the AlertThrottler declined to
	// send, by the throttler's reason.
	AlertsSuppressedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptosentinel",
			Subsystem: "alertthrottle",
			Name:      "suppressed_total",
			Help:      "Alerts suppressed by the alert throttler, by reason",
		},
		[]string{"reason"},
	)

	// NotifierErrorsTotal counts failed notifier deliveries.
	NotifierErrorsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "cryptosentinel",
			Subsystem: "notifier",
			Name:      "errors_total",
			Help:      "Notification delivery failures",
		},
	)

	// LoopCycleDuration records wall-clock duration per scheduler loop pass.
	LoopCycleDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cryptosentinel",
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one scheduler loop pass",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	// LoopPanicsRecoveredTotal counts per-symbol panics caught by the loop's
	// recover guard, so a bad symbol shows up in monitoring instead of
	// silently vanishing.
	LoopPanicsRecoveredTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptosentinel",
			Subsystem: "scheduler",
			Name:      "panics_recovered_total",
			Help:      "Per-symbol panics recovered by a loop guard",
		},
		[]string{"loop", "symbol"},
	)
)

// RecordSignalEvent increments the signal counter for symbol/eventType.
func RecordSignalEvent(symbol, eventType string) {
	SignalEventsTotal.WithLabelValues(symbol, eventType).Inc()
}

// RecordGuardrailRejection increments the rejection counter for symbol/gate.
func RecordGuardrailRejection(symbol, gate string) {
	GuardrailRejectionsTotal.WithLabelValues(symbol, gate).Inc()
}

// RecordProtectiveOrderOutcome increments the protective-order counter.
func RecordProtectiveOrderOutcome(symbol, outcome string) {
	ProtectiveOrdersTotal.WithLabelValues(symbol, outcome).Inc()
}

// SetUncovered sets whether symbol currently lacks SL/TP coverage.
func SetUncovered(symbol string, uncovered bool) {
	v := 0.0
	if uncovered {
		v = 1.0
	}
	UncoveredPositionsGauge.WithLabelValues(symbol).Set(v)
}

// SetExchangeSyncLag reports the duration of the most recent sync pass.
func SetExchangeSyncLag(seconds float64) {
	ExchangeSyncLagSeconds.Set(seconds)
}

// RecordExchangeSyncError increments the sync-error counter for reason.
func RecordExchangeSyncError(reason string) {
	ExchangeSyncErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordAlertSuppressed increments the suppression counter for reason.
func RecordAlertSuppressed(reason string) {
	AlertsSuppressedTotal.WithLabelValues(reason).Inc()
}

// RecordNotifierError increments the notifier error counter.
func RecordNotifierError() {
	NotifierErrorsTotal.Inc()
}

// RecordCycleDuration observes a loop pass's duration in seconds.
func RecordCycleDuration(loop string, seconds float64) {
	LoopCycleDuration.WithLabelValues(loop).Observe(seconds)
}

// RecordPanicRecovered increments the panic-recovery counter for loop/symbol.
func RecordPanicRecovered(loop, symbol string) {
	LoopPanicsRecoveredTotal.WithLabelValues(loop, symbol).Inc()
}

// Init registers the Go runtime and process collectors against Registry so
// /metrics also carries goroutine/GC and process-level stats alongside the
// domain metrics above.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
