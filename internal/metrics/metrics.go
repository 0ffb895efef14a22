// Package metrics exposes the Prometheus instrumentation surface named in
// the domain dependency table: tick-to-signal latency, slice execution
// latency, quote staleness, and active-position counts. Adapted from the
// teacher's internal/bot/metrics.go (same promauto package-level-variable
// style, same namespace/subsystem/buckets convention), renamed and
// reshaped from a multi-pair arbitrage dashboard's metrics to this
// domain's own event vocabulary (ticks, slices, premiums, positions)
// instead of the teacher's (pairs, orders, liquidations).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Latency ============

// TickToSignalLatency is the time from a ticker update reaching the quote
// cache to the signal engine emitting (or suppressing) a decision.
var TickToSignalLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kimpbot",
		Subsystem: "signal",
		Name:      "tick_to_signal_latency_ms",
		Help:      "Latency from a ticker update to a signal-engine decision, in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	},
	[]string{"symbol"},
)

// SliceExecutionLatency is the time to complete one entry or exit slice
// (both legs, including any rollback).
var SliceExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kimpbot",
		Subsystem: "execution",
		Name:      "slice_latency_ms",
		Help:      "Time to execute one entry/exit slice in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"symbol", "side"}, // side: entry, exit
)

// OrderLatency is the time a single exchange order call (open/close short,
// Korean buy/sell) took to return.
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kimpbot",
		Subsystem: "execution",
		Name:      "order_latency_ms",
		Help:      "Time to place and reconcile an order, in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "side"},
)

// ============ Counters ============

// SlicesTotal counts completed slices by outcome.
var SlicesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kimpbot",
		Subsystem: "execution",
		Name:      "slices_total",
		Help:      "Total number of executed slices",
	},
	[]string{"symbol", "side", "result"}, // result: filled, rejected, rolled_back
)

// RealizedPnlTotalKRW is the cumulative realized PnL in KRW across every
// closed slice. A Gauge rather than a Counter: a losing slice's PnL is
// negative, which a Prometheus Counter cannot accept.
var RealizedPnlTotalKRW = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "kimpbot",
		Subsystem: "execution",
		Name:      "realized_pnl_total_krw",
		Help:      "Cumulative realized PnL in KRW",
	},
)

// UnhedgedEventsTotal counts every time a Korean sell leg exhausted its
// retries during exit, leaving a slice's foreign cover unmatched (spec
// section 7's "log critical unhedged balance" path).
var UnhedgedEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kimpbot",
		Subsystem: "execution",
		Name:      "unhedged_events_total",
		Help:      "Number of times the korean sell leg exhausted retries during exit",
	},
	[]string{"symbol"},
)

// SignalsTotal counts entry/exit signal evaluations, whether they fired.
var SignalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kimpbot",
		Subsystem: "signal",
		Name:      "signals_total",
		Help:      "Number of entry/exit signal evaluations",
	},
	[]string{"symbol", "kind", "fired"}, // kind: entry, exit; fired: yes, no
)

// QuoteRejectionsTotal counts quality-filter rejections by reason.
var QuoteRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kimpbot",
		Subsystem: "quality",
		Name:      "quote_rejections_total",
		Help:      "Number of quotes rejected by the quality filter, by reason",
	},
	[]string{"symbol", "reason"}, // reason: stale, desync, spread, usdt_jump, invalid
)

// NotificationOverflowsTotal counts notifications dropped because the
// notification bus was full when emitted (teacher's RecordBufferOverflow,
// narrowed to this system's one buffer).
var NotificationOverflowsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kimpbot",
		Subsystem: "notify",
		Name:      "overflows_total",
		Help:      "Number of operator notifications dropped because the notification bus was full",
	},
	[]string{"type"},
)

// ============ Gauges ============

// ActivePositions is the current number of open hedged positions.
var ActivePositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "kimpbot",
		Subsystem: "execution",
		Name:      "active_positions",
		Help:      "Current number of open hedged positions",
	},
)

// PremiumObserved is the most recently computed entry/exit premium per
// symbol, sampled on every signal-engine iteration.
var PremiumObserved = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kimpbot",
		Subsystem: "signal",
		Name:      "premium_percent",
		Help:      "Most recently observed premium, in percent",
	},
	[]string{"symbol", "kind"}, // kind: entry, exit
)

// QuoteAgeMs is the most recently observed quote age per (exchange,
// symbol), used to watch the quality filter's staleness cap from outside.
var QuoteAgeMs = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kimpbot",
		Subsystem: "quality",
		Name:      "quote_age_ms",
		Help:      "Age of the most recently observed quote, in milliseconds",
	},
	[]string{"exchange", "symbol"},
)

// ExchangeConnected reports websocket connectivity per venue (1=connected,
// 0=disconnected).
var ExchangeConnected = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kimpbot",
		Subsystem: "exchange",
		Name:      "connected",
		Help:      "Exchange websocket connection status (1=connected, 0=disconnected)",
	},
	[]string{"exchange"},
)

// ============ Helpers ============

// RecordSlice records a completed slice's latency and outcome.
func RecordSlice(symbol, side, result string, latencyMs float64) {
	SliceExecutionLatency.WithLabelValues(symbol, side).Observe(latencyMs)
	SlicesTotal.WithLabelValues(symbol, side, result).Inc()
}

// RecordSignal records one signal-engine evaluation.
func RecordSignal(symbol, kind string, fired bool, premium float64) {
	firedStr := "no"
	if fired {
		firedStr = "yes"
	}
	SignalsTotal.WithLabelValues(symbol, kind, firedStr).Inc()
	PremiumObserved.WithLabelValues(symbol, kind).Set(premium)
}

// RecordQuoteRejection records a quality-filter rejection.
func RecordQuoteRejection(symbol, reason string) {
	QuoteRejectionsTotal.WithLabelValues(symbol, reason).Inc()
}

// RecordUnhedgedEvent records a Korean-sell-retry exhaustion.
func RecordUnhedgedEvent(symbol string) {
	UnhedgedEventsTotal.WithLabelValues(symbol).Inc()
}

// RecordNotificationOverflow records a dropped operator notification.
func RecordNotificationOverflow(notifType string) {
	NotificationOverflowsTotal.WithLabelValues(notifType).Inc()
}

// SetExchangeConnected updates the connectivity gauge for one venue.
func SetExchangeConnected(exchange string, connected bool) {
	if connected {
		ExchangeConnected.WithLabelValues(exchange).Set(1)
	} else {
		ExchangeConnected.WithLabelValues(exchange).Set(0)
	}
}
