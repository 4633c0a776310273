// Package metrics exposes Prometheus instruments for the position engine.
//
// Series:
//   - engine_monitor_cycles_total                      – completed monitor cycles
//   - engine_monitor_cycle_seconds                     – cycle wall time
//   - engine_open_positions                            – positions in the last snapshot
//   - engine_closes_total{reason,side}                 – successful closes
//   - engine_close_failures_total{final}               – failed close attempts (final=true when abandoned)
//   - engine_price_cache_lookups_total{result}         – hit|miss|error
//   - engine_adjustments_total{reason,result}          – success|failure
//   - engine_level_updates_total{kind}                 – trailing|take_profit
//   - engine_missed_executions_total{target}           – TP|SL found by the auditor
//
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the engine's collectors.
type Metrics struct {
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	openPositions prometheus.Gauge
	closes        *prometheus.CounterVec
	closeFailures *prometheus.CounterVec
	priceLookups  *prometheus.CounterVec
	adjustments   *prometheus.CounterVec
	levelUpdates  *prometheus.CounterVec
	missed        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_monitor_cycles_total",
			Help: "Completed monitor cycles",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_monitor_cycle_seconds",
			Help:    "Monitor cycle duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Open positions in the latest snapshot",
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_closes_total",
			Help: "Positions closed by the engine split by reason and side",
		}, []string{"reason", "side"}),
		closeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_close_failures_total",
			Help: "Failed close attempts; final=true when the retry budget was exhausted",
		}, []string{"final"}),
		priceLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_price_cache_lookups_total",
			Help: "Per-symbol price resolutions split by cache result",
		}, []string{"result"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_adjustments_total",
			Help: "Protective level adjustments split by reason and result",
		}, []string{"reason", "result"}),
		levelUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_level_updates_total",
			Help: "Trailing stop and dynamic take-profit improvements persisted",
		}, []string{"kind"}),
		missed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_missed_executions_total",
			Help: "Missed executions reported by the auditor",
		}, []string{"target"}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.cycleDuration, m.openPositions, m.closes, m.closeFailures,
			m.priceLookups, m.adjustments, m.levelUpdates, m.missed)
	}
	return m
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(seconds float64, positions int) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(seconds)
	m.openPositions.Set(float64(positions))
}

// Close records a successful close.
func (m *Metrics) Close(reason, side string) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(reason, side).Inc()
}

// CloseFailure records a failed close attempt.
func (m *Metrics) CloseFailure(final bool) {
	if m == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	m.closeFailures.WithLabelValues(label).Inc()
}

// PriceLookup records a price resolution with result hit, miss or error.
func (m *Metrics) PriceLookup(result string) {
	if m == nil {
		return
	}
	m.priceLookups.WithLabelValues(result).Inc()
}

// Adjustment records an adjustment attempt.
func (m *Metrics) Adjustment(reason string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.adjustments.WithLabelValues(reason, result).Inc()
}

// LevelUpdate records a persisted trailing stop or dynamic take-profit move.
func (m *Metrics) LevelUpdate(kind string) {
	if m == nil {
		return
	}
	m.levelUpdates.WithLabelValues(kind).Inc()
}

// Missed records missed executions found by one audit run.
func (m *Metrics) Missed(target string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.missed.WithLabelValues(target).Add(float64(n))
}
