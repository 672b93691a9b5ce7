package admin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process's Prometheus collectors on a private registry,
// so /metrics reports only this service's series and not the default
// Go-runtime collector noise.
type Metrics struct {
	registry            *prometheus.Registry
	candlesProcessed    prometheus.Counter
	decisionsEmitted    *prometheus.CounterVec
	regimeTicks         *prometheus.CounterVec
	tickLag             prometheus.Histogram
	killSwitchOn        prometheus.Gauge
	tradingPaused       prometheus.Gauge
	reconciliationDrift prometheus.Gauge
	breakerOpen         *prometheus.GaugeVec
}

// NewMetrics registers and returns a fresh collector set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		candlesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_candles_processed_total",
			Help: "Number of 1m candles ingested by the engine.",
		}),
		decisionsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_decisions_total",
			Help: "Voting Brain decisions emitted, by direction.",
		}, []string{"direction"}),
		regimeTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_regime_ticks_total",
			Help: "Candles processed while the Market Regime Detector held each regime.",
		}, []string{"regime"}),
		tickLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trading_tick_lag_seconds",
			Help:    "Wall-clock lag between consecutive candle arrivals at the engine's run loop.",
			Buckets: prometheus.DefBuckets,
		}),
		killSwitchOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trading_kill_switch_on",
			Help: "1 if the kill switch is currently active.",
		}),
		tradingPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trading_paused",
			Help: "1 if the Safety Fabric currently has trading paused.",
		}),
		reconciliationDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trading_reconciliation_drift_units",
			Help: "Most recently observed position drift, in base-asset units.",
		}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trading_module_breaker_open",
			Help: "1 if the named module's circuit breaker is currently open.",
		}, []string{"module"}),
	}

	registry.MustRegister(m.candlesProcessed, m.decisionsEmitted, m.regimeTicks, m.tickLag,
		m.killSwitchOn, m.tradingPaused, m.reconciliationDrift, m.breakerOpen)
	return m
}

// IncCandle records one processed candle.
func (m *Metrics) IncCandle() {
	m.candlesProcessed.Inc()
}

// ObserveDecision records one emitted decision's direction.
func (m *Metrics) ObserveDecision(direction string) {
	m.decisionsEmitted.WithLabelValues(direction).Inc()
}

// ObserveRegime records one candle tick against the regime that was current
// when it was processed.
func (m *Metrics) ObserveRegime(regime string) {
	m.regimeTicks.WithLabelValues(regime).Inc()
}

// ObserveTickLag records the run loop's observed lag for one candle, in
// seconds.
func (m *Metrics) ObserveTickLag(lag time.Duration) {
	m.tickLag.Observe(lag.Seconds())
}

// SetSafetyState mirrors the Fabric's current safety gauges.
func (m *Metrics) SetSafetyState(killSwitchOn, tradingPaused bool, driftUnits float64) {
	m.killSwitchOn.Set(boolToFloat(killSwitchOn))
	m.tradingPaused.Set(boolToFloat(tradingPaused))
	m.reconciliationDrift.Set(driftUnits)
}

// SetBreakerOpen mirrors one module's circuit-breaker open/closed state.
func (m *Metrics) SetBreakerOpen(module string, open bool) {
	m.breakerOpen.WithLabelValues(module).Set(boolToFloat(open))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
