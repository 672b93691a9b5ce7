// Package safety implements the Safety Fabric: seven cooperating gates
// the trading hot path must pass before an order is submitted. It uses a
// mutex-guarded state plus typed-violation idiom throughout, covering
// kill-switch, breaker, and reconciliation gates that must run in a
// fixed order.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// ErrTradingPaused is returned by CheckGates when any pause-capable
// mechanism has latched tradingPaused.
var ErrTradingPaused = fmt.Errorf("safety: trading paused")

// Fabric is the Safety Fabric singleton. It owns SafetyState exclusively;
// every other component reads it only through GetState's value copy.
type Fabric struct {
	mu     sync.RWMutex
	logger *zap.Logger

	killSwitch *KillSwitch
	singleton  *SingletonLock
	breakers   *ModuleBreakers

	state types.SafetyState

	lastCandleAt       time.Time
	staleWarnAfter     time.Duration
	stalePauseAfter    time.Duration
	freshCandlesNeeded int
	freshCandleStreak  int

	lastTickAt        time.Time
	lagWarnThreshold  time.Duration
	lagPauseThreshold time.Duration

	alertFn     func(types.AlertFrame)
	watchCancel context.CancelFunc
}

// Config tunes the Stale-Feed and Event-Loop Health Monitor thresholds of
// the design.
type Config struct {
	StaleFeedWarnAfter    time.Duration
	StaleFeedPauseAfter   time.Duration
	StaleFeedRecoveryBars int
	LoopLagWarn           time.Duration
	LoopLagPause          time.Duration
}

// DefaultConfig matches the design's stated thresholds.
func DefaultConfig() Config {
	return Config{
		StaleFeedWarnAfter:    5 * time.Second,
		StaleFeedPauseAfter:   30 * time.Second,
		StaleFeedRecoveryBars: 2,
		LoopLagWarn:           100 * time.Millisecond,
		LoopLagPause:          500 * time.Millisecond,
	}
}

// New constructs a Fabric with all sub-mechanisms wired.
func New(logger *zap.Logger, cfg Config, killSwitchPath, auditLogPath, singletonLockPath string, breakerConfig BreakerConfig) *Fabric {
	log := logger.Named("safety")
	return &Fabric{
		logger:     log,
		killSwitch: NewKillSwitch(log, killSwitchPath, auditLogPath),
		singleton:  NewSingletonLock(log, singletonLockPath),
		breakers:   NewModuleBreakers(log, breakerConfig),
		state:      types.SafetyState{
			PerModuleErrorCounts: make(map[string]int),
			CircuitBreakerOpen:   make(map[string]bool),
		},
		staleWarnAfter:     cfg.StaleFeedWarnAfter,
		stalePauseAfter:    cfg.StaleFeedPauseAfter,
		freshCandlesNeeded: cfg.StaleFeedRecoveryBars,
		lagWarnThreshold:   cfg.LoopLagWarn,
		lagPauseThreshold:  cfg.LoopLagPause,
	}
}

// Start acquires the singleton lock and begins watching the kill switch's
// flag file for out-of-process activation, so a separate `killswitch on/off`
// invocation is observed the instant it happens rather than on a poll.
// Callers must call it once before any other Fabric method and must call
// Stop on shutdown.
func (f *Fabric) Start() error {
	if err := f.singleton.Acquire(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.killSwitch.Watch(ctx, f.onKillSwitchChange); err != nil {
		cancel()
		f.singleton.Release()
		return err
	}
	f.watchCancel = cancel
	return nil
}

// Stop stops the kill switch watch and releases the singleton lock on
// orderly shutdown.
func (f *Fabric) Stop() error {
	if f.watchCancel != nil {
		f.watchCancel()
	}
	return f.singleton.Release()
}

// KillSwitch exposes the Fabric's kill switch for CLI subcommands
// (start, killswitch on/off/status) that need direct access.
func (f *Fabric) KillSwitch() *KillSwitch { return f.killSwitch }

// Breakers exposes the per-module breaker registry.
func (f *Fabric) Breakers() *ModuleBreakers { return f.breakers }

// OnAlert registers fn to be invoked synchronously the instant a pause
// latches or clears, or the kill switch toggles. A server wires this to
// its relay hub's BroadcastAlert so the dashboard contract stays pushed,
// never polled.
func (f *Fabric) OnAlert(fn func(types.AlertFrame)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertFn = fn
}

func (f *Fabric) fireAlert(severity types.AlertSeverity, reason string, since time.Time) {
	f.mu.RLock()
	fn := f.alertFn
	f.mu.RUnlock()
	if fn == nil {
		return
	}
	fn(types.AlertFrame{Severity: severity, Reason: reason, SinceTimestamp: since.UnixMilli()})
}

func (f *Fabric) onKillSwitchChange(on bool, at time.Time) {
	if on {
		f.logger.Warn("kill switch activation observed", zap.Time("at", at))
		f.fireAlert(types.AlertSeverityCritical, "kill_switch", at)
		return
	}
	f.logger.Info("kill switch deactivation observed", zap.Time("at", at))
	f.fireAlert(types.AlertSeverityInfo, "kill_switch_cleared", at)
}

// GetState returns a consistent copy of the owned SafetyState. KillSwitchOn
// is read live from the kill switch rather than cached in state, since it
// can flip from an entirely separate `killswitch on/off` process.
func (f *Fabric) GetState() types.SafetyState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := f.state
	cp.KillSwitchOn = f.killSwitch.IsOn(time.Now())
	cp.PerModuleErrorCounts = copyIntMap(f.state.PerModuleErrorCounts)
	cp.CircuitBreakerOpen = f.breakers.OpenModules()
	return cp
}

func copyIntMap(m map[string]int) map[string]int {
	cp := make(map[string]int, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// PauseTrading latches tradingPaused with the given reason. It is a
// one-way latch per originating reason: ClearPause only clears a pause it
// matches.
func (f *Fabric) PauseTrading(reason string) {
	now := time.Now()
	f.mu.Lock()
	changed := f.latchPauseLocked(reason, now)
	f.mu.Unlock()
	if !changed {
		return
	}
	f.logger.Warn("trading paused", zap.String("reason", reason))
	f.fireAlert(types.AlertSeverityCritical, reason, now)
}

// latchPauseLocked sets the one-way pause latch if it isn't already held;
// the caller must hold f.mu.
func (f *Fabric) latchPauseLocked(reason string, now time.Time) bool {
	if f.state.TradingPaused {
		return false
	}
	f.state.TradingPaused = true
	f.state.PauseReason = reason
	f.state.PausedAt = now
	return true
}

// ClearPause releases a pause, but only if reason matches the one that
// latched it — the latch is owned by its originating mechanism.
func (f *Fabric) ClearPause(reason string) {
	now := time.Now()
	f.mu.Lock()
	changed := f.clearPauseLocked(reason)
	f.mu.Unlock()
	if !changed {
		return
	}
	f.logger.Info("trading pause cleared", zap.String("reason", reason))
	f.fireAlert(types.AlertSeverityInfo, reason+"_cleared", now)
}

// clearPauseLocked releases the pause latch if reason matches the one that
// holds it; the caller must hold f.mu.
func (f *Fabric) clearPauseLocked(reason string) bool {
	if f.state.PauseReason != reason {
		return false
	}
	f.state.TradingPaused = false
	f.state.PauseReason = ""
	f.state.PausedAt = time.Time{}
	return true
}

func (f *Fabric) recordReconciliation(drift decimal.Decimal, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.ReconciliationDriftUnits = drift
	f.state.LastReconciliationAt = now
}

// OnCandle records feed liveness for the Stale-Feed Auto-Pause mechanism.
// It must be called once per ingested candle.
func (f *Fabric) OnCandle(now time.Time) {
	f.mu.Lock()
	f.lastCandleAt = now
	cleared := false
	if f.state.FeedStale {
		f.freshCandleStreak++
		if f.freshCandleStreak >= f.freshCandlesNeeded {
			f.state.FeedStale = false
			f.freshCandleStreak = 0
			cleared = f.clearPauseLocked("stale_feed")
		}
	}
	f.mu.Unlock()
	if cleared {
		f.logger.Info("stale feed recovered, pause cleared")
		f.fireAlert(types.AlertSeverityInfo, "stale_feed_cleared", now)
	}
}

// CheckFeedStaleness evaluates lastCandleAt against now and warns/pauses
//. Callers invoke this on a fixed cadence (e.g. each loop
// tick), not only on candle arrival, since staleness is detected by
// absence of candles.
func (f *Fabric) CheckFeedStaleness(now time.Time) {
	f.mu.Lock()
	if f.lastCandleAt.IsZero() {
		f.mu.Unlock()
		return
	}
	elapsed := now.Sub(f.lastCandleAt)
	latched := false
	switch {
	case elapsed > f.stalePauseAfter:
		if !f.state.FeedStale {
			f.state.FeedStale = true
			f.freshCandleStreak = 0
			f.logger.Error("feed stale beyond pause threshold", zap.Duration("elapsed", elapsed))
		}
		latched = f.latchPauseLocked("stale_feed", now)
	case elapsed > f.staleWarnAfter:
		f.logger.Warn("feed stale beyond warn threshold", zap.Duration("elapsed", elapsed))
	}
	f.mu.Unlock()
	if latched {
		f.fireAlert(types.AlertSeverityCritical, "stale_feed", now)
	}
}

// OnTick records one event-loop tick for the Event-Loop Health Monitor and
// returns the lag observed since the previous tick.
func (f *Fabric) OnTick(now time.Time) time.Duration {
	f.mu.Lock()
	var lag time.Duration
	if !f.lastTickAt.IsZero() {
		lag = now.Sub(f.lastTickAt)
	}
	f.lastTickAt = now

	latched := false
	switch {
	case lag > f.lagPauseThreshold:
		f.state.LoopStalled = true
		latched = f.latchPauseLocked("event_loop_lag", now)
		f.logger.Error("event loop lag exceeds pause threshold", zap.Duration("lag", lag))
	case lag > f.lagWarnThreshold:
		f.logger.Warn("event loop lag exceeds warn threshold", zap.Duration("lag", lag))
	default:
		f.state.LoopStalled = false
	}
	f.mu.Unlock()
	if latched {
		f.fireAlert(types.AlertSeverityCritical, "event_loop_lag", now)
	}
	return lag
}

// CheckGates runs the fixed-order safety gate chain of the design: kill
// switch → single-instance lock (assumed already held by Start) →
// reconciliation pause → stale-feed pause → event-loop pause → per-module
// breaker → idempotency (performed separately by the idempotency cache
// at submission time). The first failing gate aborts the path.
func (f *Fabric) CheckGates(now time.Time, module string) error {
	if f.killSwitch.IsOn(now) {
		return ErrKillSwitchActive
	}

	f.mu.RLock()
	paused := f.state.TradingPaused
	reason := f.state.PauseReason
	f.mu.RUnlock()
	if paused {
		return fmt.Errorf("%w: %s", ErrTradingPaused, reason)
	}

	if module != "" {
		if err := f.breakers.Allow(module); err != nil {
			return err
		}
	}
	return nil
}
