package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrModuleBreakerOpen is returned when a per-module circuit breaker is
// open and blocking further operations.
var ErrModuleBreakerOpen = fmt.Errorf("safety: module circuit breaker open")

// BreakerConfig tunes the per-module circuit breaker threshold and
// half-open recovery window.
type BreakerConfig struct {
	ErrorThreshold   uint32
	HalfOpenAfter    time.Duration
	HalfOpenRequests uint32
}

// DefaultBreakerConfig matches the design's stated defaults: trip after more
// than 5 consecutive errors, allow a half-open probe after 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ErrorThreshold: 5, HalfOpenAfter: 60 * time.Second, HalfOpenRequests: 1}
}

// ModuleBreakers lazily creates and tracks one gobreaker.CircuitBreaker per
// named module, so an OPEN breaker in one module never affects another's
// operations.
type ModuleBreakers struct {
	mu       sync.Mutex
	logger   *zap.Logger
	config   BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	lastErr  map[string]error
}

// NewModuleBreakers constructs an empty registry of module breakers.
func NewModuleBreakers(logger *zap.Logger, config BreakerConfig) *ModuleBreakers {
	return &ModuleBreakers{
		logger:   logger.Named("breaker"),
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		lastErr:  make(map[string]error),
	}
}

func (m *ModuleBreakers) breakerFor(module string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[module]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        module,
		MaxRequests: m.config.HalfOpenRequests,
		Timeout:     m.config.HalfOpenAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > m.config.ErrorThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("module breaker state change",
				zap.String("module", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	m.breakers[module] = b
	return b
}

// ReportCritical increments the named module's failure count through the
// breaker and records the error, reportCritical.
func (m *ModuleBreakers) ReportCritical(module string, err error) {
	b := m.breakerFor(module)
	m.mu.Lock()
	m.lastErr[module] = err
	m.mu.Unlock()
	// Feed the failure into the breaker's counters without performing real
	// work: Execute always runs its callback, so we hand it a function that
	// only returns the error already observed.
	_, execErr := b.Execute(func() (interface{}, error) { return nil, err })
	if execErr != nil && execErr != err {
		m.logger.Warn("module breaker open, critical report rejected",
			zap.String("module", module), zap.Error(execErr))
	}
}

// ReportWarning only logs and records lastErr; it never trips the breaker.
func (m *ModuleBreakers) ReportWarning(module string, err error) {
	m.mu.Lock()
	m.lastErr[module] = err
	m.mu.Unlock()
	m.logger.Warn("module warning", zap.String("module", module), zap.Error(err))
}

// Allow checks whether the named module's breaker currently permits an
// operation, returning ErrModuleBreakerOpen if it does not.
func (m *ModuleBreakers) Allow(module string) error {
	b := m.breakerFor(module)
	if b.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: %s", ErrModuleBreakerOpen, module)
	}
	return nil
}

// Reset manually closes the named module's breaker (design's "manual reset").
func (m *ModuleBreakers) Reset(module string) {
	// gobreaker has no direct reset; recreating the breaker is equivalent
	// since it carries no state other than its rolling counters.
	m.mu.Lock()
	delete(m.breakers, module)
	delete(m.lastErr, module)
	m.mu.Unlock()
}

// OpenModules returns the names of every module whose breaker is OPEN, for
// SafetyState.circuitBreakerOpen.
func (m *ModuleBreakers) OpenModules() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State() == gobreaker.StateOpen
	}
	return out
}
