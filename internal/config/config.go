// Package config loads startup configuration from the environment via
// viper, binding server, risk, and safety settings in one pass.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TradingMode selects the execution path the core routes decisions through.
type TradingMode string

const (
	ModePaper    TradingMode = "PAPER"
	ModeLive     TradingMode = "LIVE"
	ModeBacktest TradingMode = "BACKTEST"
)

// Config is the fully resolved startup configuration, bound from the
// environment variables named in the design.
type Config struct {
	TradingMode        TradingMode
	EnableLiveTrading  bool
	ConfirmLiveTrading bool
	PolygonAPIKey      string
	TradingPair        string
	WSPort             int
	APIPort            int
	WebSocketAuthToken string

	// Filesystem layout, relative to InstallRoot unless absolute.
	InstallRoot string

	// Safety Fabric tuning, kept configurable so regime/safety thresholds
	// are never scattered literals.
	ReconcileInterval        time.Duration
	ReconcileWarnThreshold   float64
	ReconcilePauseThreshold  float64
	EventLoopWarnLag         time.Duration
	EventLoopPauseLag        time.Duration
	StaleFeedWarnAfter       time.Duration
	StaleFeedPauseAfter      time.Duration
	StaleFeedRecoveryCandles int
	CircuitBreakerThreshold  int
	CircuitBreakerCooldown   time.Duration
	IntentTTL                time.Duration
	KillSwitchCacheTTL       time.Duration
	LiveCountdown            time.Duration

	BackfillLookbackDays   int
	BackfillInterRequest   time.Duration
	BackfillRequestTimeout time.Duration
}

// Load binds environment variables (with the TRADING_ prefix left bare, as
// these names are fixed by the design rather than namespaced) and returns the
// resolved Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("TRADING_MODE", string(ModePaper))
	v.SetDefault("ENABLE_LIVE_TRADING", false)
	v.SetDefault("CONFIRM_LIVE_TRADING", false)
	v.SetDefault("TRADING_PAIR", "BTC-USD")
	v.SetDefault("WS_PORT", 3010)
	v.SetDefault("API_PORT", 8080)
	v.SetDefault("INSTALL_ROOT", ".")

	cfg := &Config{
		TradingMode:        TradingMode(strings.ToUpper(v.GetString("TRADING_MODE"))),
		EnableLiveTrading:  v.GetBool("ENABLE_LIVE_TRADING"),
		ConfirmLiveTrading: v.GetBool("CONFIRM_LIVE_TRADING"),
		PolygonAPIKey:      v.GetString("POLYGON_API_KEY"),
		TradingPair:        normalizePair(v.GetString("TRADING_PAIR")),
		WSPort:             v.GetInt("WS_PORT"),
		APIPort:            v.GetInt("API_PORT"),
		WebSocketAuthToken: v.GetString("WEBSOCKET_AUTH_TOKEN"),
		InstallRoot:        v.GetString("INSTALL_ROOT"),

		ReconcileInterval:        30 * time.Second,
		ReconcileWarnThreshold:   0.001,
		ReconcilePauseThreshold:  0.01,
		EventLoopWarnLag:         100 * time.Millisecond,
		EventLoopPauseLag:        500 * time.Millisecond,
		StaleFeedWarnAfter:       5 * time.Second,
		StaleFeedPauseAfter:      30 * time.Second,
		StaleFeedRecoveryCandles: 2,
		CircuitBreakerThreshold:  5,
		CircuitBreakerCooldown:   60 * time.Second,
		IntentTTL:                5 * time.Minute,
		KillSwitchCacheTTL:       time.Second,
		LiveCountdown:            10 * time.Second,

		BackfillLookbackDays:   30,
		BackfillInterRequest:   200 * time.Millisecond,
		BackfillRequestTimeout: 30 * time.Second,
	}

	switch cfg.TradingMode {
	case ModePaper, ModeLive, ModeBacktest:
	default:
		return nil, fmt.Errorf("config: unrecognized TRADING_MODE %q", cfg.TradingMode)
	}

	if cfg.TradingMode == ModeLive && !(cfg.EnableLiveTrading && cfg.ConfirmLiveTrading) {
		cfg.TradingMode = ModePaper
	}

	return cfg, nil
}

func normalizePair(pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	pair = strings.ReplaceAll(pair, "-", "/")
	pair = strings.ReplaceAll(pair, "_", "/")
	return pair
}

// ModeSuffix is the lowercase mode tag used in the `./data/*.{mode}.json`
// filenames of the design.
func (c *Config) ModeSuffix() string {
	return strings.ToLower(string(c.TradingMode))
}
