package safety

import (
	"time"

	"go.uber.org/zap"
)

// ResolveTradingMode implements the Two-Key Live Safety gate: live
// execution requires both ENABLE_LIVE and CONFIRM_LIVE, or the requested
// mode is downgraded to paper. countdown runs a 10s
// startup banner/countdown immediately before a live activation; pass a
// no-op for tests.
func ResolveTradingMode(logger *zap.Logger, requested string, enableLive, confirmLive bool, countdown func(time.Duration)) string {
	if requested != "LIVE" {
		return requested
	}
	if !enableLive || !confirmLive {
		logger.Warn("live trading requested without both two-key flags set, falling back to paper",
			zap.Bool("enableLive", enableLive), zap.Bool("confirmLive", confirmLive))
		return "PAPER"
	}

	logger.Warn(bannerText())
	if countdown != nil {
		countdown(10 * time.Second)
	}
	return "LIVE"
}

func bannerText() string {
	return "LIVE TRADING ENABLED - both ENABLE_LIVE_TRADING and CONFIRM_LIVE_TRADING are set"
}
