package safety

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func newTestFabric(t *testing.T) *Fabric {
	dir := t.TempDir()
	f := New(zap.NewNop(), DefaultConfig(),
		filepath.Join(dir, "killswitch.flag"),
		filepath.Join(dir, "killswitch.log"),
		filepath.Join(dir, "instance.lock"),
		DefaultBreakerConfig())
	require.NoError(t, f.Start())
	t.Cleanup(func() { _ = f.Stop() })
	return f
}

func TestKillSwitchGateBlocksAllPaths(t *testing.T) {
	f := newTestFabric(t)
	now := time.Now()
	require.NoError(t, f.CheckGates(now, ""))

	require.NoError(t, f.KillSwitch().Activate("manual_test", now))
	require.ErrorIs(t, f.CheckGates(now, ""), ErrKillSwitchActive)

	require.NoError(t, f.KillSwitch().Deactivate(now))
	require.NoError(t, f.CheckGates(now, ""))
}

func TestStaleFeedPauseAndRecovery(t *testing.T) {
	f := newTestFabric(t)
	base := time.Now()
	f.OnCandle(base)

	f.CheckFeedStaleness(base.Add(40 * time.Second))
	require.Error(t, f.CheckGates(base.Add(40*time.Second), ""))
	require.True(t, f.GetState().FeedStale)

	f.OnCandle(base.Add(41 * time.Second))
	require.True(t, f.GetState().FeedStale, "needs two fresh candles before clearing")
	f.OnCandle(base.Add(42 * time.Second))
	require.False(t, f.GetState().FeedStale)
	require.NoError(t, f.CheckGates(base.Add(42*time.Second), ""))
}

func TestEventLoopLagPausesAtThreshold(t *testing.T) {
	f := newTestFabric(t)
	base := time.Now()
	f.OnTick(base)
	f.OnTick(base.Add(600 * time.Millisecond))
	require.True(t, f.GetState().LoopStalled)
	require.Error(t, f.CheckGates(base.Add(600*time.Millisecond), ""))
}

func TestModuleBreakerTripsAfterThreshold(t *testing.T) {
	f := newTestFabric(t)
	for i := 0; i < 6; i++ {
		f.Breakers().ReportCritical("aggregator", require.AnError)
	}
	require.ErrorIs(t, f.CheckGates(time.Now(), "aggregator"), ErrModuleBreakerOpen)
	require.NoError(t, f.CheckGates(time.Now(), "regime"), "breaker is scoped per module")
}

func TestPauseIsOneWayLatchByReason(t *testing.T) {
	f := newTestFabric(t)
	f.PauseTrading("stale_feed")
	f.ClearPause("event_loop_lag")
	require.True(t, f.GetState().TradingPaused, "clearing the wrong reason must not release the latch")
	f.ClearPause("stale_feed")
	require.False(t, f.GetState().TradingPaused)
}

func TestPauseAndClearFireAlertsSynchronously(t *testing.T) {
	f := newTestFabric(t)
	var mu sync.Mutex
	var frames []types.AlertFrame
	f.OnAlert(func(fr types.AlertFrame) {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, fr)
	})

	f.PauseTrading("stale_feed")
	f.ClearPause("stale_feed")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 2, "latch and clear must each push exactly one alert")
	require.Equal(t, types.AlertSeverityCritical, frames[0].Severity)
	require.Equal(t, "stale_feed", frames[0].Reason)
	require.Equal(t, types.AlertSeverityInfo, frames[1].Severity)
	require.Equal(t, "stale_feed_cleared", frames[1].Reason)
}

func TestKillSwitchActivationPushesAlertWithoutPolling(t *testing.T) {
	f := newTestFabric(t)
	var mu sync.Mutex
	var frames []types.AlertFrame
	f.OnAlert(func(fr types.AlertFrame) {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, fr)
	})

	require.NoError(t, f.KillSwitch().Activate("manual_test", time.Now()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, time.Second, 5*time.Millisecond, "activation must be observed via the filesystem watch, not a fixed poll")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "kill_switch", frames[0].Reason)
	require.Equal(t, types.AlertSeverityCritical, frames[0].Severity)
}
