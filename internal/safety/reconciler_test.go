package safety

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFabricForReconciler(t *testing.T) *Fabric {
	dir := t.TempDir()
	f := New(zap.NewNop(), DefaultConfig(),
		filepath.Join(dir, "killswitch.flag"), filepath.Join(dir, "killswitch.log"),
		filepath.Join(dir, "instance.lock"), DefaultBreakerConfig())
	require.NoError(t, f.Start())
	t.Cleanup(func() { _ = f.Stop() })
	return f
}

func TestReconcileWithinWarnThresholdIsSilent(t *testing.T) {
	f := newFabricForReconciler(t)
	fetcher := func(ctx context.Context, symbol string) (RemotePosition, error) {
		return RemotePosition{Symbol: symbol, Quantity: decimal.NewFromFloat(1.0001), Known: true}, nil
	}
	r := NewReconciler(zap.NewNop(), DefaultReconcilerConfig(), fetcher, f)
	qty, err := r.ReconcileOne(context.Background(), LocalPosition{Symbol: "BTC/USD", Quantity: decimal.NewFromFloat(1.0)})
	require.NoError(t, err)
	require.True(t, qty.Equal(decimal.NewFromFloat(1.0)))
	require.False(t, f.GetState().TradingPaused)
}

func TestReconcileAutoCorrectsWithinPauseThreshold(t *testing.T) {
	f := newFabricForReconciler(t)
	fetcher := func(ctx context.Context, symbol string) (RemotePosition, error) {
		return RemotePosition{Symbol: symbol, Quantity: decimal.NewFromFloat(1.005), Known: true}, nil
	}
	r := NewReconciler(zap.NewNop(), DefaultReconcilerConfig(), fetcher, f)
	qty, err := r.ReconcileOne(context.Background(), LocalPosition{Symbol: "BTC/USD", Quantity: decimal.NewFromFloat(1.0)})
	require.NoError(t, err)
	require.True(t, qty.Equal(decimal.NewFromFloat(1.005)), "should adopt remote value")
	require.False(t, f.GetState().TradingPaused)
}

func TestReconcileBeyondPauseThresholdPausesTrading(t *testing.T) {
	f := newFabricForReconciler(t)
	fetcher := func(ctx context.Context, symbol string) (RemotePosition, error) {
		return RemotePosition{Symbol: symbol, Quantity: decimal.NewFromFloat(1.5), Known: true}, nil
	}
	r := NewReconciler(zap.NewNop(), DefaultReconcilerConfig(), fetcher, f)
	_, err := r.ReconcileOne(context.Background(), LocalPosition{Symbol: "BTC/USD", Quantity: decimal.NewFromFloat(1.0)})
	require.NoError(t, err)
	require.True(t, f.GetState().TradingPaused)
	require.Equal(t, "reconciliation_drift", f.GetState().PauseReason)
}

func TestReconcileUnknownRemoteIsHardStop(t *testing.T) {
	f := newFabricForReconciler(t)
	fetcher := func(ctx context.Context, symbol string) (RemotePosition, error) {
		return RemotePosition{Known: false}, nil
	}
	r := NewReconciler(zap.NewNop(), DefaultReconcilerConfig(), fetcher, f)
	_, err := r.ReconcileOne(context.Background(), LocalPosition{Symbol: "BTC/USD", Quantity: decimal.NewFromFloat(1.0)})
	require.Error(t, err)
	require.True(t, f.GetState().TradingPaused)
}

func TestTwoKeyLiveSafetyFallsBackToPaper(t *testing.T) {
	mode := ResolveTradingMode(zap.NewNop(), "LIVE", true, false, nil)
	require.Equal(t, "PAPER", mode)

	var waited time.Duration
	mode = ResolveTradingMode(zap.NewNop(), "LIVE", true, true, func(d time.Duration) { waited = d })
	require.Equal(t, "LIVE", mode)
	require.Equal(t, 10*time.Second, waited)
}
