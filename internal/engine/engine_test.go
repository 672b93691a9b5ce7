package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/admin"
	"github.com/atlas-desktop/trading-backend/internal/aggregator"
	"github.com/atlas-desktop/trading-backend/internal/execution"
	"github.com/atlas-desktop/trading-backend/internal/macross"
	"github.com/atlas-desktop/trading-backend/internal/pattern"
	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/relay"
	"github.com/atlas-desktop/trading-backend/internal/safety"
	"github.com/atlas-desktop/trading-backend/internal/state"
	"github.com/atlas-desktop/trading-backend/internal/tpo"
	"github.com/atlas-desktop/trading-backend/internal/voting"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	dir := t.TempDir()
	logger := zap.NewNop()

	fabric := safety.New(logger, safety.DefaultConfig(),
		filepath.Join(dir, "killswitch.flag"), filepath.Join(dir, "killswitch.log"),
		filepath.Join(dir, "instance.lock"), safety.DefaultBreakerConfig())
	require.NoError(t, fabric.Start())
	t.Cleanup(func() { _ = fabric.Stop() })

	paper := execution.NewPaperAdapter(logger, decimal.NewFromInt(100000))
	gated := execution.NewGatedAdapter(logger, paper, fabric, safety.DefaultIntentCache())
	stateStore := state.New(logger, state.PathForMode(dir, "paper"))

	return New(
		logger, "BTC/USD",
		aggregator.New(logger, "BTC/USD"),
		regime.New(logger, regime.DefaultConfig()),
		macross.New(macross.DefaultConfig()),
		tpo.New(tpo.DefaultConfig()),
		pattern.New(logger, filepath.Join(dir, "patterns.json"), 500),
		voting.New(logger, voting.DefaultConfig()),
		fabric,
		gated,
		execution.NewOrderManager(logger),
		relay.NewHub(logger, "secret"),
		stateStore,
		admin.NewMetrics(),
		decimal.NewFromInt(1),
	)
}

func candleAt(tsMillis int64, price float64) types.Candle {
	p := decimal.NewFromFloat(price)
	return types.Candle{
		TimestampMillis: tsMillis,
		Open:            p, High: p, Low: p, Close: p,
		Volume:          decimal.NewFromFloat(10),
	}
}

func TestOnCandleIngestsWithoutErrorBelowHistoryFloor(t *testing.T) {
	e := newTestEngine(t)
	err := e.OnCandle(context.Background(), candleAt(60_000, 100))
	require.NoError(t, err)
}

func TestOnCandleRejectsMalformedCandle(t *testing.T) {
	e := newTestEngine(t)
	bad := types.Candle{
		TimestampMillis: 60_000,
		Open:            decimal.NewFromFloat(100), High: decimal.NewFromFloat(100),
		Low:             decimal.NewFromFloat(105), Close: decimal.NewFromFloat(100),
		Volume:          decimal.NewFromFloat(10),
	}
	err := e.OnCandle(context.Background(), bad)
	require.Error(t, err)
}

func TestOnCandleAdvancesThroughManyBarsWithoutPanicking(t *testing.T) {
	e := newTestEngine(t)
	base := int64(60_000)
	price := 100.0
	for i := 0; i < 400; i++ {
		price += float64(i%5) - 2
		err := e.OnCandle(context.Background(), candleAt(base+int64(i)*60_000, price))
		require.NoError(t, err)
	}
}

func TestOnCandleRespectsKillSwitch(t *testing.T) {
	e := newTestEngine(t)
	e.brackets.TrackOrder("order-1", "BTC/USD", types.OrderSideBuy,
		decimal.NewFromInt(1), decimal.NewFromFloat(100), "BTC/USD:ranging")
	e.brackets.LinkStopLoss("BTC/USD", decimal.NewFromFloat(95))
	require.NoError(t, e.fabric.KillSwitch().Activate("test", time.Now()))

	err := e.OnCandle(context.Background(), candleAt(60_000, 90))
	require.NoError(t, err, "a gated submission failure must not fault the run loop")
	require.NotNil(t, e.brackets.GetBracket("BTC/USD"), "the kill switch must block the bracket's closing order")
}

func TestOnCandleClosesBracketOnStopLossCross(t *testing.T) {
	e := newTestEngine(t)
	e.brackets.TrackOrder("order-1", "BTC/USD", types.OrderSideBuy,
		decimal.NewFromInt(1), decimal.NewFromFloat(100), "BTC/USD:ranging")
	e.brackets.LinkStopLoss("BTC/USD", decimal.NewFromFloat(95))
	e.brackets.LinkTakeProfit("BTC/USD", decimal.NewFromFloat(110))

	err := e.OnCandle(context.Background(), candleAt(60_000, 90))
	require.NoError(t, err)
	require.Nil(t, e.brackets.GetBracket("BTC/USD"), "a stop-loss cross must resolve the bracket")
}
