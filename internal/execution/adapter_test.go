package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/safety"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func newTestGatedAdapter(t *testing.T) (*GatedAdapter, *PaperAdapter, *safety.Fabric) {
	dir := t.TempDir()
	fabric := safety.New(zap.NewNop(), safety.DefaultConfig(),
		filepath.Join(dir, "killswitch.flag"), filepath.Join(dir, "killswitch.log"),
		filepath.Join(dir, "instance.lock"), safety.DefaultBreakerConfig())
	require.NoError(t, fabric.Start())
	t.Cleanup(func() { _ = fabric.Stop() })

	paper := NewPaperAdapter(zap.NewNop(), decimal.NewFromInt(10000))
	gated := NewGatedAdapter(zap.NewNop(), paper, fabric, safety.DefaultIntentCache())
	return gated, paper, fabric
}

func testOrder() *types.Order {
	return &types.Order{
		Symbol:   "BTC/USD", Side: types.OrderSideBuy, Type: types.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(1), Price: decimal.NewFromFloat(30000),
	}
}

func TestSubmitFillsThroughPaperAdapter(t *testing.T) {
	gated, _, _ := newTestGatedAdapter(t)
	order, err := gated.Submit(context.Background(), testOrder(), "")
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusFilled, order.Status)

	positions, err := gated.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, types.PositionSideLong, positions[0].Side)
}

func TestSubmitBlockedByKillSwitch(t *testing.T) {
	gated, _, fabric := newTestGatedAdapter(t)
	require.NoError(t, fabric.KillSwitch().Activate("test", time.Now()))

	_, err := gated.Submit(context.Background(), testOrder(), "")
	require.ErrorIs(t, err, safety.ErrKillSwitchActive)
}

func TestDuplicateSubmissionReturnsPriorRecordNotANewOrder(t *testing.T) {
	gated, paper, _ := newTestGatedAdapter(t)
	order := testOrder()

	first, err := gated.Submit(context.Background(), order, "")
	require.NoError(t, err)

	second, err := gated.Submit(context.Background(), order, "")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	positions, err := paper.Positions(context.Background())
	require.NoError(t, err)
	require.True(t, positions[0].Quantity.Equal(decimal.NewFromFloat(1)), "a duplicate submission must not double the fill")
}
