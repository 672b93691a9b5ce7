package execution

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func candle(low, high float64) types.Candle {
	return types.Candle{Low: dec(low), High: dec(high), Open: dec(low), Close: dec(high)}
}

func TestTrackOrderThenLinkStopLossAndTakeProfit(t *testing.T) {
	om := NewOrderManager(zap.NewNop())
	om.TrackOrder("order-1", "BTC/USD", types.OrderSideBuy, dec(1), dec(30000), "BTC/USD:ranging")
	om.LinkStopLoss("BTC/USD", dec(29500))
	om.LinkTakeProfit("BTC/USD", dec(31000))

	bracket := om.GetBracket("BTC/USD")
	require.NotNil(t, bracket)
	assert.True(t, bracket.StopLossPrice.Equal(dec(29500)))
	assert.True(t, bracket.TakeProfitPrice.Equal(dec(31000)))
	assert.Equal(t, BracketStatusOpen, bracket.Status)
}

func TestCheckTriggerDetectsStopLossOnLongPosition(t *testing.T) {
	om := NewOrderManager(zap.NewNop())
	om.TrackOrder("order-1", "BTC/USD", types.OrderSideBuy, dec(1), dec(30000), "BTC/USD:ranging")
	om.LinkStopLoss("BTC/USD", dec(29500))
	om.LinkTakeProfit("BTC/USD", dec(31000))

	bracket, status := om.CheckTrigger("BTC/USD", candle(29400, 29800))
	require.NotNil(t, bracket)
	assert.Equal(t, BracketStatusStopped, status)
}

func TestCheckTriggerDetectsTakeProfitOnShortPosition(t *testing.T) {
	om := NewOrderManager(zap.NewNop())
	om.TrackOrder("order-1", "BTC/USD", types.OrderSideSell, dec(1), dec(30000), "BTC/USD:ranging")
	om.LinkStopLoss("BTC/USD", dec(30600))
	om.LinkTakeProfit("BTC/USD", dec(29200))

	bracket, status := om.CheckTrigger("BTC/USD", candle(29100, 29900))
	require.NotNil(t, bracket)
	assert.Equal(t, BracketStatusTargeted, status)
}

func TestCheckTriggerReturnsNilWhenWithinBand(t *testing.T) {
	om := NewOrderManager(zap.NewNop())
	om.TrackOrder("order-1", "BTC/USD", types.OrderSideBuy, dec(1), dec(30000), "BTC/USD:ranging")
	om.LinkStopLoss("BTC/USD", dec(29500))
	om.LinkTakeProfit("BTC/USD", dec(31000))

	bracket, status := om.CheckTrigger("BTC/USD", candle(29900, 30100))
	assert.Nil(t, bracket)
	assert.Equal(t, BracketStatus(""), status)
}

func TestResolveRemovesBracket(t *testing.T) {
	om := NewOrderManager(zap.NewNop())
	om.TrackOrder("order-1", "BTC/USD", types.OrderSideBuy, dec(1), dec(30000), "BTC/USD:ranging")
	om.Resolve("BTC/USD", BracketStatusStopped)

	assert.Nil(t, om.GetBracket("BTC/USD"))
}

func TestCancelLinkedOrdersDropsBracketWithoutTrigger(t *testing.T) {
	om := NewOrderManager(zap.NewNop())
	om.TrackOrder("order-1", "BTC/USD", types.OrderSideBuy, dec(1), dec(30000), "BTC/USD:ranging")
	om.CancelLinkedOrders("BTC/USD")

	assert.Nil(t, om.GetBracket("BTC/USD"))
}

func TestTrackOrderReplacesPriorBracketOnSameSymbol(t *testing.T) {
	om := NewOrderManager(zap.NewNop())
	om.TrackOrder("order-1", "BTC/USD", types.OrderSideBuy, dec(1), dec(30000), "BTC/USD:ranging")
	om.TrackOrder("order-2", "BTC/USD", types.OrderSideSell, dec(2), dec(31000), "BTC/USD:trending")

	bracket := om.GetBracket("BTC/USD")
	require.NotNil(t, bracket)
	assert.Equal(t, "order-2", bracket.ParentOrderID)
	assert.Equal(t, types.OrderSideSell, bracket.Side)
}
