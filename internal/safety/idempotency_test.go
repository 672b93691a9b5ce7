package safety

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestIntentCacheReturnsPriorRecordForSameIntent(t *testing.T) {
	cache := NewIntentCache(5*time.Minute, time.Second)
	now := time.Now()
	id := IntentID("BTC/USD", types.OrderSideBuy, decimal.NewFromFloat(1), decimal.NewFromFloat(30000), now, time.Second)

	first, existed := cache.SubmitOrGet(id, now, func() types.IntentRecord {
		return types.IntentRecord{Symbol: "BTC/USD", Side: types.OrderSideBuy, CreatedAt: now, Status: types.IntentStatusSubmitted}
	})
	require.False(t, existed)

	second, existed := cache.SubmitOrGet(id, now.Add(time.Millisecond), func() types.IntentRecord {
		t.Fatal("create must not be called when an intent already exists")
		return types.IntentRecord{}
	})
	require.True(t, existed)
	require.Equal(t, first.IntentID, second.IntentID)
}

func TestIntentCacheEvictsExpiredIntents(t *testing.T) {
	cache := NewIntentCache(time.Minute, time.Second)
	now := time.Now()
	id := IntentID("BTC/USD", types.OrderSideSell, decimal.NewFromFloat(1), decimal.NewFromFloat(100), now, time.Second)

	_, existed := cache.SubmitOrGet(id, now, func() types.IntentRecord {
		return types.IntentRecord{CreatedAt: now, Status: types.IntentStatusSubmitted}
	})
	require.False(t, existed)

	created := false
	_, existed = cache.SubmitOrGet(id, now.Add(2*time.Minute), func() types.IntentRecord {
		created = true
		return types.IntentRecord{CreatedAt: now.Add(2 * time.Minute), Status: types.IntentStatusSubmitted}
	})
	require.False(t, existed)
	require.True(t, created, "expired intent must not block a fresh submission")
}

func TestIntentIDIsStableWithinTimeBucket(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	a := IntentID("BTC/USD", types.OrderSideBuy, decimal.NewFromFloat(1), decimal.NewFromFloat(30000), now, time.Second)
	b := IntentID("BTC/USD", types.OrderSideBuy, decimal.NewFromFloat(1), decimal.NewFromFloat(30000), now.Add(200*time.Millisecond), time.Second)
	require.Equal(t, a, b)
}
