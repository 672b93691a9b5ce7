package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// IntentCache is the concurrent, TTL-evicting idempotency cache: a
// submission whose intentId already has an outstanding record returns the
// prior record rather than issuing a new order.
type IntentCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	bucket  time.Duration
	records map[string]types.IntentRecord
}

// NewIntentCache constructs an IntentCache with a configurable TTL and a
// time-bucket width. The cache only stores the width: IntentID takes its
// bucket as an argument and does not read it from the cache.
func NewIntentCache(ttl, timeBucket time.Duration) *IntentCache {
	return &IntentCache{ttl: ttl, bucket: timeBucket, records: make(map[string]types.IntentRecord)}
}

// DefaultIntentCache returns the default 5-minute-TTL cache with a
// minute-wide time bucket.
func DefaultIntentCache() *IntentCache {
	return NewIntentCache(5*time.Minute, time.Minute)
}

// IntentID derives the content-hash intentId over {symbol, side, quantity,
// price rounded to two decimal places, time bucket}.
func IntentID(symbol string, side types.OrderSide, quantity, price decimal.Decimal, now time.Time, bucket time.Duration) string {
	bucketed := now.Truncate(bucket).UnixNano()
	raw := fmt.Sprintf("%s|%s|%s|%s|%d", symbol, side, quantity.String(), price.Round(2).String(), bucketed)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SubmitOrGet returns the existing IntentRecord for intentId if one is
// still live (not expired), otherwise registers and returns a new one via
// create.
func (c *IntentCache) SubmitOrGet(intentID string, now time.Time, create func() types.IntentRecord) (types.IntentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked(now)

	if existing, ok := c.records[intentID]; ok {
		return existing, true
	}
	rec := create()
	rec.IntentID = intentID
	rec.TTL = c.ttl
	c.records[intentID] = rec
	return rec, false
}

// UpdateStatus transitions a known intent's status (e.g. accepted/
// rejected) once the broker responds.
func (c *IntentCache) UpdateStatus(intentID string, status types.IntentStatus, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[intentID]
	if !ok {
		return
	}
	rec.Status = status
	rec.OrderID = orderID
	c.records[intentID] = rec
}

func (c *IntentCache) evictExpiredLocked(now time.Time) {
	for id, rec := range c.records {
		if rec.Expired(now) {
			delete(c.records, id)
		}
	}
}
