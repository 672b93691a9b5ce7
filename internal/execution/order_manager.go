package execution

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// BracketStatus is a tracked bracket's lifecycle state.
type BracketStatus string

const (
	BracketStatusOpen      BracketStatus = "open"
	BracketStatusStopped   BracketStatus = "stopped"
	BracketStatusTargeted  BracketStatus = "targeted"
	BracketStatusCancelled BracketStatus = "cancelled"
)

// ManagedOrder is the stop-loss/take-profit bracket linked to the order
// that opened a position. A TradeDecision always carries both prices, so
// every filled entry gets one of these; nothing submits a real stop or
// limit order to the exchange, the bracket is checked against each
// following candle instead.
type ManagedOrder struct {
	ParentOrderID   string          `json:"parentOrderId"`
	Symbol          string          `json:"symbol"`
	Side            types.OrderSide `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	EntryPrice      decimal.Decimal `json:"entryPrice"`
	PatternKey      string          `json:"patternKey"`
	StopLossPrice   decimal.Decimal `json:"stopLossPrice"`
	TakeProfitPrice decimal.Decimal `json:"takeProfitPrice"`
	Status          BracketStatus   `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// OrderManager tracks open brackets per symbol. A symbol carries at most
// one open bracket at a time, matching the Engine's single-position-per-
// symbol model.
type OrderManager struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	brackets map[string]*ManagedOrder // keyed by symbol
}

// NewOrderManager constructs an empty bracket tracker.
func NewOrderManager(logger *zap.Logger) *OrderManager {
	return &OrderManager{
		logger:   logger.Named("order-manager"),
		brackets: make(map[string]*ManagedOrder),
	}
}

// TrackOrder registers a freshly filled parent order's bracket levels,
// replacing any bracket already open on the symbol.
func (om *OrderManager) TrackOrder(parentOrderID, symbol string, side types.OrderSide, quantity, entryPrice decimal.Decimal, patternKey string) *ManagedOrder {
	om.mu.Lock()
	defer om.mu.Unlock()

	now := time.Now()
	bracket := &ManagedOrder{
		ParentOrderID: parentOrderID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity,
		EntryPrice:    entryPrice,
		PatternKey:    patternKey,
		Status:        BracketStatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	om.brackets[symbol] = bracket

	om.logger.Info("order-manager: tracking bracket",
		zap.String("parentOrderId", parentOrderID), zap.String("symbol", symbol))
	return bracket
}

// LinkStopLoss sets the stop-loss level on symbol's open bracket.
func (om *OrderManager) LinkStopLoss(symbol string, price decimal.Decimal) {
	om.mu.Lock()
	defer om.mu.Unlock()
	if b, ok := om.brackets[symbol]; ok {
		b.StopLossPrice = price
		b.UpdatedAt = time.Now()
	}
}

// LinkTakeProfit sets the take-profit level on symbol's open bracket.
func (om *OrderManager) LinkTakeProfit(symbol string, price decimal.Decimal) {
	om.mu.Lock()
	defer om.mu.Unlock()
	if b, ok := om.brackets[symbol]; ok {
		b.TakeProfitPrice = price
		b.UpdatedAt = time.Now()
	}
}

// CancelLinkedOrders drops symbol's open bracket without closing the
// underlying position, for a decision that flattens or reverses outside
// the stop/target path.
func (om *OrderManager) CancelLinkedOrders(symbol string) {
	om.mu.Lock()
	defer om.mu.Unlock()
	if b, ok := om.brackets[symbol]; ok {
		b.Status = BracketStatusCancelled
		b.UpdatedAt = time.Now()
		delete(om.brackets, symbol)
	}
}

// GetBracket returns symbol's open bracket, or nil if none is tracked.
func (om *OrderManager) GetBracket(symbol string) *ManagedOrder {
	om.mu.RLock()
	defer om.mu.RUnlock()
	if b, ok := om.brackets[symbol]; ok {
		cp := *b
		return &cp
	}
	return nil
}

// CheckTrigger reports whether candle's high/low crossed symbol's open
// bracket levels, returning the bracket and the status it crossed into.
// It does not mutate or remove the bracket; the caller closes the
// position first and then calls Resolve once the close has gone through.
func (om *OrderManager) CheckTrigger(symbol string, candle types.Candle) (*ManagedOrder, BracketStatus) {
	om.mu.RLock()
	defer om.mu.RUnlock()

	b, ok := om.brackets[symbol]
	if !ok {
		return nil, ""
	}

	if b.Side == types.OrderSideBuy {
		if !b.StopLossPrice.IsZero() && candle.Low.LessThanOrEqual(b.StopLossPrice) {
			return b, BracketStatusStopped
		}
		if !b.TakeProfitPrice.IsZero() && candle.High.GreaterThanOrEqual(b.TakeProfitPrice) {
			return b, BracketStatusTargeted
		}
		return nil, ""
	}

	// Short position: the stop sits above entry, the target below.
	if !b.StopLossPrice.IsZero() && candle.High.GreaterThanOrEqual(b.StopLossPrice) {
		return b, BracketStatusStopped
	}
	if !b.TakeProfitPrice.IsZero() && candle.Low.LessThanOrEqual(b.TakeProfitPrice) {
		return b, BracketStatusTargeted
	}
	return nil, ""
}

// Resolve marks symbol's bracket closed with the given terminal status and
// removes it from tracking, once the Engine has confirmed the closing
// order filled.
func (om *OrderManager) Resolve(symbol string, status BracketStatus) {
	om.mu.Lock()
	defer om.mu.Unlock()
	if b, ok := om.brackets[symbol]; ok {
		b.Status = status
		b.UpdatedAt = time.Now()
		delete(om.brackets, symbol)
	}
}
