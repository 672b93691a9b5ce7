// Package types provides shared type definitions for the trading backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusPartial         OrderStatus = "partial"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Timeframe represents an aggregation period, from the native 1m feed up to
// calendar-aligned multi-month windows derived from daily candles.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe5d  Timeframe = "5d"
	Timeframe1M  Timeframe = "1M"
	Timeframe3M  Timeframe = "3M"
	Timeframe6M  Timeframe = "6M"
	TimeframeYTD Timeframe = "YTD"
	TimeframeALL Timeframe = "ALL"
)

// PeriodMillis returns the fixed period of the timeframe in milliseconds, or
// 0 for calendar-aligned and derived timeframes (1M, 3M, 6M, YTD, ALL) whose
// window boundaries cannot be expressed as a fixed stride.
func (tf Timeframe) PeriodMillis() int64 {
	switch tf {
	case Timeframe1m:
		return 60_000
	case Timeframe5m:
		return 5 * 60_000
	case Timeframe15m:
		return 15 * 60_000
	case Timeframe30m:
		return 30 * 60_000
	case Timeframe1h:
		return 60 * 60_000
	case Timeframe4h:
		return 4 * 60 * 60_000
	case Timeframe1d:
		return 24 * 60 * 60_000
	case Timeframe5d:
		return 5 * 24 * 60 * 60_000
	default:
		return 0
	}
}

// IsCalendarAligned reports whether the timeframe's windows are defined by
// calendar boundaries (1M, 3M, 6M) rather than a fixed millisecond stride.
func (tf Timeframe) IsCalendarAligned() bool {
	return tf == Timeframe1M || tf == Timeframe3M || tf == Timeframe6M
}

// IsDerived reports whether the timeframe is built by grouping daily candles
// rather than ingested and committed directly by the aggregator.
func (tf Timeframe) IsDerived() bool {
	switch tf {
	case Timeframe5d, Timeframe1M, Timeframe3M, Timeframe6M, TimeframeYTD, TimeframeALL:
		return true
	default:
		return false
	}
}

// SeriesCap returns the per-timeframe ring-buffer length cap.
func (tf Timeframe) SeriesCap() int {
	switch tf {
	case Timeframe1m:
		return 1440
	case Timeframe5m:
		return 2016
	case Timeframe15m:
		return 1344
	case Timeframe30m:
		return 1008
	case Timeframe1h:
		return 720
	case Timeframe4h:
		return 540
	case Timeframe1d:
		return 365
	case Timeframe5d:
		return 260
	case Timeframe1M:
		return 120
	case Timeframe3M:
		return 60
	case Timeframe6M:
		return 40
	case TimeframeYTD, TimeframeALL:
		return 365
	default:
		return 500
	}
}

// MinIndicatorLength is the minimum committed-candle count before indicators
// are computed for this timeframe.
func (tf Timeframe) MinIndicatorLength() int {
	return 50
}

// AllTimeframes lists every timeframe the aggregator maintains, in ascending
// granularity order.
func AllTimeframes() []Timeframe {
	return []Timeframe{
		Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
		Timeframe1h, Timeframe4h, Timeframe1d, Timeframe5d,
		Timeframe1M, Timeframe3M, Timeframe6M, TimeframeYTD, TimeframeALL,
	}
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Order represents a trading order
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Commission    decimal.Decimal `json:"commission"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	FilledAt      *time.Time      `json:"filledAt,omitempty"`
}

// Position represents an open position
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// OrderBookLevel represents a price level in the order book
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

