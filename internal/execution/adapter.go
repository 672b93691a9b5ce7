package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/safety"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// ExecutionAdapter is the narrow contract the Voting Brain's decisions
// flow through: submit, cancel, positions, balance. It is deliberately
// smaller than a full exchange client interface covering market data and
// connection lifecycle; ExecutionAdapter is the subset the order path
// actually calls once a TradeDecision exists.
type ExecutionAdapter interface {
	Submit(ctx context.Context, order *types.Order, intentID string) (*types.Order, error)
	Cancel(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]*types.Position, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// GatedAdapter wraps an ExecutionAdapter with the Safety Fabric's fixed
// gate order and the idempotency cache , so every
// submission path — paper or live — passes through the same checks.
type GatedAdapter struct {
	logger  *zap.Logger
	inner   ExecutionAdapter
	fabric  *safety.Fabric
	intents *safety.IntentCache
	module  string
}

// NewGatedAdapter wraps inner with the Safety Fabric's gates.
func NewGatedAdapter(logger *zap.Logger, inner ExecutionAdapter, fabric *safety.Fabric, intents *safety.IntentCache) *GatedAdapter {
	return &GatedAdapter{logger: logger.Named("execution"), inner: inner, fabric: fabric, intents: intents, module: "execution"}
}

// Submit runs the kill-switch/pause/breaker gate chain, then the
// idempotency check, before delegating to the wrapped adapter. The
// intentID parameter is ignored in favor of one freshly derived from the
// order and the current time — GatedAdapter is the only caller trusted to
// compute it, so an ExecutionAdapter further down the chain never sees a
// caller-supplied intentID it did not derive itself.
func (g *GatedAdapter) Submit(ctx context.Context, order *types.Order, _ string) (*types.Order, error) {
	now := time.Now()
	if err := g.fabric.CheckGates(now, g.module); err != nil {
		return nil, fmt.Errorf("execution: gate rejected submission: %w", err)
	}

	intentID := safety.IntentID(order.Symbol, order.Side, order.Quantity, order.Price, now, time.Minute)
	record, existed := g.intents.SubmitOrGet(intentID, now, func() types.IntentRecord {
		return types.IntentRecord{
			ClientOrderID: order.ClientOrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Quantity:      order.Quantity,
			Price:         order.Price,
			CreatedAt:     now,
			Status:        types.IntentStatusSubmitted,
		}
	})
	if existed {
		g.logger.Info("execution: duplicate intent, returning prior record", zap.String("intentId", intentID))
		return &types.Order{ID: record.OrderID, ClientOrderID: record.ClientOrderID, Symbol: record.Symbol,
			Side: record.Side, Quantity: record.Quantity, Price: record.Price, Status: statusFromIntent(record.Status)}, nil
	}

	placed, err := g.inner.Submit(ctx, order, intentID)
	if err != nil {
		g.fabric.Breakers().ReportCritical(g.module, err)
		g.intents.UpdateStatus(intentID, types.IntentStatusRejected, "")
		return nil, err
	}
	g.intents.UpdateStatus(intentID, types.IntentStatusAccepted, placed.ID)
	return placed, nil
}

func statusFromIntent(s types.IntentStatus) types.OrderStatus {
	switch s {
	case types.IntentStatusAccepted:
		return types.OrderStatusOpen
	case types.IntentStatusRejected:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}

// Cancel, Positions, and Balance pass straight through to the wrapped
// adapter; they carry no idempotency concern since they are not
// order-creating.
func (g *GatedAdapter) Cancel(ctx context.Context, orderID string) error { return g.inner.Cancel(ctx, orderID) }
func (g *GatedAdapter) Positions(ctx context.Context) ([]*types.Position, error) {
	return g.inner.Positions(ctx)
}
func (g *GatedAdapter) Balance(ctx context.Context) (decimal.Decimal, error) { return g.inner.Balance(ctx) }

// PaperAdapter simulates fills at the submitted price with no broker
// round-trip, for TRADING_MODE=PAPER.
type PaperAdapter struct {
	mu        sync.Mutex
	logger    *zap.Logger
	balance   decimal.Decimal
	positions map[string]*types.Position
}

// NewPaperAdapter constructs a PaperAdapter seeded with startingBalance.
func NewPaperAdapter(logger *zap.Logger, startingBalance decimal.Decimal) *PaperAdapter {
	return &PaperAdapter{
		logger:    logger.Named("paper-adapter"),
		balance:   startingBalance,
		positions: make(map[string]*types.Position),
	}
}

// Submit fills the order immediately at its requested price.
func (p *PaperAdapter) Submit(ctx context.Context, order *types.Order, intentID string) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	filled := *order
	filled.ID = uuid.NewString()
	filled.ClientOrderID = intentID
	filled.Status = types.OrderStatusFilled
	filled.FilledQty = order.Quantity
	filled.AvgFillPrice = order.Price
	now := time.Now()
	filled.FilledAt = &now
	filled.CreatedAt = now
	filled.UpdatedAt = now

	p.applyFillLocked(&filled)
	return &filled, nil
}

func (p *PaperAdapter) applyFillLocked(order *types.Order) {
	pos, ok := p.positions[order.Symbol]
	signedQty := order.Quantity
	if order.Side == types.OrderSideSell {
		signedQty = signedQty.Neg()
	}
	if !ok {
		side := types.PositionSideLong
		if order.Side == types.OrderSideSell {
			side = types.PositionSideShort
		}
		p.positions[order.Symbol] = &types.Position{
			Symbol:     order.Symbol, Side: side, Quantity: order.Quantity,
			EntryPrice: order.Price, CurrentPrice: order.Price, OpenedAt: order.CreatedAt,
		}
		return
	}
	pos.Quantity = pos.Quantity.Add(signedQty)
	pos.CurrentPrice = order.Price
	if pos.Quantity.IsZero() {
		delete(p.positions, order.Symbol)
	}
}

// Cancel is a no-op: paper orders fill synchronously and are never left
// open.
func (p *PaperAdapter) Cancel(ctx context.Context, orderID string) error { return nil }

// Positions returns the simulated open positions.
func (p *PaperAdapter) Positions(ctx context.Context) ([]*types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out, nil
}

// Balance returns the simulated cash balance.
func (p *PaperAdapter) Balance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}
