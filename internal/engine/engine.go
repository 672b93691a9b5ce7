// Package engine wires the Multi-Timeframe Aggregator, Market Regime
// Detector, the MA-crossover/TPO voters, the Pattern Memory store, and the
// Voting Brain into a single per-candle pipeline, gated by the Safety
// Fabric and executed through an ExecutionAdapter. The run loop keeps to
// a strict "one tick, one decision, one side effect" shape.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
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

// PrimaryTimeframe is the timeframe the ensemble votes and trades on; the
// aggregator still maintains every other timeframe for the dashboard and
// historical replay requests.
const PrimaryTimeframe = types.Timeframe5m

// Engine owns one symbol's run loop: candle in, gated TradeDecision out.
type Engine struct {
	logger *zap.Logger
	symbol string

	aggregator *aggregator.Aggregator
	regime     *regime.Detector
	macross    *macross.Voter
	tpo        *tpo.Voter
	patterns   *pattern.Store
	brain      *voting.Brain
	fabric     *safety.Fabric
	exec       execution.ExecutionAdapter
	brackets   *execution.OrderManager
	relayHub   *relay.Hub
	stateStore *state.Store
	metrics    *admin.Metrics

	baseOrderSize decimal.Decimal
	dailyPnL      decimal.Decimal
}

// New wires one Engine instance from its already-constructed components.
// baseOrderSize is the full-size (1.0x) order quantity; the Voting Brain's
// SizeMultiplier scales it per decision.
func New(
	logger *zap.Logger,
	symbol string,
	agg *aggregator.Aggregator,
	reg *regime.Detector,
	mac *macross.Voter,
	tp *tpo.Voter,
	patterns *pattern.Store,
	brain *voting.Brain,
	fabric *safety.Fabric,
	exec execution.ExecutionAdapter,
	brackets *execution.OrderManager,
	relayHub *relay.Hub,
	stateStore *state.Store,
	metrics *admin.Metrics,
	baseOrderSize decimal.Decimal,
) *Engine {
	return &Engine{
		logger:        logger.Named("engine"), symbol: symbol,
		aggregator:    agg, regime: reg, macross: mac, tpo: tp,
		patterns:      patterns, brain: brain, fabric: fabric,
		exec:          exec, brackets: brackets, relayHub: relayHub, stateStore: stateStore,
		metrics:       metrics,
		baseOrderSize: baseOrderSize,
	}
}

// OnCandle ingests one 1m candle, advances every derived timeframe, and
// runs one full vote→decide→gate→execute cycle on the primary timeframe.
func (e *Engine) OnCandle(ctx context.Context, candle types.Candle) error {
	now := time.UnixMilli(candle.TimestampMillis)
	lag := e.fabric.OnTick(time.Now())
	if lag > 0 {
		e.logger.Debug("engine: tick processed", zap.Duration("lag", lag))
	}
	e.metrics.ObserveTickLag(lag)

	if err := e.aggregator.Ingest(candle); err != nil {
		return fmt.Errorf("engine: ingest candle: %w", err)
	}
	e.fabric.OnCandle(now)
	e.fabric.CheckFeedStaleness(now)

	if err := e.checkBracket(ctx, candle); err != nil {
		e.logger.Error("engine: bracket close failed", zap.Error(err))
	}

	series, snap := e.aggregator.Snapshot(PrimaryTimeframe)
	if snap == nil || len(series.Candles) == 0 {
		return nil // insufficient history to vote yet
	}

	regimeState := e.regime.Tick(series, snap, now)
	params := e.regime.GetParameters(regimeState.Current)
	e.metrics.ObserveRegime(string(regimeState.Current))

	votes := append([]types.Vote{}, e.regime.GetVotes()...)
	votes = append(votes, e.macross.Update(series)...)
	votes = append(votes, e.tpo.Update(closesOf(series))...)

	// The fingerprint needs a direction, but the Brain hasn't decided one
	// yet: estimate it from the same bullish/bearish vote sum the Brain
	// itself sums, then rebuild the fingerprint against the Brain's actual
	// decided direction once it's known, below.
	provisional := pattern.FromSnapshot(snap, regimeState.Metrics, regimeState.Current, voteDirection(votes)).Key()
	e.patterns.Observe(provisional)
	composite := e.patterns.Composite([]string{provisional}, now)

	decision := e.brain.Decide(voting.Inputs{
		Symbol:                e.symbol,
		Votes:                 votes,
		Regime:                regimeState,
		Params:                params,
		PatternComposite:      composite,
		ATR:                   snap.ATR,
		EntryPrice:            candle.Close,
		CandleTimestampMillis: candle.TimestampMillis,
	})

	e.relayHub.BroadcastDecision(decision)
	e.metrics.ObserveDecision(string(decision.Direction))

	if decision.Direction == types.DirectionFlat {
		return nil
	}

	key := pattern.FromSnapshot(snap, regimeState.Metrics, regimeState.Current, decision.Direction).Key()
	if err := e.submit(ctx, decision, key); err != nil {
		e.logger.Error("engine: submission blocked", zap.Error(err))
		return nil // a gated/rejected submission is not a loop fault
	}

	return e.persistState(ctx, now)
}

// submit places decision's entry order and, once filled, hands its
// stop-loss/take-profit levels to the bracket tracker so a later candle
// crossing either level closes the position without a separate decision
// cycle.
func (e *Engine) submit(ctx context.Context, decision types.TradeDecision, patternKey string) error {
	side := types.OrderSideBuy
	if decision.Direction == types.DirectionShort {
		side = types.OrderSideSell
	}
	quantity := e.baseOrderSize.Mul(decimal.NewFromFloat(decision.SizeMultiplier))
	order := &types.Order{
		Symbol:   decision.Symbol, Side: side, Type: types.OrderTypeMarket,
		Price:    decision.EntryPrice,
		Quantity: quantity,
	}
	placed, err := e.exec.Submit(ctx, order, "")
	if err != nil {
		return err
	}

	e.brackets.TrackOrder(placed.ID, decision.Symbol, side, quantity, decision.EntryPrice, patternKey)
	e.brackets.LinkStopLoss(decision.Symbol, decision.StopLossPrice)
	e.brackets.LinkTakeProfit(decision.Symbol, decision.TakeProfitPrice)
	return nil
}

// checkBracket closes symbol's open bracket the instant a candle crosses
// its stop-loss or take-profit level, and records the realized outcome
// against the pattern key active when the bracket was opened.
func (e *Engine) checkBracket(ctx context.Context, candle types.Candle) error {
	bracket, status := e.brackets.CheckTrigger(e.symbol, candle)
	if bracket == nil {
		return nil
	}

	closeSide := types.OrderSideSell
	if bracket.Side == types.OrderSideSell {
		closeSide = types.OrderSideBuy
	}
	closePrice := bracket.StopLossPrice
	if status == execution.BracketStatusTargeted {
		closePrice = bracket.TakeProfitPrice
	}

	order := &types.Order{
		Symbol: bracket.Symbol, Side: closeSide, Type: types.OrderTypeMarket,
		Price: closePrice, Quantity: bracket.Quantity,
	}
	if _, err := e.exec.Submit(ctx, order, ""); err != nil {
		return fmt.Errorf("engine: close bracket: %w", err)
	}

	pnlPct, _ := closePrice.Sub(bracket.EntryPrice).Div(bracket.EntryPrice).Float64()
	if bracket.Side == types.OrderSideSell {
		pnlPct = -pnlPct
	}
	if err := e.patterns.Record(bracket.PatternKey, pnlPct, time.Now()); err != nil {
		e.logger.Warn("engine: failed to record bracket outcome", zap.Error(err))
	}

	e.brackets.Resolve(bracket.Symbol, status)
	return nil
}

// persistState snapshots balance/position/PnL to disk after a trade.
func (e *Engine) persistState(ctx context.Context, now time.Time) error {
	balance, err := e.exec.Balance(ctx)
	if err != nil {
		return fmt.Errorf("engine: read balance: %w", err)
	}
	positions, err := e.exec.Positions(ctx)
	if err != nil {
		return fmt.Errorf("engine: read positions: %w", err)
	}

	snap := state.Snapshot{Balance: balance, DailyPnL: e.dailyPnL, Timestamp: now}
	if len(positions) > 0 {
		p := positions[0]
		snap.Position = &state.PositionState{Symbol: p.Symbol, Side: string(p.Side), Quantity: p.Quantity}
		snap.EntryPrice = p.EntryPrice
	}
	return e.stateStore.Save(ctx, snap)
}

func closesOf(series types.CandleSeries) []float64 {
	out := make([]float64, len(series.Candles))
	for i, c := range series.Candles {
		f, _ := c.Close.Float64()
		out[i] = f
	}
	return out
}

// voteDirection estimates the ensemble's directional lean from the raw
// votes, mirroring voting.Brain's own bullish/bearish sum so the
// fingerprint computed ahead of Decide agrees with it in the common case.
func voteDirection(votes []types.Vote) types.TradeDirection {
	var bullish, bearish float64
	for _, v := range votes {
		switch v.Vote {
		case types.VoteBullish:
			bullish += v.Strength
		case types.VoteBearish:
			bearish += v.Strength
		}
	}
	switch {
	case bullish > bearish:
		return types.DirectionLong
	case bearish > bullish:
		return types.DirectionShort
	default:
		return types.DirectionFlat
	}
}
