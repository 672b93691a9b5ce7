package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RemotePosition is the broker's reported position+balance for one symbol,
// fetched by the caller-supplied RemoteFetcher.
type RemotePosition struct {
	Symbol   string
	Quantity decimal.Decimal
	Balance  decimal.Decimal
	Known    bool
}

// RemoteFetcher fetches the broker's view of a position; callers (the
// execution adapter) supply the concrete implementation.
type RemoteFetcher func(ctx context.Context, symbol string) (RemotePosition, error)

// ReconcilerConfig tunes the drift thresholds of the design.
type ReconcilerConfig struct {
	Interval       time.Duration
	WarnThreshold  decimal.Decimal
	PauseThreshold decimal.Decimal
}

// DefaultReconcilerConfig matches the design's example thresholds.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:       30 * time.Second,
		WarnThreshold:  decimal.NewFromFloat(0.001),
		PauseThreshold: decimal.NewFromFloat(0.01),
	}
}

// LocalPosition is the bot's own bookkeeping for one symbol, as supplied by
// the execution layer.
type LocalPosition struct {
	Symbol   string
	Quantity decimal.Decimal
}

// Reconciler compares local position bookkeeping against the broker's
// reported values on a fixed cadence, correcting small drift and pausing
// trading on large drift.
type Reconciler struct {
	logger  *zap.Logger
	config  ReconcilerConfig
	fetcher RemoteFetcher
	fabric  *Fabric
}

// NewReconciler constructs a Reconciler that reports into fabric.
func NewReconciler(logger *zap.Logger, config ReconcilerConfig, fetcher RemoteFetcher, fabric *Fabric) *Reconciler {
	return &Reconciler{logger: logger.Named("reconciler"), config: config, fetcher: fetcher, fabric: fabric}
}

// ReconcileOne compares one symbol's local and remote positions and
// applies the design's drift policy. It returns the corrected local
// quantity (which callers should adopt when auto-correction occurred).
func (r *Reconciler) ReconcileOne(ctx context.Context, local LocalPosition) (decimal.Decimal, error) {
	remote, err := r.fetcher(ctx, local.Symbol)
	if err != nil {
		return local.Quantity, fmt.Errorf("reconciler: fetch remote position for %s: %w", local.Symbol, err)
	}
	if !remote.Known {
		r.fabric.PauseTrading("reconciliation_unknown_remote")
		return local.Quantity, fmt.Errorf("reconciler: unknown remote position for %s", local.Symbol)
	}

	drift := local.Quantity.Sub(remote.Quantity).Abs()
	r.fabric.recordReconciliation(drift, time.Now())

	switch {
	case drift.LessThanOrEqual(r.config.WarnThreshold):
		return local.Quantity, nil
	case drift.LessThanOrEqual(r.config.PauseThreshold):
		r.logger.Warn("reconciliation drift within pause threshold, auto-correcting",
			zap.String("symbol", local.Symbol), zap.String("drift", drift.String()))
		return remote.Quantity, nil
	default:
		r.logger.Error("reconciliation drift exceeds pause threshold",
			zap.String("symbol", local.Symbol), zap.String("drift", drift.String()))
		r.fabric.PauseTrading("reconciliation_drift")
		return local.Quantity, nil
	}
}

// Run blocks performing the startup reconciliation pass, then reconciles
// every Interval until ctx is canceled. positions is called fresh on every
// pass so newly opened symbols are picked up.
func (r *Reconciler) Run(ctx context.Context, positions func() []LocalPosition) {
	r.reconcileAll(ctx, positions())

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileAll(ctx, positions())
		}
	}
}

func (r *Reconciler) reconcileAll(ctx context.Context, positions []LocalPosition) {
	for _, p := range positions {
		if _, err := r.ReconcileOne(ctx, p); err != nil {
			r.logger.Error("reconciliation failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}
}
