// Command server runs the trading core: the candle aggregator, regime
// detector, voting ensemble, safety fabric, relay hub, and execution
// adapter wired into a single process. Subcommands also expose operator
// controls (kill switch, reconciliation) without needing the full process
// running.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/trading-backend/internal/admin"
	"github.com/atlas-desktop/trading-backend/internal/aggregator"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/engine"
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

func main() {
	root := &cobra.Command{
		Use:   "trading-backend",
		Short: "Real-time algorithmic trading core",
	}
	root.AddCommand(newStartCmd(), newStatusCmd(), newKillSwitchCmd(), newReconcileCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	cfg := zap.Config{
		Level:         zap.NewAtomicLevelAt(zapcore.InfoLevel),
		Development:   false,
		Encoding:      "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:      "time", LevelKey: "level", NameKey: "logger", CallerKey: "caller",
			MessageKey:   "msg", StacktraceKey: "stacktrace",
			LineEnding:   zapcore.DefaultLineEnding, EncodeLevel: zapcore.CapitalColorLevelEncoder,
			EncodeTime:   zapcore.ISO8601TimeEncoder, EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func newFabric(logger *zap.Logger, cfg *config.Config) (*safety.Fabric, error) {
	root := cfg.InstallRoot
	fabricCfg := safety.Config{
		StaleFeedWarnAfter:    cfg.StaleFeedWarnAfter, StaleFeedPauseAfter: cfg.StaleFeedPauseAfter,
		StaleFeedRecoveryBars: cfg.StaleFeedRecoveryCandles,
		LoopLagWarn:           cfg.EventLoopWarnLag, LoopLagPause: cfg.EventLoopPauseLag,
	}
	breakerCfg := safety.BreakerConfig{
		ErrorThreshold: uint32(cfg.CircuitBreakerThreshold), HalfOpenAfter: cfg.CircuitBreakerCooldown, HalfOpenRequests: 1,
	}
	fabric := safety.New(logger, fabricCfg,
		filepath.Join(root, "killswitch.flag"), filepath.Join(root, "logs", "killswitch.log"),
		filepath.Join(root, "lock", "instance.lock"), breakerCfg)
	return fabric, fabric.Start()
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the trading core",
		RunE:  func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func runStart() error {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("server: load config: %w", err)
	}

	mode := safety.ResolveTradingMode(logger, string(cfg.TradingMode), cfg.EnableLiveTrading, cfg.ConfirmLiveTrading,
		func(remaining time.Duration) { logger.Warn("live trading arming", zap.Duration("remaining", remaining)) })
	logger.Info("server: starting",
		zap.String("mode", mode), zap.String("symbol", cfg.TradingPair), zap.String("installRoot", cfg.InstallRoot))

	fabric, err := newFabric(logger, cfg)
	if err != nil {
		return fmt.Errorf("server: start safety fabric: %w", err)
	}
	defer fabric.Stop()

	patternStore := pattern.New(logger, filepath.Join(cfg.InstallRoot, "data", "pattern-memory."+cfg.ModeSuffix()+".json"), 2000)
	if err := patternStore.Load(); err != nil {
		logger.Warn("server: pattern memory load failed, starting empty", zap.Error(err))
	}

	stateStore := state.New(logger, state.PathForMode(filepath.Join(cfg.InstallRoot, "data"), cfg.ModeSuffix()))
	prior, err := stateStore.Load()
	if err != nil {
		logger.Warn("server: prior state load failed, starting fresh", zap.Error(err))
	}

	var execAdapter execution.ExecutionAdapter
	paper := execution.NewPaperAdapter(logger, startingBalance(prior))
	execAdapter = execution.NewGatedAdapter(logger, paper, fabric, safety.NewIntentCache(cfg.IntentTTL, time.Minute))

	relayHub := relay.NewHub(logger, cfg.WebSocketAuthToken)
	candleAgg := aggregator.New(logger, cfg.TradingPair)
	regimeDetector := regime.New(logger, regime.DefaultConfig())

	metrics := admin.NewMetrics()
	adminServer := admin.NewServer(logger, fmt.Sprintf(":%d", cfg.APIPort), fabric, regimeDetector, metrics)
	adminErrCh := adminServer.Start()

	reconciler := safety.NewReconciler(logger, safety.DefaultReconcilerConfig(),
		func(ctx context.Context, symbol string) (safety.RemotePosition, error) {
			positions, err := paper.Positions(ctx)
			if err != nil {
				return safety.RemotePosition{}, err
			}
			for _, p := range positions {
				if p.Symbol == symbol {
					return safety.RemotePosition{Symbol: symbol, Quantity: p.Quantity, Known: true}, nil
				}
			}
			return safety.RemotePosition{Symbol: symbol, Known: true}, nil
		}, fabric)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 30s", func() {
		snap, err := stateStore.Load()
		if err != nil || snap.Position == nil {
			return
		}
		if _, err := reconciler.ReconcileOne(context.Background(),
			safety.LocalPosition{Symbol: snap.Position.Symbol, Quantity: snap.Position.Quantity}); err != nil {
			logger.Warn("server: scheduled reconciliation failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("server: schedule reconciliation: %w", err)
	}
	if _, err := scheduler.AddFunc("@every 1m", func() { patternStore.SweepExpiredScores(time.Now()) }); err != nil {
		return fmt.Errorf("server: schedule pattern sweep: %w", err)
	}
	// Dashboard alerts are pushed the instant the Fabric itself latches or
	// clears a pause or observes a kill switch toggle, not polled for.
	fabric.OnAlert(relayHub.BroadcastAlert)

	if _, err := scheduler.AddFunc("@every 5s", func() {
		safetyState := fabric.GetState()
		drift, _ := safetyState.ReconciliationDriftUnits.Float64()
		metrics.SetSafetyState(safetyState.KillSwitchOn, safetyState.TradingPaused, drift)
		for module, open := range fabric.Breakers().OpenModules() {
			metrics.SetBreakerOpen(module, open)
		}
	}); err != nil {
		return fmt.Errorf("server: schedule metrics sync: %w", err)
	}
	if _, err := scheduler.AddFunc("@every 10s", func() {
		relayHub.BroadcastConfluence(candleAgg.Confluence())
	}); err != nil {
		return fmt.Errorf("server: schedule confluence broadcast: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	eng := engine.New(
		logger, cfg.TradingPair,
		candleAgg,
		regimeDetector,
		macross.New(macross.DefaultConfig()),
		tpo.New(tpo.DefaultConfig()),
		patternStore,
		voting.New(logger, voting.DefaultConfig()),
		fabric,
		execAdapter,
		execution.NewOrderManager(logger),
		relayHub,
		stateStore,
		metrics,
		decimal.NewFromFloat(0.01),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mdConfig := data.DefaultMarketDataConfig()
	mdConfig.Symbols = []string{binanceSymbol(cfg.TradingPair)}
	marketData := data.NewMarketDataService(logger, mdConfig)
	marketData.OnOHLCV(func(bar data.OHLCV) {
		candle := types.Candle{
			TimestampMillis: bar.Timestamp, Open: bar.Open, High: bar.High,
			Low:             bar.Low, Close: bar.Close, Volume: bar.Volume,
		}
		metrics.IncCandle()
		if err := eng.OnCandle(ctx, candle); err != nil {
			logger.Error("server: candle processing failed", zap.Error(err))
		}
	})

	if err := marketData.Start(ctx); err != nil {
		return fmt.Errorf("server: start market data: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("server: shutdown signal received")
	case err := <-adminErrCh:
		logger.Error("server: admin server failed", zap.Error(err))
	}

	cancel()
	if err := marketData.Stop(); err != nil {
		logger.Error("server: market data stop error", zap.Error(err))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := adminServer.Stop(shutdownCtx); err != nil {
		logger.Error("server: admin server shutdown error", zap.Error(err))
	}
	return nil
}

func startingBalance(prior state.Snapshot) decimal.Decimal {
	if prior.Balance.IsZero() {
		return decimal.NewFromInt(10000)
	}
	return prior.Balance
}

func binanceSymbol(pair string) string {
	out := ""
	for _, r := range pair {
		if r == '/' {
			continue
		}
		out += string(r)
	}
	return out
}

// newStatusCmd reports the persisted kill-switch state. The rest of
// SafetyState (pause reasons, feed staleness, loop lag) lives only in the
// running process's memory (the design does not persist it), so an out-of-
// process status check can only ever see what made it to disk.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted kill-switch state",
		RunE:  func(cmd *cobra.Command, args []string) error {
			return withKillSwitch(func(ks *safety.KillSwitch) error {
				rec, on := ks.Status()
				fmt.Printf("killSwitchOn=%v reason=%q activatedAt=%s\n", on, rec.Reason, rec.ActivatedAt)
				return nil
			})
		},
	}
}

func newKillSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Inspect or toggle the kill switch",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "on [reason]",
			Short: "Activate the kill switch",
			Args:  cobra.MaximumNArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error {
				reason := "manual activation"
				if len(args) == 1 {
					reason = args[0]
				}
				return withKillSwitch(func(ks *safety.KillSwitch) error {
					return ks.Activate(reason, time.Now())
				})
			},
		},
		&cobra.Command{
			Use:   "off",
			Short: "Deactivate the kill switch",
			RunE:  func(cmd *cobra.Command, args []string) error {
				return withKillSwitch(func(ks *safety.KillSwitch) error {
					return ks.Deactivate(time.Now())
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether the kill switch is active",
			RunE:  func(cmd *cobra.Command, args []string) error {
				return withKillSwitch(func(ks *safety.KillSwitch) error {
					rec, on := ks.Status()
					fmt.Printf("killSwitchOn=%v reason=%q activatedAt=%s\n", on, rec.Reason, rec.ActivatedAt)
					return nil
				})
			},
		},
	)
	return cmd
}

// newReconcileCmd runs one reconciliation pass against the persisted
// state snapshot, the way the running engine's Reconciler would on its
// 30s cadence, without needing the full process up.
func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the persisted state snapshot",
		RunE:  func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fabric, err := newFabric(logger, cfg)
			if err != nil {
				return err
			}
			defer fabric.Stop()

			stateStore := state.New(logger, state.PathForMode(filepath.Join(cfg.InstallRoot, "data"), cfg.ModeSuffix()))
			snap, err := stateStore.Load()
			if err != nil {
				return fmt.Errorf("reconcile: load state: %w", err)
			}
			if snap.Position == nil {
				fmt.Println("no open position recorded; nothing to reconcile")
				return nil
			}

			paper := execution.NewPaperAdapter(logger, snap.Balance)
			reconciler := safety.NewReconciler(logger, safety.DefaultReconcilerConfig(),
				func(ctx context.Context, symbol string) (safety.RemotePosition, error) {
					positions, err := paper.Positions(ctx)
					if err != nil {
						return safety.RemotePosition{}, err
					}
					for _, p := range positions {
						if p.Symbol == symbol {
							return safety.RemotePosition{Symbol: symbol, Quantity: p.Quantity, Known: true}, nil
						}
					}
					return safety.RemotePosition{Symbol: symbol, Known: true}, nil
				}, fabric)

			drift, err := reconciler.ReconcileOne(context.Background(),
				safety.LocalPosition{Symbol: snap.Position.Symbol, Quantity: snap.Position.Quantity})
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Printf("reconciliation drift: %s\n", drift.String())
			return nil
		},
	}
}

func withKillSwitch(fn func(*safety.KillSwitch) error) error {
	logger := newLogger()
	defer logger.Sync()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ks := safety.NewKillSwitch(logger,
		filepath.Join(cfg.InstallRoot, "killswitch.flag"), filepath.Join(cfg.InstallRoot, "logs", "killswitch.log"))
	return fn(ks)
}
