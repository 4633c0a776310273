package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"positionEngine/config"
	"positionEngine/internal/adjust"
	"positionEngine/internal/audit"
	"positionEngine/internal/domain"
	"positionEngine/internal/exit"
	"positionEngine/internal/metrics"
	"positionEngine/internal/monitor"
	"positionEngine/internal/ports"
	"positionEngine/internal/risk"
	"positionEngine/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

// pinger is implemented by feeds that can check connectivity up front.
type pinger interface {
	Ping(ctx context.Context) error
}

// Engine owns one position store and the components that drive it.
// Several engines can run in one process; none of them share state.
type Engine struct {
	cfg     *config.Config
	logger  ports.Logger
	feed    ports.PriceFeed
	metrics *metrics.Metrics

	store      *store.PositionStore
	controller *adjust.Controller
	monitor    *monitor.Monitor
	auditor    *audit.Auditor
}

// NewEngine wires the engine components. reg may be nil to skip metric registration.
func NewEngine(
	cfg *config.Config,
	logger ports.Logger,
	repo ports.PositionRepository,
	feed ports.PriceFeed,
	executor ports.CloseExecutor,
	reg prometheus.Registerer,
) (*Engine, error) {
	if cfg == nil || logger == nil || repo == nil || feed == nil || executor == nil {
		return nil, fmt.Errorf("missing required dependencies for Engine")
	}

	m := metrics.New(reg)

	positions, err := store.New(cfg.Store, repo, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create position store: %w", err)
	}
	evaluator, err := exit.NewEvaluator(cfg.TimeExit)
	if err != nil {
		return nil, fmt.Errorf("failed to create exit evaluator: %w", err)
	}
	calculator, err := risk.NewCalculator(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("failed to create level calculator: %w", err)
	}
	controller, err := adjust.NewController(cfg.Adjust, positions, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create adjustment controller: %w", err)
	}
	mon, err := monitor.New(cfg.Monitor, monitor.Deps{
		Store:      positions,
		Feed:       feed,
		Executor:   executor,
		Evaluator:  evaluator,
		Calculator: calculator,
		Adjuster:   controller,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	auditor, err := audit.New(cfg.Audit, positions, feed, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create auditor: %w", err)
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		feed:       feed,
		metrics:    m,
		store:      positions,
		controller: controller,
		monitor:    mon,
		auditor:    auditor,
	}, nil
}

// Start runs the monitor until ctx is cancelled or SIGINT/SIGTERM arrives, then
// stops it gracefully. It blocks for the lifetime of the engine.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info(ctx, "Starting position engine...", map[string]interface{}{
		"paperOnly":       e.cfg.Store.PaperOnly,
		"monitorInterval": e.cfg.Monitor.MonitorInterval.String(),
		"timeExits":       e.cfg.TimeExit.Enabled,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			e.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if p, ok := e.feed.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			// Price lookups fail per cycle and are retried, so a cold feed is not fatal.
			e.logger.Warn(ctx, "Price feed ping failed, continuing", map[string]interface{}{"error": err.Error()})
		}
	}

	if _, err := e.store.GetActivePositions(ctx, true); err != nil {
		e.logger.Warn(ctx, "Initial position load failed, monitor will retry", map[string]interface{}{"error": err.Error()})
	} else {
		e.logger.Info(ctx, "Initial positions loaded", map[string]interface{}{"open": e.store.Len()})
	}

	if err := e.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	<-ctx.Done()
	e.logger.Info(context.Background(), "Main context cancelled, initiating shutdown...")
	e.monitor.Stop()
	e.logger.Info(context.Background(), "Position engine stopped.")
	return nil
}

// Stop stops the monitor. Start returns once its context is cancelled.
func (e *Engine) Stop() {
	e.monitor.Stop()
}

// PauseAdjustments suspends protective-level adjustments. Exits keep running.
func (e *Engine) PauseAdjustments() {
	e.controller.Pause()
	e.logger.Info(context.Background(), "Adjustments paused")
}

// ResumeAdjustments re-enables protective-level adjustments.
func (e *Engine) ResumeAdjustments() {
	e.controller.Resume()
	e.logger.Info(context.Background(), "Adjustments resumed")
}

// MonitorStats returns a snapshot of the monitor counters.
func (e *Engine) MonitorStats() monitor.MonitorStats {
	return e.monitor.Stats()
}

// AdjustmentStats returns adjustment statistics with the last recent records.
func (e *Engine) AdjustmentStats(recent int) adjust.AdjustmentStats {
	return e.controller.Stats(recent)
}

// RunCycle runs a single monitor cycle outside the loop.
func (e *Engine) RunCycle(ctx context.Context) int {
	return e.monitor.RunCycle(ctx)
}

// CheckMissedExecutions audits open positions against the last hoursBack hours of klines.
func (e *Engine) CheckMissedExecutions(ctx context.Context, hoursBack float64) ([]domain.MissedExecution, error) {
	return e.auditor.CheckMissedExecutions(ctx, hoursBack)
}

// MissedExecutionSummary runs the audit and renders it as text.
func (e *Engine) MissedExecutionSummary(ctx context.Context, hoursBack float64) (string, error) {
	missed, err := e.auditor.CheckMissedExecutions(ctx, hoursBack)
	if err != nil {
		return "", err
	}
	return e.auditor.Summary(missed), nil
}

// FormatMissedExecutions renders an audit result already in hand.
func (e *Engine) FormatMissedExecutions(missed []domain.MissedExecution) string {
	return e.auditor.Summary(missed)
}
