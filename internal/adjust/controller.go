// Package adjust moves the protective levels of open positions as their
// profit or loss develops, with a per-position cap on the number of changes.
package adjust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"positionEngine/internal/domain"
	"positionEngine/internal/metrics"
	"positionEngine/internal/ports"

	"github.com/google/uuid"
)

// LevelWriter persists protective levels. The position store implements it.
type LevelWriter interface {
	UpdateLevels(ctx context.Context, tradeID int64, levels domain.Levels) (bool, error)
}

// Config holds adjustment controller parameters. *Pct values are percentages.
type Config struct {
	MaxAdjustments int // Successful adjustments allowed per position

	ProfitScalingThresholdPct float64 // Profit at which SL moves to breakeven and TP is raised
	TrailingThresholdPct      float64 // Profit at which both levels ride the market
	RiskThresholdPct          float64 // Loss at which SL tightens and TP is pulled toward entry

	BreakevenBufferPct  float64 // Breakeven SL sits this far on the losing side of entry
	TrailingDistancePct float64 // SL distance from price for TRAILING_STOP
	RiskStopDistancePct float64 // SL distance from price for RISK_MANAGEMENT
	TPMinPct            float64
	TPMaxPct            float64

	HistorySize int // Adjustment records retained
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		MaxAdjustments:            3,
		ProfitScalingThresholdPct: 1.0,
		TrailingThresholdPct:      3.0,
		RiskThresholdPct:          2.0,
		BreakevenBufferPct:        0.1,
		TrailingDistancePct:       1.0,
		RiskStopDistancePct:       1.0,
		TPMinPct:                  1.0,
		TPMaxPct:                  3.0,
		HistorySize:               100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []string
	if c.MaxAdjustments <= 0 {
		errs = append(errs, fmt.Sprintf("max adjustments must be positive, got %d", c.MaxAdjustments))
	}
	if c.ProfitScalingThresholdPct <= 0 || c.TrailingThresholdPct <= c.ProfitScalingThresholdPct {
		errs = append(errs, "thresholds must satisfy 0 < profit scaling < trailing")
	}
	if c.RiskThresholdPct <= 0 {
		errs = append(errs, "risk threshold must be positive")
	}
	if c.BreakevenBufferPct < 0 {
		errs = append(errs, "breakeven buffer must not be negative")
	}
	if c.TrailingDistancePct <= 0 || c.TrailingDistancePct >= 100 || c.RiskStopDistancePct <= 0 || c.RiskStopDistancePct >= 100 {
		errs = append(errs, "stop distances must be in (0, 100)")
	}
	if c.TPMinPct <= 0 || c.TPMaxPct < c.TPMinPct || c.TPMaxPct >= 100 {
		errs = append(errs, "take profit increments must satisfy 0 < min <= max < 100")
	}
	if c.HistorySize <= 0 {
		errs = append(errs, "history size must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: adjustment controller: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

// ReasonStats summarises attempts for one adjustment reason.
type ReasonStats struct {
	Attempts    int
	Successes   int
	Failures    int
	SuccessRate float64
}

// AdjustmentStats is a read-only snapshot of the controller.
type AdjustmentStats struct {
	Paused           bool
	TotalAttempts    int
	TotalSuccesses   int
	TrackedPositions int
	ByReason         map[domain.AdjustmentReason]ReasonStats
	Recent           []domain.AdjustmentRecord
}

// Controller applies reason-tagged level changes through a LevelWriter.
type Controller struct {
	cfg     Config
	writer  LevelWriter
	logger  ports.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	paused   bool
	counts   map[int64]int
	byReason map[domain.AdjustmentReason]*ReasonStats
	history  []domain.AdjustmentRecord
}

// NewController creates an adjustment controller. m may be nil.
func NewController(cfg Config, writer LevelWriter, logger ports.Logger, m *metrics.Metrics) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if writer == nil {
		return nil, errors.New("level writer is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	c := &Controller{
		cfg:      cfg,
		writer:   writer,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		counts:   make(map[int64]int),
		byReason: make(map[domain.AdjustmentReason]*ReasonStats, len(domain.AdjustmentReasons)),
		history:  make([]domain.AdjustmentRecord, 0, cfg.HistorySize),
	}
	for _, r := range domain.AdjustmentReasons {
		c.byReason[r] = &ReasonStats{}
	}
	return c, nil
}

// Evaluate classifies pos at its current price and, when the position calls
// for an adjustment that actually changes a level, persists it. The returned
// record describes the attempt; false means nothing was attempted.
func (c *Controller) Evaluate(ctx context.Context, pos *domain.Position) (*domain.AdjustmentRecord, bool) {
	op := "Controller.Evaluate"
	if pos == nil || !pos.IsOpen() || !domain.IsValidPrice(pos.CurrentPrice) {
		return nil, false
	}

	c.mu.Lock()
	if c.paused || c.counts[pos.TradeID] >= c.cfg.MaxAdjustments {
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()

	reason, ok := c.classify(pos.PnLPctAt(pos.CurrentPrice))
	if !ok {
		return nil, false
	}
	levels := c.levelsFor(reason, pos)
	if levels.IsEmpty() {
		return nil, false
	}

	record := domain.AdjustmentRecord{
		ID:        uuid.NewString(),
		TradeID:   pos.TradeID,
		Symbol:    pos.Symbol,
		Reason:    reason,
		OldTP:     pos.TakeProfit,
		OldSL:     pos.StopLoss,
		NewTP:     pos.TakeProfit,
		NewSL:     pos.StopLoss,
		Timestamp: c.now(),
	}
	if levels.TakeProfit != 0 {
		record.NewTP = levels.TakeProfit
	}
	if levels.StopLoss != 0 {
		record.NewSL = levels.StopLoss
	}

	updated, err := c.writer.UpdateLevels(ctx, pos.TradeID, levels)
	switch {
	case err != nil:
		record.Message = err.Error()
		c.logger.Warn(ctx, op+": failed to persist adjustment", map[string]interface{}{
			"tradeID": pos.TradeID,
			"reason":  reason,
			"error":   err.Error(),
		})
	case !updated:
		record.Message = "position not updated"
	default:
		record.Success = true
		record.Message = fmt.Sprintf("%s at %.2f%% pnl", reason, pos.PnLPctAt(pos.CurrentPrice))
	}

	c.mu.Lock()
	if record.Success && c.counts[pos.TradeID] < c.cfg.MaxAdjustments {
		c.counts[pos.TradeID]++
	}
	stats := c.byReason[reason]
	stats.Attempts++
	if record.Success {
		stats.Successes++
	} else {
		stats.Failures++
	}
	c.appendHistory(record)
	count := c.counts[pos.TradeID]
	c.mu.Unlock()

	c.metrics.Adjustment(string(reason), record.Success)
	if record.Success {
		c.logger.Info(ctx, op+": levels adjusted", map[string]interface{}{
			"tradeID":     pos.TradeID,
			"symbol":      pos.Symbol,
			"reason":      reason,
			"oldSL":       record.OldSL,
			"newSL":       record.NewSL,
			"oldTP":       record.OldTP,
			"newTP":       record.NewTP,
			"adjustments": count,
		})
	}
	return &record, true
}

func (c *Controller) classify(pnlPct float64) (domain.AdjustmentReason, bool) {
	switch {
	case pnlPct >= c.cfg.TrailingThresholdPct:
		return domain.AdjustTrailingStop, true
	case pnlPct >= c.cfg.ProfitScalingThresholdPct:
		return domain.AdjustProfitScaling, true
	case pnlPct <= -c.cfg.RiskThresholdPct:
		return domain.AdjustRiskManagement, true
	default:
		return "", false
	}
}

// levelsFor computes the reason's target levels. Stop losses that would loosen
// and take profits equal to the current one are left out of the update.
func (c *Controller) levelsFor(reason domain.AdjustmentReason, pos *domain.Position) domain.Levels {
	price, entry := pos.CurrentPrice, pos.EntryPrice
	// dir is +1 for LONG and -1 for SHORT so one formula serves both sides.
	dir := 1.0
	if !pos.IsLong() {
		dir = -1.0
	}
	pct := func(v float64) float64 { return v / 100 }

	var sl, tp float64
	switch reason {
	case domain.AdjustTrailingStop:
		sl = price * (1 - dir*pct(c.cfg.TrailingDistancePct))
		tp = price * (1 + dir*pct(c.cfg.TPMaxPct))
	case domain.AdjustProfitScaling:
		sl = entry * (1 - dir*pct(c.cfg.BreakevenBufferPct))
		tp = price * (1 + dir*pct(c.cfg.TPMinPct))
		if pos.TakeProfit != 0 && dir*(pos.TakeProfit-tp) > 0 {
			tp = pos.TakeProfit // never lower a target that is already further out
		}
	case domain.AdjustRiskManagement:
		sl = price * (1 - dir*pct(c.cfg.RiskStopDistancePct))
		tp = entry * (1 + dir*pct(c.cfg.TPMinPct))
		if pos.TakeProfit != 0 && dir*(tp-pos.TakeProfit) > 0 {
			tp = pos.TakeProfit // already closer to entry
		}
	}

	var levels domain.Levels
	if pos.TightensStopLoss(sl) {
		levels.StopLoss = sl
	}
	if domain.IsValidPrice(tp) && tp != pos.TakeProfit {
		levels.TakeProfit = tp
	}
	return levels
}

// appendHistory must be called with c.mu held.
func (c *Controller) appendHistory(r domain.AdjustmentRecord) {
	if len(c.history) >= c.cfg.HistorySize {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
	c.history = append(c.history, r)
}

// Pause suspends evaluation. Counters are kept.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume re-enables evaluation.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// IsPaused reports whether evaluation is suspended.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Count returns the number of successful adjustments made to a position.
func (c *Controller) Count(tradeID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tradeID]
}

// Forget drops counters of positions not in keep.
func (c *Controller) Forget(keep map[int64]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id := range c.counts {
		if _, ok := keep[id]; !ok {
			delete(c.counts, id)
			removed++
		}
	}
	return removed
}

// Stats returns per-reason totals and up to recent of the newest records, newest last.
func (c *Controller) Stats(recent int) AdjustmentStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := AdjustmentStats{
		Paused:           c.paused,
		TrackedPositions: len(c.counts),
		ByReason:         make(map[domain.AdjustmentReason]ReasonStats, len(c.byReason)),
	}
	for reason, s := range c.byReason {
		rs := *s
		if rs.Attempts > 0 {
			rs.SuccessRate = float64(rs.Successes) / float64(rs.Attempts)
		}
		out.ByReason[reason] = rs
		out.TotalAttempts += rs.Attempts
		out.TotalSuccesses += rs.Successes
	}

	if recent < 0 || recent > len(c.history) {
		recent = len(c.history)
	}
	out.Recent = make([]domain.AdjustmentRecord, recent)
	copy(out.Recent, c.history[len(c.history)-recent:])
	return out
}
