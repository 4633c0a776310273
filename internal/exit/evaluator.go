// Package exit decides whether an open position must close at a given price.
package exit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"positionEngine/internal/domain"
	"positionEngine/internal/ports"
)

// TimeExitConfig controls the time-based exit rules.
type TimeExitConfig struct {
	Enabled bool

	ExpectedCandles         int           // Candles of the position's timeframe it is expected to be held
	DefaultExpectedDuration time.Duration // Used when the timeframe is missing or unknown
	MaxDurationMultiplier   float64       // Ceiling = expected duration * multiplier

	TargetProfitPct float64 // Close at the expected duration with at least this profit (%)
	TargetLossPct   float64 // Close at the expected duration with at least this loss (%)

	DecayStartLossPct float64 // Tolerated loss (%) at entry
	DecayEndLossPct   float64 // Tolerated loss (%) at the ceiling
}

// DefaultTimeExitConfig returns disabled time exits with usable thresholds.
func DefaultTimeExitConfig() TimeExitConfig {
	return TimeExitConfig{
		Enabled:                 false,
		ExpectedCandles:         24,
		DefaultExpectedDuration: 24 * time.Hour,
		MaxDurationMultiplier:   3,
		TargetProfitPct:         0.5,
		TargetLossPct:           1.0,
		DecayStartLossPct:       5.0,
		DecayEndLossPct:         1.0,
	}
}

// Validate checks the configuration. Disabled configurations are always valid.
func (c TimeExitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []string
	if c.ExpectedCandles <= 0 {
		errs = append(errs, "expected candles must be positive")
	}
	if c.DefaultExpectedDuration <= 0 {
		errs = append(errs, "default expected duration must be positive")
	}
	if c.MaxDurationMultiplier < 1 {
		errs = append(errs, "max duration multiplier must be at least 1")
	}
	if c.TargetProfitPct < 0 || c.TargetLossPct < 0 {
		errs = append(errs, "time target percentages must not be negative")
	}
	if c.DecayEndLossPct < 0 || c.DecayStartLossPct < c.DecayEndLossPct {
		errs = append(errs, "decay loss must start at or above its end value and stay non-negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: time exit: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

// Evaluator applies the exit rules in fixed priority order:
// take profit, stop loss, trailing stop, then the time-based rules.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	time TimeExitConfig
}

// NewEvaluator creates an exit evaluator.
func NewEvaluator(cfg TimeExitConfig) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{time: cfg}, nil
}

// Evaluate returns the close reason for pos at price, or false when the
// position should stay open. Take profit wins when a gapped price satisfies
// both take profit and stop loss.
func (e *Evaluator) Evaluate(pos *domain.Position, price float64, now time.Time) (domain.CloseReason, bool) {
	if pos == nil || !pos.IsOpen() || !domain.IsValidPrice(price) {
		return "", false
	}
	long := pos.IsLong()

	if pos.TakeProfit > 0 && (long && price >= pos.TakeProfit || !long && price <= pos.TakeProfit) {
		return domain.CloseReasonTakeProfit, true
	}
	if pos.StopLoss > 0 && (long && price <= pos.StopLoss || !long && price >= pos.StopLoss) {
		return domain.CloseReasonStopLoss, true
	}
	if pos.TrailingStop > 0 && (long && price <= pos.TrailingStop || !long && price >= pos.TrailingStop) {
		return domain.CloseReasonTrailingStop, true
	}
	if e.time.Enabled {
		return e.evaluateTime(pos, price, now)
	}
	return "", false
}

func (e *Evaluator) evaluateTime(pos *domain.Position, price float64, now time.Time) (domain.CloseReason, bool) {
	if pos.EntryTime.IsZero() || !now.After(pos.EntryTime) {
		return "", false
	}
	held := now.Sub(pos.EntryTime)
	expected := e.ExpectedDuration(pos.Timeframe)
	ceiling := time.Duration(float64(expected) * e.time.MaxDurationMultiplier)
	pnlPct := pos.PnLPctAt(price)

	if held >= ceiling {
		return domain.CloseReasonMaxTime, true
	}
	if held >= expected {
		if pnlPct >= e.time.TargetProfitPct {
			return domain.CloseReasonTimeProfit, true
		}
		if pnlPct <= -e.time.TargetLossPct {
			return domain.CloseReasonTimeLoss, true
		}
	}

	// Tolerated loss shrinks linearly from DecayStartLossPct to DecayEndLossPct over the ceiling.
	f := float64(held) / float64(ceiling)
	if f > 1 {
		f = 1
	}
	threshold := e.time.DecayStartLossPct - (e.time.DecayStartLossPct-e.time.DecayEndLossPct)*f
	if pnlPct <= -threshold {
		return domain.CloseReasonTimeDecayLoss, true
	}
	return "", false
}

// ExpectedDuration returns how long a position on timeframe is expected to be held.
func (e *Evaluator) ExpectedDuration(timeframe string) time.Duration {
	d, ok := TimeframeDuration(timeframe)
	if !ok {
		return e.time.DefaultExpectedDuration
	}
	return d * time.Duration(e.time.ExpectedCandles)
}

// TimeframeDuration parses kline intervals such as "1m", "15m", "4h", "1d", "1w"
// or "1M". Minute and month differ only by case, so "M" is a 30-day month and
// every other unit is matched case-insensitively.
func TimeframeDuration(tf string) (time.Duration, bool) {
	tf = strings.TrimSpace(tf)
	if len(tf) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	var unit time.Duration
	switch tf[len(tf)-1] {
	case 'm':
		unit = time.Minute
	case 'M':
		unit = 30 * 24 * time.Hour
	case 'h', 'H':
		unit = time.Hour
	case 'd', 'D':
		unit = 24 * time.Hour
	case 'w', 'W':
		unit = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * unit, true
}
