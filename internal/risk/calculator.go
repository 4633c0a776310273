// Package risk computes protective price levels for open positions.
package risk

import (
	"fmt"
	"strings"

	"positionEngine/internal/domain"
	"positionEngine/internal/ports"
)

// Config holds the level calculator parameters. All *Pct values are percentages (1.5 = 1.5%).
type Config struct {
	StopLossPct   float64 // Initial stop distance from entry
	TakeProfitPct float64 // Initial target distance from entry

	ATREstimationPct      float64 // ATR proxy as a share of price when no true ATR is available
	TrailingMultiplier    float64 // Trailing distance = ATR * multiplier
	TrailingActivationPct float64 // Profit required before a trailing stop is placed

	TPMinPct               float64 // Smallest dynamic take-profit increment
	TPMaxPct               float64 // Largest dynamic take-profit increment
	MinProfitBucketPct     float64
	MaxProfitBucketPct     float64
	DynamicTPActivationPct float64 // Profit required before take profit is recomputed
}

// DefaultConfig returns the calculator defaults.
func DefaultConfig() Config {
	return Config{
		StopLossPct:            2.0,
		TakeProfitPct:          4.0,
		ATREstimationPct:       1.0,
		TrailingMultiplier:     1.5,
		TrailingActivationPct:  1.0,
		TPMinPct:               1.0,
		TPMaxPct:               3.0,
		MinProfitBucketPct:     1.5,
		MaxProfitBucketPct:     3.0,
		DynamicTPActivationPct: 0.5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []string
	if c.StopLossPct <= 0 || c.StopLossPct >= 100 {
		errs = append(errs, "stop loss pct must be in (0, 100)")
	}
	if c.TakeProfitPct <= 0 {
		errs = append(errs, "take profit pct must be positive")
	}
	if c.ATREstimationPct <= 0 || c.ATREstimationPct >= 100 {
		errs = append(errs, "ATR estimation pct must be in (0, 100)")
	}
	if c.TrailingMultiplier <= 0 {
		errs = append(errs, "trailing multiplier must be positive")
	}
	if c.TrailingActivationPct < 0 || c.DynamicTPActivationPct < 0 {
		errs = append(errs, "activation thresholds must not be negative")
	}
	if c.TPMinPct <= 0 || c.TPMaxPct < c.TPMinPct {
		errs = append(errs, "take profit increments must satisfy 0 < min <= max")
	}
	if c.MinProfitBucketPct <= 0 || c.MaxProfitBucketPct < c.MinProfitBucketPct {
		errs = append(errs, "profit buckets must satisfy 0 < min <= max")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: level calculator: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

// Calculator derives trailing stops and dynamic take profits. It keeps no
// state between calls; results depend only on the position, price and config.
type Calculator struct {
	config Config
}

// NewCalculator creates a level calculator.
func NewCalculator(config Config) (*Calculator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{config: config}, nil
}

// Config returns the calculator configuration.
func (c *Calculator) Config() Config {
	return c.config
}

// InitialLevels returns the stop loss and take profit for a fresh entry.
func (c *Calculator) InitialLevels(entryPrice float64, side domain.Side) domain.Levels {
	sl := c.config.StopLossPct / 100
	tp := c.config.TakeProfitPct / 100
	if side == domain.Long {
		return domain.Levels{StopLoss: entryPrice * (1 - sl), TakeProfit: entryPrice * (1 + tp)}
	}
	return domain.Levels{StopLoss: entryPrice * (1 + sl), TakeProfit: entryPrice * (1 - tp)}
}

// TrailingStop returns a trailing stop for pos at price. atr is a true ATR in
// price units; pass 0 to fall back to the configured estimate. The second
// result is false when the position is not yet in enough profit or the new
// level would not improve the existing one.
func (c *Calculator) TrailingStop(pos *domain.Position, price, atr float64) (float64, bool) {
	if pos == nil || !pos.IsOpen() || !domain.IsValidPrice(price) {
		return 0, false
	}
	if pos.PnLPctAt(price) < c.config.TrailingActivationPct {
		return 0, false
	}

	atrFrac := c.config.ATREstimationPct / 100
	if domain.IsValidPrice(atr) {
		atrFrac = atr / price
	}
	distance := atrFrac * c.config.TrailingMultiplier

	var level float64
	if pos.IsLong() {
		level = price * (1 - distance)
	} else {
		level = price * (1 + distance)
	}
	if !pos.ImprovesTrailingStop(level) {
		return 0, false
	}
	return level, true
}

// DynamicTakeProfit returns a take profit recomputed from the current profit
// bucket, or false when no tier applies or the result would not improve the
// current take profit.
func (c *Calculator) DynamicTakeProfit(pos *domain.Position, price float64) (float64, bool) {
	if pos == nil || !pos.IsOpen() || !domain.IsValidPrice(price) {
		return 0, false
	}
	profit := pos.PnLPctAt(price)
	if profit < c.config.DynamicTPActivationPct {
		return 0, false
	}

	increment, ok := c.takeProfitIncrement(profit)
	if !ok {
		return 0, false
	}

	var level float64
	if pos.IsLong() {
		level = price * (1 + increment/100)
		if pos.TakeProfit != 0 && level <= pos.TakeProfit {
			return 0, false
		}
	} else {
		level = price * (1 - increment/100)
		if pos.TakeProfit != 0 && level >= pos.TakeProfit {
			return 0, false
		}
	}
	if !domain.IsValidPrice(level) {
		return 0, false
	}
	return level, true
}

// takeProfitIncrement maps profit (%) to a take-profit increment (%).
func (c *Calculator) takeProfitIncrement(profit float64) (float64, bool) {
	switch {
	case profit >= c.config.MaxProfitBucketPct:
		return c.config.TPMaxPct * 0.67, true
	case profit >= c.config.MaxProfitBucketPct*0.67:
		return c.config.TPMaxPct * 0.5, true
	case profit >= c.config.MinProfitBucketPct*0.67:
		return c.config.TPMinPct, true
	default:
		return 0, false
	}
}
