package indicators

import (
	"context"
	"fmt"
	"math"

	"positionEngine/internal/domain"
)

// ATRConfig holds configuration for the Average True Range indicator
type ATRConfig struct {
	IndicatorConfig
}

// ATR implements the Average True Range indicator with Wilder smoothing.
type ATR struct {
	config ATRConfig
}

// NewATR creates a new Average True Range indicator instance
func NewATR(config ATRConfig) (*ATR, error) {
	if config.Period <= 0 {
		return nil, fmt.Errorf("ATR period must be positive, got %d", config.Period)
	}
	return &ATR{config: config}, nil
}

// Name returns the name of the indicator
func (a *ATR) Name() string {
	return fmt.Sprintf("ATR(%d)", a.config.Period)
}

// RequiredDataPoints returns the minimum number of klines needed for calculation
func (a *ATR) RequiredDataPoints() int {
	return a.config.Period + 1
}

// Calculate computes the Average True Range over klines ordered oldest first.
func (a *ATR) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	period := a.config.Period
	if len(klines) < a.RequiredDataPoints() {
		return 0, fmt.Errorf("not enough data points for ATR calculation: need %d, got %d", a.RequiredDataPoints(), len(klines))
	}

	trueRanges := make([]float64, len(klines))
	trueRanges[0] = klines[0].High - klines[0].Low
	for i := 1; i < len(klines); i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		prevClose := klines[i-1].Close
		// Greatest of high-low and the gaps from the previous close.
		trueRanges[i] = math.Max(klines[i].High-klines[i].Low,
			math.Max(math.Abs(klines[i].High-prevClose), math.Abs(klines[i].Low-prevClose)))
	}

	// Seed with the simple average of the first period ranges, then smooth.
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trueRanges[i]
	}
	atr /= float64(period)
	for i := period; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}

	if math.IsNaN(atr) || math.IsInf(atr, 0) || atr < 0 {
		return 0, fmt.Errorf("ATR calculation produced invalid value %v", atr)
	}
	return atr, nil
}
