package domain

import "time"

// Kline represents a single candlestick. The auditor replays minute klines
// against recorded targets; the monitor derives ATR from them.
type Kline struct {
	OpenTime  time.Time // Start time of the interval
	CloseTime time.Time // End time of the interval
	Symbol    string    // Trading symbol
	Interval  string    // Kline interval (e.g., "1m", "1h")
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Crosses reports whether the candle's high/low range reached target in the
// direction that matters for the given side and target type.
func (k *Kline) Crosses(side Side, target TargetType, price float64) bool {
	upward := side == Long && target == TargetTakeProfit || side == Short && target == TargetStopLoss
	if upward {
		return k.High >= price
	}
	return k.Low <= price
}

// Extreme returns the price the candle reached on the side that crossed.
func (k *Kline) Extreme(side Side, target TargetType) float64 {
	if side == Long && target == TargetTakeProfit || side == Short && target == TargetStopLoss {
		return k.High
	}
	return k.Low
}
