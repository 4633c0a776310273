package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Position represents a trade tracked by the engine.
// Optional price levels (StopLoss, TakeProfit, TrailingStop) use 0 for "not set".
type Position struct {
	TradeID          int64          // Immutable unique identifier (primary key in the store)
	Symbol           string         // Trading symbol (e.g., "BTCUSDT")
	Side             Side           // LONG or SHORT
	EntryPrice       float64        // Price at which the position was entered
	Quantity         float64        // Size of the position
	CurrentPrice     float64        // Last price marked by the engine
	UnrealizedPnL    float64        // PnL at CurrentPrice in quote currency
	UnrealizedPnLPct float64        // PnL at CurrentPrice as a percentage of entry value
	StopLoss         float64        // Stop-loss level
	TakeProfit       float64        // Take-profit level
	TrailingStop     float64        // Trailing stop level, ratchets in the favourable direction only
	Status           PositionStatus // open or closed
	EntryTime        time.Time      // When the position was opened
	StrategyName     string         // Strategy that opened the position
	ConfidenceScore  float64        // Strategy confidence at entry
	Timeframe        string         // Strategy timeframe (e.g., "15m", "1h", "4h")
	IsPaper          bool           // Simulated position

	ExitPrice   float64     // Price at which the position was closed (0 if open)
	ExitTime    time.Time   // When the position was closed (zero if open)
	PNL         float64     // Realised PnL (set on close)
	CloseReason CloseReason // Why the position was closed
}

// Levels is a protective-level update. Zero fields mean "leave unchanged".
type Levels struct {
	StopLoss     float64
	TakeProfit   float64
	TrailingStop float64
}

// IsEmpty reports whether the update carries no change at all.
func (l Levels) IsEmpty() bool {
	return l.StopLoss == 0 && l.TakeProfit == 0 && l.TrailingStop == 0
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// IsLong reports whether the position profits from rising prices.
func (p *Position) IsLong() bool {
	return p.Side == Long
}

// EntryValue is the notional value at entry.
func (p *Position) EntryValue() float64 {
	return p.EntryPrice * p.Quantity
}

// DaysHeld returns the fractional number of days since entry.
func (p *Position) DaysHeld(now time.Time) float64 {
	if p.EntryTime.IsZero() || now.Before(p.EntryTime) {
		return 0
	}
	return now.Sub(p.EntryTime).Hours() / 24
}

// PnLAt returns the PnL the position would realise at the given price.
func (p *Position) PnLAt(price float64) float64 {
	if p.IsLong() {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}

// PnLPctAt returns the PnL at price as a percentage of the entry value.
func (p *Position) PnLPctAt(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.IsLong() {
		return (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// MarkToMarket sets the current price and recomputes the unrealised figures.
func (p *Position) MarkToMarket(price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = p.PnLAt(price)
	p.UnrealizedPnLPct = p.PnLPctAt(price)
}

// ImprovesTrailingStop reports whether v moves the trailing stop in the favourable
// direction: upward for LONG, downward for SHORT. Any positive value improves an unset stop.
func (p *Position) ImprovesTrailingStop(v float64) bool {
	if !IsValidPrice(v) {
		return false
	}
	if p.TrailingStop == 0 {
		return true
	}
	if p.IsLong() {
		return v > p.TrailingStop
	}
	return v < p.TrailingStop
}

// TightensStopLoss reports whether v moves the stop loss closer to price, never loosening it.
func (p *Position) TightensStopLoss(v float64) bool {
	if !IsValidPrice(v) {
		return false
	}
	if p.StopLoss == 0 {
		return true
	}
	if p.IsLong() {
		return v > p.StopLoss
	}
	return v < p.StopLoss
}

// ApplyLevels copies the non-zero fields of l onto the position.
func (p *Position) ApplyLevels(l Levels) {
	if l.StopLoss != 0 {
		p.StopLoss = l.StopLoss
	}
	if l.TakeProfit != 0 {
		p.TakeProfit = l.TakeProfit
	}
	if l.TrailingStop != 0 {
		p.TrailingStop = l.TrailingStop
	}
}

// Clone returns a copy that shares no state with p.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// ErrInvalidPosition is returned by Validate for records the engine cannot evaluate.
var ErrInvalidPosition = errors.New("invalid position")

// Validate checks the fields the engine relies on. A position that fails is
// skipped for the cycle rather than evaluated with garbage.
func (p *Position) Validate() error {
	switch {
	case p.TradeID <= 0:
		return fmt.Errorf("%w: missing trade id", ErrInvalidPosition)
	case p.Symbol == "":
		return fmt.Errorf("%w: trade %d has no symbol", ErrInvalidPosition, p.TradeID)
	case !p.Side.Valid():
		return fmt.Errorf("%w: trade %d has unknown side %q", ErrInvalidPosition, p.TradeID, p.Side)
	case !IsValidPrice(p.EntryPrice):
		return fmt.Errorf("%w: trade %d has entry price %v", ErrInvalidPosition, p.TradeID, p.EntryPrice)
	case !IsValidPrice(p.Quantity):
		return fmt.Errorf("%w: trade %d has quantity %v", ErrInvalidPosition, p.TradeID, p.Quantity)
	}
	for name, v := range map[string]float64{"stop loss": p.StopLoss, "take profit": p.TakeProfit, "trailing stop": p.TrailingStop} {
		if v != 0 && !IsValidPrice(v) {
			return fmt.Errorf("%w: trade %d has %s %v", ErrInvalidPosition, p.TradeID, name, v)
		}
	}
	if p.TakeProfit != 0 {
		if p.IsLong() && p.TakeProfit <= p.EntryPrice || !p.IsLong() && p.TakeProfit >= p.EntryPrice {
			return fmt.Errorf("%w: trade %d take profit %v is on the losing side of entry %v", ErrInvalidPosition, p.TradeID, p.TakeProfit, p.EntryPrice)
		}
	}
	return nil
}

// IsValidPrice reports whether v is a finite, strictly positive number.
func IsValidPrice(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
