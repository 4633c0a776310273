// Package paper fills close decisions against the local ledger instead of an exchange.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"positionEngine/internal/domain"
	"positionEngine/internal/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger settles a close. The sqlite repository satisfies it.
type Ledger interface {
	ApplyClose(ctx context.Context, tradeID int64, exitPrice float64, reason domain.CloseReason) (bool, error)
}

// Config holds simulator parameters.
type Config struct {
	SlippagePct float64 // Adverse slippage applied to every fill, in percent
	TickSize    float64 // Fill prices are rounded to this increment; 0 disables rounding
	MaxFills    int     // Fills kept in memory for inspection
}

// DefaultConfig returns the simulator defaults.
func DefaultConfig() Config {
	return Config{SlippagePct: 0.05, TickSize: 0.01, MaxFills: 500}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SlippagePct < 0 || c.SlippagePct >= 100 {
		return fmt.Errorf("%w: paper slippage must be in [0, 100), got %v", ports.ErrConfigurationError, c.SlippagePct)
	}
	if c.TickSize < 0 {
		return fmt.Errorf("%w: paper tick size must not be negative", ports.ErrConfigurationError)
	}
	if c.MaxFills < 1 {
		return fmt.Errorf("%w: paper fill history must hold at least one fill", ports.ErrConfigurationError)
	}
	return nil
}

// Fill is one simulated close.
type Fill struct {
	ID             string
	TradeID        int64
	Symbol         string
	Side           domain.Side
	RequestedPrice float64
	FillPrice      float64
	Reason         domain.CloseReason
	FilledAt       time.Time
}

// Simulator implements ports.CloseExecutor for paper trading.
type Simulator struct {
	cfg    Config
	ledger Ledger
	logger ports.Logger
	now    func() time.Time

	mu    sync.Mutex
	fills []Fill
}

// NewSimulator creates a paper close executor.
func NewSimulator(cfg Config, ledger Ledger, logger ports.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil || logger == nil {
		return nil, errors.New("ledger and logger are required for the paper simulator")
	}
	return &Simulator{cfg: cfg, ledger: ledger, logger: logger, now: time.Now}, nil
}

// ClosePosition fills pos at exitPrice adjusted for slippage and tick size and
// settles it in the ledger. A position the ledger no longer holds open yields
// an error wrapping ports.ErrAlreadyClosed.
func (s *Simulator) ClosePosition(ctx context.Context, pos *domain.Position, exitPrice float64, reason domain.CloseReason) error {
	op := "PaperClose"
	if pos == nil {
		return fmt.Errorf("%s: %w: nil position", op, ports.ErrInvalidRequest)
	}
	if !pos.IsOpen() {
		return fmt.Errorf("%s: trade %d: %w", op, pos.TradeID, ports.ErrAlreadyClosed)
	}
	if !domain.IsValidPrice(exitPrice) {
		return fmt.Errorf("%s: trade %d exit price %v: %w", op, pos.TradeID, exitPrice, ports.ErrInvalidPrice)
	}

	fillPrice := s.fillPrice(pos.Side, exitPrice)
	applied, err := s.ledger.ApplyClose(ctx, pos.TradeID, fillPrice, reason)
	if err != nil {
		return fmt.Errorf("%s: trade %d: %w", op, pos.TradeID, err)
	}
	if !applied {
		return fmt.Errorf("%s: trade %d: %w", op, pos.TradeID, ports.ErrAlreadyClosed)
	}

	fill := Fill{
		ID:             uuid.NewString(),
		TradeID:        pos.TradeID,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		RequestedPrice: exitPrice,
		FillPrice:      fillPrice,
		Reason:         reason,
		FilledAt:       s.now(),
	}
	s.record(fill)

	s.logger.Info(ctx, op+": position filled", map[string]interface{}{
		"fillID":    fill.ID,
		"tradeID":   pos.TradeID,
		"symbol":    pos.Symbol,
		"side":      pos.Side,
		"requested": exitPrice,
		"fillPrice": fillPrice,
		"reason":    reason,
		"pnl":       pos.PnLAt(fillPrice),
	})
	return nil
}

// fillPrice moves price against the closing side and rounds it to the tick.
// Closing a LONG sells, so it fills lower; closing a SHORT buys, so it fills higher.
func (s *Simulator) fillPrice(side domain.Side, price float64) float64 {
	p := decimal.NewFromFloat(price)
	slip := decimal.NewFromFloat(s.cfg.SlippagePct).Div(decimal.NewFromInt(100))
	if side == domain.Long {
		p = p.Mul(decimal.NewFromInt(1).Sub(slip))
	} else {
		p = p.Mul(decimal.NewFromInt(1).Add(slip))
	}

	if s.cfg.TickSize > 0 {
		tick := decimal.NewFromFloat(s.cfg.TickSize)
		rounded := p.Div(tick).Round(0).Mul(tick)
		if rounded.IsPositive() {
			p = rounded
		}
	}
	v, _ := p.Float64()
	return v
}

func (s *Simulator) record(f Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
	if over := len(s.fills) - s.cfg.MaxFills; over > 0 {
		s.fills = append([]Fill(nil), s.fills[over:]...)
	}
}

// Fills returns the retained fills, oldest first.
func (s *Simulator) Fills() []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fill(nil), s.fills...)
}
