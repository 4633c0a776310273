package ports

import (
	"context"

	"positionEngine/internal/domain"
)

// PositionRepository is the relational system of record for positions.
// The engine's in-memory snapshot is a disposable projection of it.
type PositionRepository interface {
	// QueryOpenPositions returns every position with status open.
	// When paperOnly is set only simulated positions are returned.
	QueryOpenPositions(ctx context.Context, paperOnly bool) ([]*domain.Position, error)
	// ApplyClose marks the position closed at exitPrice and settles it.
	// It returns false when the position was not open (already closed or unknown).
	ApplyClose(ctx context.Context, tradeID int64, exitPrice float64, reason domain.CloseReason) (bool, error)
	// UpdateLevels persists the non-zero fields of levels on an open position.
	// It returns false when no open position matched.
	UpdateLevels(ctx context.Context, tradeID int64, levels domain.Levels) (bool, error)
}

// TradeRepository exposes settled closes written by ApplyClose.
type TradeRepository interface {
	// FindTradesBySymbol retrieves the most recent settlements for a symbol, up to a limit.
	FindTradesBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)
	// GetBalance returns the ledger balance for an asset.
	GetBalance(ctx context.Context, asset string) (float64, error)
}
