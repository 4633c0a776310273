package ports

import (
	"context"
	"time"

	"positionEngine/internal/domain"
)

// PriceFeed supplies live and historical prices.
// Both calls may block on I/O and fail transiently.
type PriceFeed interface {
	// CurrentPrice retrieves the latest price for a symbol.
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	// HistoricalKlines retrieves minute klines opening within [from, to], oldest first.
	HistoricalKlines(ctx context.Context, symbol string, from, to time.Time) ([]*domain.Kline, error)
}

// CloseExecutor applies an accepted close decision. The engine treats it as a
// remote call that may fail and retries it within a bounded budget.
type CloseExecutor interface {
	// ClosePosition closes pos at (approximately) exitPrice for the given reason.
	// Implementations return an error wrapping ErrAlreadyClosed when the
	// position was closed elsewhere.
	ClosePosition(ctx context.Context, pos *domain.Position, exitPrice float64, reason domain.CloseReason) error
}
