package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"positionEngine/internal/cache"
	"positionEngine/internal/indicators"
	"positionEngine/internal/ports"
)

// ATRSource computes a per-symbol ATR from recent minute klines and caches it.
type ATRSource struct {
	feed   ports.PriceFeed
	atr    *indicators.ATR
	period int
	cache  *cache.TTLCache[string, float64]
	now    func() time.Time
}

// NewATRSource creates an ATR source over feed. Values are reused for ttl.
func NewATRSource(feed ports.PriceFeed, period int, ttl time.Duration) (*ATRSource, error) {
	if feed == nil {
		return nil, errors.New("price feed is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ATR cache TTL must be positive, got %s: %w", ttl, ports.ErrConfigurationError)
	}
	atr, err := indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: period}})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrConfigurationError, err)
	}
	return &ATRSource{
		feed:   feed,
		atr:    atr,
		period: period,
		cache:  cache.New[string, float64](ttl),
		now:    time.Now,
	}, nil
}

// ATR returns the current ATR for symbol in price units.
func (s *ATRSource) ATR(ctx context.Context, symbol string) (float64, error) {
	if v, ok := s.cache.Get(symbol); ok {
		return v, nil
	}

	to := s.now()
	// A few spare minutes cover the still-forming kline and small feed gaps.
	from := to.Add(-time.Duration(s.atr.RequiredDataPoints()+5) * time.Minute)
	klines, err := s.feed.HistoricalKlines(ctx, symbol, from, to)
	if err != nil {
		return 0, fmt.Errorf("fetch klines for ATR of %s: %w", symbol, err)
	}
	v, err := s.atr.Calculate(ctx, klines)
	if err != nil {
		return 0, fmt.Errorf("%s for %s: %w: %w", s.atr.Name(), symbol, ports.ErrNoData, err)
	}
	s.cache.Set(symbol, v)
	return v, nil
}

// Clear drops cached values.
func (s *ATRSource) Clear() {
	s.cache.Clear()
}
