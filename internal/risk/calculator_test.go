package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"positionEngine/internal/domain"
	"positionEngine/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPos(side domain.Side) *domain.Position {
	return &domain.Position{
		TradeID: 1, Symbol: "BTCUSDT", Side: side, EntryPrice: 100, Quantity: 1,
		Status: domain.StatusOpen, EntryTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newCalc(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(DefaultConfig())
	require.NoError(t, err)
	return c
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero stop loss", mutate: func(c *Config) { c.StopLossPct = 0 }},
		{name: "zero atr estimate", mutate: func(c *Config) { c.ATREstimationPct = 0 }},
		{name: "negative multiplier", mutate: func(c *Config) { c.TrailingMultiplier = -1 }},
		{name: "negative activation", mutate: func(c *Config) { c.TrailingActivationPct = -0.1 }},
		{name: "tp max below min", mutate: func(c *Config) { c.TPMaxPct = 0.5 }},
		{name: "buckets inverted", mutate: func(c *Config) { c.MaxProfitBucketPct = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewCalculator(cfg)
			assert.ErrorIs(t, err, ports.ErrConfigurationError)
		})
	}
}

func TestCalculator_InitialLevels(t *testing.T) {
	c := newCalc(t)

	long := c.InitialLevels(50000, domain.Long)
	assert.InDelta(t, 49000, long.StopLoss, 1e-6)
	assert.InDelta(t, 52000, long.TakeProfit, 1e-6)

	short := c.InitialLevels(50000, domain.Short)
	assert.InDelta(t, 51000, short.StopLoss, 1e-6)
	assert.InDelta(t, 48000, short.TakeProfit, 1e-6)
}

func TestCalculator_TrailingStop(t *testing.T) {
	c := newCalc(t) // 1% ATR estimate x 1.5 = 1.5% distance, active from 1% profit

	tests := []struct {
		name   string
		pos    func() *domain.Position
		price  float64
		atr    float64
		want   float64
		wantOK bool
	}{
		{name: "long below activation", pos: func() *domain.Position { return newPos(domain.Long) }, price: 100.5},
		{name: "long estimated atr", pos: func() *domain.Position { return newPos(domain.Long) }, price: 110, want: 110 * (1 - 0.015), wantOK: true},
		{name: "long true atr", pos: func() *domain.Position { return newPos(domain.Long) }, price: 110, atr: 2, want: 110 - 3, wantOK: true},
		{name: "short estimated atr", pos: func() *domain.Position { return newPos(domain.Short) }, price: 90, want: 90 * (1 + 0.015), wantOK: true},
		{
			name: "long does not loosen",
			pos: func() *domain.Position {
				p := newPos(domain.Long)
				p.TrailingStop = 109
				return p
			},
			price: 110,
		},
		{
			name: "short does not loosen",
			pos: func() *domain.Position {
				p := newPos(domain.Short)
				p.TrailingStop = 90
				return p
			},
			price: 89,
		},
		{
			name: "closed position",
			pos: func() *domain.Position {
				p := newPos(domain.Long)
				p.Status = domain.StatusClosed
				return p
			},
			price: 120,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.TrailingStop(tt.pos(), tt.price, tt.atr)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCalculator_TrailingStopRatchet(t *testing.T) {
	c := newCalc(t)

	prices := []float64{102, 105, 103, 108, 101, 107, 112, 104}
	for _, side := range []domain.Side{domain.Long, domain.Short} {
		t.Run(string(side), func(t *testing.T) {
			pos := newPos(side)
			for _, p := range prices {
				price := p
				if side == domain.Short {
					price = 200 - p // mirror the path around entry
				}
				prev := pos.TrailingStop
				if v, ok := c.TrailingStop(pos, price, 0); ok {
					pos.TrailingStop = v
				}
				if prev == 0 {
					continue
				}
				if side == domain.Long {
					assert.GreaterOrEqual(t, pos.TrailingStop, prev)
				} else {
					assert.LessOrEqual(t, pos.TrailingStop, prev)
				}
			}
			assert.NotZero(t, pos.TrailingStop)
		})
	}
}

func TestCalculator_DynamicTakeProfit(t *testing.T) {
	c := newCalc(t) // buckets 1.5/3.0, increments 1.0/3.0

	tests := []struct {
		name   string
		side   domain.Side
		tp     float64
		price  float64
		want   float64
		wantOK bool
	}{
		{name: "below activation", side: domain.Long, price: 100.4},
		{name: "below lowest tier", side: domain.Long, price: 101},
		{name: "low tier", side: domain.Long, price: 101.5, want: 101.5 * 1.01, wantOK: true},
		{name: "middle tier", side: domain.Long, price: 102.5, want: 102.5 * 1.015, wantOK: true},
		{name: "top tier", side: domain.Long, price: 104, want: 104 * (1 + 3*0.67/100), wantOK: true},
		{name: "short top tier", side: domain.Short, price: 96, want: 96 * (1 - 3*0.67/100), wantOK: true},
		{name: "long not improving", side: domain.Long, tp: 110, price: 104},
		{name: "short not improving", side: domain.Short, tp: 90, price: 96},
		{name: "long improving existing", side: domain.Long, tp: 105, price: 104, want: 104 * (1 + 3*0.67/100), wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := newPos(tt.side)
			pos.TakeProfit = tt.tp
			got, ok := c.DynamicTakeProfit(pos, tt.price)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCalculator_DynamicTakeProfitMonotonic(t *testing.T) {
	c := newCalc(t)
	pos := newPos(domain.Long)
	pos.TakeProfit = 101.5

	prev := pos.TakeProfit
	for _, profitPct := range []float64{1.0, 2.0, 4.0} {
		price := pos.EntryPrice * (1 + profitPct/100)
		if v, ok := c.DynamicTakeProfit(pos, price); ok {
			pos.TakeProfit = v
		}
		assert.GreaterOrEqual(t, pos.TakeProfit, prev, "profit %.1f%%", profitPct)
		prev = pos.TakeProfit
	}
	assert.Greater(t, pos.TakeProfit, 101.5)
}

// mockFeed implements ports.PriceFeed for testing
type mockFeed struct {
	klines []*domain.Kline
	err    error
	calls  int
}

func (m *mockFeed) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, errors.New("not used")
}

func (m *mockFeed) HistoricalKlines(ctx context.Context, symbol string, from, to time.Time) ([]*domain.Kline, error) {
	m.calls++
	return m.klines, m.err
}

func TestATRSource(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	klines := make([]*domain.Kline, 0, 6)
	for i := 0; i < 6; i++ {
		klines = append(klines, &domain.Kline{OpenTime: start.Add(time.Duration(i) * time.Minute), High: 102, Low: 100, Close: 101})
	}

	t.Run("computes and caches", func(t *testing.T) {
		feed := &mockFeed{klines: klines}
		src, err := NewATRSource(feed, 3, time.Minute)
		require.NoError(t, err)

		v, err := src.ATR(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.InDelta(t, 2.0, v, 1e-9)

		_, err = src.ATR(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, 1, feed.calls)

		src.Clear()
		_, err = src.ATR(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, 2, feed.calls)
	})

	t.Run("feed error", func(t *testing.T) {
		src, err := NewATRSource(&mockFeed{err: ports.ErrFeedUnavailable}, 3, time.Minute)
		require.NoError(t, err)
		_, err = src.ATR(context.Background(), "BTCUSDT")
		assert.ErrorIs(t, err, ports.ErrFeedUnavailable)
	})

	t.Run("not enough klines", func(t *testing.T) {
		src, err := NewATRSource(&mockFeed{klines: klines[:2]}, 3, time.Minute)
		require.NoError(t, err)
		_, err = src.ATR(context.Background(), "BTCUSDT")
		assert.ErrorIs(t, err, ports.ErrNoData)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewATRSource(&mockFeed{}, 0, time.Minute)
		assert.ErrorIs(t, err, ports.ErrConfigurationError)
		_, err = NewATRSource(&mockFeed{}, 3, 0)
		assert.ErrorIs(t, err, ports.ErrConfigurationError)
	})
}
