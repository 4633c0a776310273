package exit

import (
	"math"
	"testing"
	"time"

	"positionEngine/internal/domain"
	"positionEngine/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func longPos() *domain.Position {
	return &domain.Position{
		TradeID: 1, Symbol: "BTCUSDT", Side: domain.Long, EntryPrice: 100, Quantity: 1,
		StopLoss: 95, TakeProfit: 110, Status: domain.StatusOpen, EntryTime: entryTime, Timeframe: "1h",
	}
}

func shortPos() *domain.Position {
	return &domain.Position{
		TradeID: 2, Symbol: "ETHUSDT", Side: domain.Short, EntryPrice: 100, Quantity: 1,
		StopLoss: 105, TakeProfit: 90, Status: domain.StatusOpen, EntryTime: entryTime, Timeframe: "1h",
	}
}

func TestEvaluate_PriceRules(t *testing.T) {
	e, err := NewEvaluator(TimeExitConfig{})
	require.NoError(t, err)
	now := entryTime.Add(time.Minute)

	tests := []struct {
		name   string
		pos    func() *domain.Position
		price  float64
		want   domain.CloseReason
		wantOK bool
	}{
		{name: "long inside range", pos: longPos, price: 102},
		{name: "long take profit", pos: longPos, price: 110, want: domain.CloseReasonTakeProfit, wantOK: true},
		{name: "long stop loss", pos: longPos, price: 95, want: domain.CloseReasonStopLoss, wantOK: true},
		{name: "short inside range", pos: shortPos, price: 98},
		{name: "short take profit", pos: shortPos, price: 89, want: domain.CloseReasonTakeProfit, wantOK: true},
		{name: "short stop loss", pos: shortPos, price: 105.5, want: domain.CloseReasonStopLoss, wantOK: true},
		{
			name: "long trailing stop",
			pos: func() *domain.Position {
				p := longPos()
				p.TrailingStop = 103
				return p
			},
			price: 102.9, want: domain.CloseReasonTrailingStop, wantOK: true,
		},
		{
			name: "short trailing stop",
			pos: func() *domain.Position {
				p := shortPos()
				p.TrailingStop = 97
				return p
			},
			price: 97, want: domain.CloseReasonTrailingStop, wantOK: true,
		},
		{
			name: "gapped price hits both take profit wins",
			pos: func() *domain.Position {
				p := longPos()
				p.StopLoss = 120 // pathological: price is both >= TP and <= SL
				return p
			},
			price: 115, want: domain.CloseReasonTakeProfit, wantOK: true,
		},
		{
			name: "short gapped price take profit wins",
			pos: func() *domain.Position {
				p := shortPos()
				p.StopLoss = 80
				return p
			},
			price: 85, want: domain.CloseReasonTakeProfit, wantOK: true,
		},
		{
			name: "unset levels never trigger",
			pos: func() *domain.Position {
				p := longPos()
				p.StopLoss, p.TakeProfit = 0, 0
				return p
			},
			price: 1,
		},
		{
			name: "closed position",
			pos: func() *domain.Position {
				p := longPos()
				p.Status = domain.StatusClosed
				return p
			},
			price: 200,
		},
		{name: "nan price", pos: longPos, price: math.NaN()},
		{name: "infinite price", pos: longPos, price: math.Inf(1)},
		{name: "zero price", pos: longPos, price: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.Evaluate(tt.pos(), tt.price, now)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_TimeRules(t *testing.T) {
	cfg := TimeExitConfig{
		Enabled:                 true,
		ExpectedCandles:         10, // 1h timeframe: expected 10h, ceiling 30h
		DefaultExpectedDuration: 24 * time.Hour,
		MaxDurationMultiplier:   3,
		TargetProfitPct:         1,
		TargetLossPct:           2,
		DecayStartLossPct:       4,
		DecayEndLossPct:         1,
	}
	e, err := NewEvaluator(cfg)
	require.NoError(t, err)

	// Keep price-based rules out of the way.
	pos := func() *domain.Position {
		p := longPos()
		p.StopLoss, p.TakeProfit = 0, 0
		return p
	}

	tests := []struct {
		name   string
		held   time.Duration
		price  float64
		want   domain.CloseReason
		wantOK bool
	}{
		{name: "early flat", held: time.Hour, price: 100},
		{name: "early small loss within decay tolerance", held: time.Hour, price: 97},
		{name: "early loss beyond decay start", held: time.Hour, price: 95.5, want: domain.CloseReasonTimeDecayLoss, wantOK: true},
		{name: "expected reached with profit", held: 10 * time.Hour, price: 101, want: domain.CloseReasonTimeProfit, wantOK: true},
		{name: "expected reached with loss", held: 10 * time.Hour, price: 98, want: domain.CloseReasonTimeLoss, wantOK: true},
		{name: "expected reached small profit holds", held: 10 * time.Hour, price: 100.5},
		{name: "loss target checked before decay", held: 15 * time.Hour, price: 97.4, want: domain.CloseReasonTimeLoss, wantOK: true},
		{name: "ceiling reached", held: 30 * time.Hour, price: 100.5, want: domain.CloseReasonMaxTime, wantOK: true},
		{name: "before entry", held: -time.Hour, price: 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.Evaluate(pos(), tt.price, entryTime.Add(tt.held))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	monthly := pos()
	monthly.Timeframe = "1M"
	_, ok := e.Evaluate(monthly, 100.5, entryTime.Add(30*time.Hour))
	assert.False(t, ok, "a monthly position is nowhere near its ceiling after 30h")
}

func TestEvaluate_DecayThresholdTightens(t *testing.T) {
	e, err := NewEvaluator(TimeExitConfig{
		Enabled:                 true,
		ExpectedCandles:         100, // expected far away so only decay applies before it
		DefaultExpectedDuration: time.Hour,
		MaxDurationMultiplier:   1,
		TargetLossPct:           50,
		DecayStartLossPct:       5,
		DecayEndLossPct:         1,
	})
	require.NoError(t, err)

	p := longPos()
	p.StopLoss, p.TakeProfit = 0, 0
	p.Timeframe = "1m" // expected = ceiling = 100m

	// 3% loss: tolerated early, breached once threshold falls below 3% (f > 0.5).
	_, ok := e.Evaluate(p, 97, entryTime.Add(40*time.Minute))
	assert.False(t, ok)
	reason, ok := e.Evaluate(p, 97, entryTime.Add(60*time.Minute))
	assert.True(t, ok)
	assert.Equal(t, domain.CloseReasonTimeDecayLoss, reason)
}

func TestEvaluate_TimeRulesDisabled(t *testing.T) {
	e, err := NewEvaluator(TimeExitConfig{Enabled: false})
	require.NoError(t, err)
	p := longPos()
	p.StopLoss, p.TakeProfit = 0, 0

	_, ok := e.Evaluate(p, 50, entryTime.Add(365*24*time.Hour))
	assert.False(t, ok)
}

func TestTimeExitConfig_Validate(t *testing.T) {
	valid := DefaultTimeExitConfig()
	valid.Enabled = true
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*TimeExitConfig)
	}{
		{name: "no candles", mutate: func(c *TimeExitConfig) { c.ExpectedCandles = 0 }},
		{name: "no default duration", mutate: func(c *TimeExitConfig) { c.DefaultExpectedDuration = 0 }},
		{name: "multiplier below one", mutate: func(c *TimeExitConfig) { c.MaxDurationMultiplier = 0.5 }},
		{name: "negative target", mutate: func(c *TimeExitConfig) { c.TargetLossPct = -1 }},
		{name: "decay widens", mutate: func(c *TimeExitConfig) { c.DecayStartLossPct, c.DecayEndLossPct = 1, 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewEvaluator(cfg)
			assert.ErrorIs(t, err, ports.ErrConfigurationError)
		})
	}
}

func TestTimeframeDuration(t *testing.T) {
	tests := []struct {
		in     string
		want   time.Duration
		wantOK bool
	}{
		{"1m", time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"4h", 4 * time.Hour, true},
		{"1D", 24 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{"1M", 30 * 24 * time.Hour, true},
		{" 3m ", 3 * time.Minute, true},
		{"", 0, false},
		{"h", 0, false},
		{"0h", 0, false},
		{"5x", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := TimeframeDuration(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	e, err := NewEvaluator(TimeExitConfig{Enabled: true, ExpectedCandles: 4, DefaultExpectedDuration: 6 * time.Hour, MaxDurationMultiplier: 2})
	require.NoError(t, err)
	assert.Equal(t, 16*time.Hour, e.ExpectedDuration("4h"))
	assert.Equal(t, 6*time.Hour, e.ExpectedDuration("weird"))
	assert.Equal(t, 4*30*24*time.Hour, e.ExpectedDuration("1M"), "monthly is not read as minutes")
}
