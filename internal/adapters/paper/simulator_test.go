package paper

import (
	"context"
	"errors"
	"testing"

	"positionEngine/internal/domain"
	"positionEngine/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type closeCall struct {
	tradeID int64
	price   float64
	reason  domain.CloseReason
}

// mockLedger implements Ledger for testing
type mockLedger struct {
	open  map[int64]bool
	err   error
	calls []closeCall
}

func (l *mockLedger) ApplyClose(ctx context.Context, tradeID int64, exitPrice float64, reason domain.CloseReason) (bool, error) {
	l.calls = append(l.calls, closeCall{tradeID, exitPrice, reason})
	if l.err != nil {
		return false, l.err
	}
	if !l.open[tradeID] {
		return false, nil
	}
	l.open[tradeID] = false
	return true, nil
}

func openPosition(id int64, side domain.Side) *domain.Position {
	return &domain.Position{TradeID: id, Symbol: "BTCUSDT", Side: side, EntryPrice: 50000, Quantity: 0.1, Status: domain.StatusOpen}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"no slippage no tick", Config{MaxFills: 1}, false},
		{"negative slippage", Config{SlippagePct: -1, MaxFills: 1}, true},
		{"negative tick", Config{TickSize: -0.1, MaxFills: 1}, true},
		{"no history", Config{SlippagePct: 0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ports.ErrConfigurationError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFillPrice(t *testing.T) {
	s, err := NewSimulator(Config{SlippagePct: 0.1, TickSize: 0.5, MaxFills: 10}, &mockLedger{}, &mockLogger{})
	require.NoError(t, err)

	// 51000 * 0.999 = 50949 -> already on a 0.5 tick
	assert.Equal(t, 50949.0, s.fillPrice(domain.Long, 51000))
	// 51000 * 1.001 = 51051
	assert.Equal(t, 51051.0, s.fillPrice(domain.Short, 51000))
	// 100.3 * 0.999 = 100.1997 -> 100.0
	assert.Equal(t, 100.0, s.fillPrice(domain.Long, 100.3))

	exact, err := NewSimulator(Config{MaxFills: 1}, &mockLedger{}, &mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, 123.456789, exact.fillPrice(domain.Long, 123.456789))
}

func TestClosePosition(t *testing.T) {
	ctx := context.Background()

	t.Run("settles once", func(t *testing.T) {
		ledger := &mockLedger{open: map[int64]bool{1: true}}
		s, err := NewSimulator(Config{SlippagePct: 0, TickSize: 0.01, MaxFills: 10}, ledger, &mockLogger{})
		require.NoError(t, err)

		require.NoError(t, s.ClosePosition(ctx, openPosition(1, domain.Long), 51000, domain.CloseReasonTakeProfit))
		require.Len(t, ledger.calls, 1)
		assert.Equal(t, closeCall{1, 51000, domain.CloseReasonTakeProfit}, ledger.calls[0])

		fills := s.Fills()
		require.Len(t, fills, 1)
		assert.NotEmpty(t, fills[0].ID)
		assert.Equal(t, 51000.0, fills[0].FillPrice)

		err = s.ClosePosition(ctx, openPosition(1, domain.Long), 51000, domain.CloseReasonTakeProfit)
		assert.ErrorIs(t, err, ports.ErrAlreadyClosed)
		assert.Len(t, s.Fills(), 1)
	})

	t.Run("closed snapshot is rejected without touching the ledger", func(t *testing.T) {
		ledger := &mockLedger{open: map[int64]bool{}}
		s, err := NewSimulator(DefaultConfig(), ledger, &mockLogger{})
		require.NoError(t, err)

		pos := openPosition(2, domain.Short)
		pos.Status = domain.StatusClosed
		assert.ErrorIs(t, s.ClosePosition(ctx, pos, 100, domain.CloseReasonStopLoss), ports.ErrAlreadyClosed)
		assert.Empty(t, ledger.calls)
	})

	t.Run("invalid price", func(t *testing.T) {
		ledger := &mockLedger{open: map[int64]bool{3: true}}
		s, err := NewSimulator(DefaultConfig(), ledger, &mockLogger{})
		require.NoError(t, err)

		assert.ErrorIs(t, s.ClosePosition(ctx, openPosition(3, domain.Long), 0, domain.CloseReasonStopLoss), ports.ErrInvalidPrice)
		assert.Empty(t, ledger.calls)
	})

	t.Run("ledger error is returned", func(t *testing.T) {
		ledger := &mockLedger{err: errors.New("disk full")}
		s, err := NewSimulator(DefaultConfig(), ledger, &mockLogger{})
		require.NoError(t, err)

		err = s.ClosePosition(ctx, openPosition(4, domain.Long), 100, domain.CloseReasonStopLoss)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ports.ErrAlreadyClosed)
		assert.Empty(t, s.Fills())
	})
}

func TestFills_Bounded(t *testing.T) {
	ledger := &mockLedger{open: map[int64]bool{}}
	s, err := NewSimulator(Config{MaxFills: 2}, ledger, &mockLogger{})
	require.NoError(t, err)

	for id := int64(1); id <= 3; id++ {
		ledger.open[id] = true
		require.NoError(t, s.ClosePosition(context.Background(), openPosition(id, domain.Long), 100, domain.CloseReasonMaxTime))
	}
	fills := s.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, int64(2), fills[0].TradeID)
	assert.Equal(t, int64(3), fills[1].TradeID)
}

func TestNewSimulator_RequiresDependencies(t *testing.T) {
	_, err := NewSimulator(DefaultConfig(), nil, &mockLogger{})
	assert.Error(t, err)
}
