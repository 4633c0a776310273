package utils

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"positionEngine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteMissedExecutions(t *testing.T) {
	at := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := WriteMissedExecutions(&buf, []domain.MissedExecution{{
		TradeID: 7, Symbol: "BTCUSDT", Side: domain.Long, TargetType: domain.TargetTakeProfit,
		TargetPrice: 51000, ActualPriceReached: 51200, TimestampReached: at,
		CurrentPrice: 50500, PotentialPnLMissed: 50, Reason: "LONG take profit, reached",
	}})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, missedHeader, rows[0])
	assert.Equal(t, []string{
		"7", "BTCUSDT", "LONG", "TP", "51000", "51200", "2026-06-01T09:30:00Z", "50500", "50.00", "LONG take profit, reached",
	}, rows[1])
}

func TestWriteMissedExecutionsToCSV_CreatesDirectory(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "reports", "missed.csv")
	require.NoError(t, WriteMissedExecutionsToCSV(nil, filename))

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(data), "trade_id,symbol,side")
}
