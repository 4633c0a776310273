package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"positionEngine/internal/domain"
)

var missedHeader = []string{
	"trade_id", "symbol", "side", "target_type", "target_price", "actual_price_reached",
	"timestamp_reached", "current_price", "potential_pnl_missed", "reason",
}

// WriteMissedExecutionsToCSV writes the audit result to filename, creating its directory.
func WriteMissedExecutionsToCSV(missed []domain.MissedExecution, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", filename, err)
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return WriteMissedExecutions(file, missed)
}

// WriteMissedExecutions writes a header row and one row per missed execution.
func WriteMissedExecutions(w io.Writer, missed []domain.MissedExecution) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(missedHeader); err != nil {
		return err
	}
	for _, m := range missed {
		writer.Write([]string{
			strconv.FormatInt(m.TradeID, 10),
			m.Symbol,
			string(m.Side),
			string(m.TargetType),
			strconv.FormatFloat(m.TargetPrice, 'f', -1, 64),
			strconv.FormatFloat(m.ActualPriceReached, 'f', -1, 64),
			m.TimestampReached.UTC().Format(time.RFC3339),
			strconv.FormatFloat(m.CurrentPrice, 'f', -1, 64),
			strconv.FormatFloat(m.PotentialPnLMissed, 'f', 2, 64),
			m.Reason,
		})
	}
	writer.Flush()
	return writer.Error()
}
