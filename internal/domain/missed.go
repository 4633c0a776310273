package domain

import "time"

// MissedExecution records a target that historical prices reached while the
// position stayed open. It is a report artifact and never written back.
type MissedExecution struct {
	TradeID            int64
	Symbol             string
	Side               Side
	TargetType         TargetType
	TargetPrice        float64
	ActualPriceReached float64
	TimestampReached   time.Time
	CurrentPrice       float64
	PotentialPnLMissed float64 // PnL at target minus PnL at the current price
	Reason             string
}
