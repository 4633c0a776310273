package domain

// Side represents the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Valid reports whether the side is one the engine knows how to price.
func (s Side) Valid() bool {
	return s == Long || s == Short
}

// PositionStatus represents the lifecycle state of a position.
// Closed is terminal: a closed position is never reopened or re-evaluated.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// CloseReason indicates why the engine decided to close a position.
type CloseReason string

const (
	CloseReasonTakeProfit    CloseReason = "TAKE_PROFIT"
	CloseReasonStopLoss      CloseReason = "STOP_LOSS"
	CloseReasonTrailingStop  CloseReason = "TRAILING_STOP"
	CloseReasonMaxTime       CloseReason = "MAX_TIME_REACHED"
	CloseReasonTimeProfit    CloseReason = "TIME_TARGET_WITH_PROFIT"
	CloseReasonTimeLoss      CloseReason = "TIME_TARGET_WITH_LOSS"
	CloseReasonTimeDecayLoss CloseReason = "TIME_DECAY_LOSS"
	CloseReasonUnknown       CloseReason = "UNKNOWN"
)

// IsTimeBased reports whether the reason comes from one of the time-based exit rules.
func (r CloseReason) IsTimeBased() bool {
	switch r {
	case CloseReasonMaxTime, CloseReasonTimeProfit, CloseReasonTimeLoss, CloseReasonTimeDecayLoss:
		return true
	default:
		return false
	}
}

// AdjustmentReason tags a protective-level change made by the adjustment controller.
type AdjustmentReason string

const (
	AdjustProfitScaling  AdjustmentReason = "PROFIT_SCALING"
	AdjustTrailingStop   AdjustmentReason = "TRAILING_STOP"
	AdjustRiskManagement AdjustmentReason = "RISK_MANAGEMENT"
)

// AdjustmentReasons lists every reason in reporting order.
var AdjustmentReasons = []AdjustmentReason{AdjustProfitScaling, AdjustTrailingStop, AdjustRiskManagement}

// TargetType identifies which protective level a missed execution refers to.
type TargetType string

const (
	TargetTakeProfit TargetType = "TP"
	TargetStopLoss   TargetType = "SL"
)
