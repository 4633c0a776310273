package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle(0.1, 3)
		m.Close("TAKE_PROFIT", "LONG")
		m.CloseFailure(true)
		m.PriceLookup("hit")
		m.Adjustment("PROFIT_SCALING", true)
		m.LevelUpdate("trailing")
		m.Missed("TP", 2)
	})
}

func TestMetrics_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCycle(0.2, 4)
	m.ObserveCycle(0.1, 2)
	m.Close("STOP_LOSS", "SHORT")
	m.CloseFailure(false)
	m.CloseFailure(true)
	m.PriceLookup("hit")
	m.PriceLookup("hit")
	m.PriceLookup("miss")
	m.Adjustment("RISK_MANAGEMENT", false)
	m.Missed("TP", 3)
	m.Missed("SL", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.openPositions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closes.WithLabelValues("STOP_LOSS", "SHORT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closeFailures.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.priceLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adjustments.WithLabelValues("RISK_MANAGEMENT", "failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.missed.WithLabelValues("TP")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
