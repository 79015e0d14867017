package host

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.recordSession("p1", OutcomeOK)
	m.recordFuel("p1", 3)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewMetricsWithoutRegistererStillUsable(t *testing.T) {
	m := NewMetrics(nil)
	require.NotPanics(t, func() {
		m.recordSession("p1", OutcomeTrap)
	})
}
