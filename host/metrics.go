package host

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector the host exports. Grounded on
// holomush's internal/command/metrics.go (package-level NewMetrics that
// builds and optionally registers a fixed set of CounterVec/HistogramVec
// collectors) and internal/observability/server.go's Metrics struct shape.
type Metrics struct {
	SessionsTotal *prometheus.CounterVec
	FuelConsumed  *prometheus.HistogramVec
}

// Session outcome labels for SessionsTotal.
const (
	OutcomeOK      = "ok"
	OutcomeTrap    = "trap"
	OutcomeTimeout = "timeout"

	// OutcomeNoResponse is a session whose guest returned from _start (or
	// proc_exit'd) without ever answering the call's RPC request -- not a
	// trap (the guest didn't error), and not a deadline timeout, just a
	// guest that went quiet.
	OutcomeNoResponse = "no_response"
)

// NewMetrics builds the collector set. If reg is non-nil the collectors are
// registered against it; a nil registerer (the default when a caller
// doesn't care about /metrics) leaves them unregistered but still usable,
// matching how holomush's RegisterMetrics is a separate, optional step from
// construction.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlock_host_sessions_total",
				Help: "Total number of plugin sessions by plugin and outcome",
			},
			[]string{"plugin_id", "outcome"},
		),
		FuelConsumed: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tlock_host_fuel_consumed",
				Help:    "Fuel quanta consumed per session",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"plugin_id"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsTotal, m.FuelConsumed)
	}
	return m
}

func (m *Metrics) recordSession(pluginID, outcome string) {
	m.SessionsTotal.WithLabelValues(pluginID, outcome).Inc()
}

func (m *Metrics) recordFuel(pluginID string, quanta uint64) {
	m.FuelConsumed.WithLabelValues(pluginID).Observe(float64(quanta))
}
