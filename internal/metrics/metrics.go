// Package metrics exposes Prometheus counters for attendance operations.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the attendance counters.
type Metrics struct {
	Operations      *prometheus.CounterVec
	SessionsStarted prometheus.Counter
	Registrations   prometheus.Counter
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_operations_total",
			Help: "Attendance operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_sessions_started_total",
			Help: "Attendance sessions created.",
		}),
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_registrations_total",
			Help: "Successful member registrations, including repeats.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.SessionsStarted, m.Registrations)
	}
	return m
}

// Observe counts one operation with its outcome.
func (m *Metrics) Observe(op, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
}

// SessionStarted counts one newly created session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// Registered counts one successful registration.
func (m *Metrics) Registered() {
	if m == nil {
		return
	}
	m.Registrations.Inc()
}
