package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics exposes counters for the session store tiers.
type SessionMetrics struct {
	readsTotal      *prometheus.CounterVec
	backendFailures prometheus.Counter
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		readsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anna",
			Subsystem: "session",
			Name:      "reads_total",
			Help:      "Session reads by serving tier",
		}, []string{"tier"}),
		backendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anna",
			Subsystem: "session",
			Name:      "backend_failures_total",
			Help:      "Cache backend operations downgraded to the in-process tier",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.readsTotal, m.backendFailures)
	return m
}

// ObserveRead records which tier served a session read: "memory", "backend" or "default".
func (m *SessionMetrics) ObserveRead(tier string) {
	if m == nil {
		return
	}
	m.readsTotal.WithLabelValues(tier).Inc()
}

func (m *SessionMetrics) ObserveBackendFailure() {
	if m == nil {
		return
	}
	m.backendFailures.Inc()
}

// BookingMetrics exposes counters for the appointment booking flow.
type BookingMetrics struct {
	stepsTotal    *prometheus.CounterVec
	outcomesTotal *prometheus.CounterVec
	slotConflicts prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anna",
			Subsystem: "booking",
			Name:      "steps_total",
			Help:      "Booking state machine steps handled",
		}, []string{"step"}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anna",
			Subsystem: "booking",
			Name:      "outcomes_total",
			Help:      "Terminal booking outcomes",
		}, []string{"outcome"}),
		slotConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anna",
			Subsystem: "booking",
			Name:      "slot_conflicts_total",
			Help:      "Optimistic slot reservations lost to a concurrent booking",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.stepsTotal, m.outcomesTotal, m.slotConflicts)
	return m
}

func (m *BookingMetrics) ObserveStep(step string) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(step).Inc()
}

// ObserveOutcome records a terminal outcome: "booked", "cancelled" or "error".
func (m *BookingMetrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveSlotConflict() {
	if m == nil {
		return
	}
	m.slotConflicts.Inc()
}
