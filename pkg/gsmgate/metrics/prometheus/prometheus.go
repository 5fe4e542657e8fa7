// Package prommetrics implements gsmgate.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// Metrics implements gsmgate.Metrics using Prometheus.
type Metrics struct {
	leasesTotal                *prometheus.CounterVec
	leaseConflictsTotal        *prometheus.CounterVec
	releasesTotal              *prometheus.CounterVec
	resourceErrorsTotal        *prometheus.CounterVec
	sessionsCreatedTotal       *prometheus.CounterVec
	sessionTransitionsTotal    *prometheus.CounterVec
	dispatchDuration           *prometheus.HistogramVec
	inboundMatchesTotal        *prometheus.CounterVec
	quotaReservationsTotal     *prometheus.CounterVec
	quotaReservedAmount        *prometheus.HistogramVec
	sweepDuration              *prometheus.HistogramVec
	sweepAffectedTotal         *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ gsmgate.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		leasesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_lease_attempts_total",
			Help:      "Total number of lease attempts by resource kind and outcome.",
		}, []string{"kind", "outcome"}),

		leaseConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_lease_conflicts_total",
			Help:      "Total number of lost lease races.",
		}, []string{"kind"}),

		releasesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_releases_total",
			Help:      "Total number of lease releases by reason.",
		}, []string{"reason"}),

		resourceErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_resource_errors_total",
			Help:      "Total number of device errors by resulting status.",
		}, []string{"kind", "status"}),

		sessionsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of verification sessions created.",
		}, []string{"kind", "demo"}),

		sessionTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of terminal session transitions.",
		}, []string{"kind", "status"}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sms_dispatch_duration_seconds",
			Help:      "Latency of SMS dispatch attempts.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"success"}),

		inboundMatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_sms_total",
			Help:      "Total number of inbound SMS by correlation outcome.",
		}, []string{"outcome"}),

		quotaReservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_reservations_total",
			Help:      "Total number of quota reservation attempts.",
		}, []string{"metric", "success"}),

		quotaReservedAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_reserved_amount",
			Help:      "Distribution of reserved quota amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"metric"}),

		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Latency of background sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),

		sweepAffectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_affected_total",
			Help:      "Total number of items changed by background sweeps.",
		}, []string{"sweep"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of dispatch circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordLease(kind gsmgate.ResourceKind, outcome string) {
	m.leasesTotal.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) RecordLeaseConflict(kind gsmgate.ResourceKind) {
	m.leaseConflictsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordRelease(reason string) {
	m.releasesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordResourceError(kind gsmgate.ResourceKind, status gsmgate.ResourceStatus) {
	m.resourceErrorsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) RecordSessionCreated(kind gsmgate.SessionKind, demo bool) {
	m.sessionsCreatedTotal.WithLabelValues(string(kind), strconv.FormatBool(demo)).Inc()
}

func (m *Metrics) RecordSessionTransition(kind gsmgate.SessionKind, status gsmgate.SessionStatus) {
	m.sessionTransitionsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) RecordDispatch(duration time.Duration, err error) {
	m.dispatchDuration.WithLabelValues(strconv.FormatBool(err == nil)).Observe(duration.Seconds())
}

func (m *Metrics) RecordInboundMatch(outcome string) {
	m.inboundMatchesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordQuotaReservation(metric string, amount int, success bool) {
	m.quotaReservationsTotal.WithLabelValues(metric, strconv.FormatBool(success)).Inc()
	if success {
		m.quotaReservedAmount.WithLabelValues(metric).Observe(float64(amount))
	}
}

func (m *Metrics) RecordSweep(sweep string, duration time.Duration, affected int) {
	m.sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
	if affected > 0 {
		m.sweepAffectedTotal.WithLabelValues(sweep).Add(float64(affected))
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
