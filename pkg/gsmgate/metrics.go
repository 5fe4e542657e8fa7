package gsmgate

import "time"

// Metrics defines the interface for tracking pool, session and quota operations.
type Metrics interface {
	// RecordLease records a lease attempt. outcome is "leased", "exhausted" or "throttled".
	RecordLease(kind ResourceKind, outcome string)

	// RecordLeaseConflict records a lost compare-and-swap race.
	RecordLeaseConflict(kind ResourceKind)

	// RecordRelease records a lease release. reason is e.g. "session", "reclaimed".
	RecordRelease(reason string)

	// RecordResourceError records a device error and the resulting resource status.
	RecordResourceError(kind ResourceKind, status ResourceStatus)

	// RecordSessionCreated records a new session and whether it fell back to demo mode.
	RecordSessionCreated(kind SessionKind, demo bool)

	// RecordSessionTransition records a terminal transition.
	RecordSessionTransition(kind SessionKind, status SessionStatus)

	// RecordDispatch records the duration and result of an SMS dispatch.
	RecordDispatch(duration time.Duration, err error)

	// RecordInboundMatch records the outcome of correlating an inbound SMS.
	// outcome is "matched", "no_match", "ambiguous" or "unparsed".
	RecordInboundMatch(outcome string)

	// RecordQuotaReservation records a quota reservation attempt.
	RecordQuotaReservation(metric string, amount int, success bool)

	// RecordSweep records the duration of a background sweep and how many items it touched.
	RecordSweep(sweep string, duration time.Duration, affected int)

	// RecordCircuitBreakerStateChange records a driver circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordLease(kind ResourceKind, outcome string)                  {}
func (n *NoopMetrics) RecordLeaseConflict(kind ResourceKind)                          {}
func (n *NoopMetrics) RecordRelease(reason string)                                    {}
func (n *NoopMetrics) RecordResourceError(kind ResourceKind, status ResourceStatus)   {}
func (n *NoopMetrics) RecordSessionCreated(kind SessionKind, demo bool)               {}
func (n *NoopMetrics) RecordSessionTransition(kind SessionKind, status SessionStatus) {}
func (n *NoopMetrics) RecordDispatch(duration time.Duration, err error)               {}
func (n *NoopMetrics) RecordInboundMatch(outcome string)                              {}
func (n *NoopMetrics) RecordQuotaReservation(metric string, amount int, success bool) {}
func (n *NoopMetrics) RecordSweep(sweep string, duration time.Duration, affected int) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                   {}
