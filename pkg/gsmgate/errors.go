package gsmgate

import "errors"

var (
	// ErrNoResourceAvailable is returned when no resource of the requested kind can be leased
	ErrNoResourceAvailable = errors.New("no resource available")

	// ErrLeaseConflict is returned by stores when a compare-and-swap lease lost a race.
	// PoolManager retries the next candidate; callers never see it.
	ErrLeaseConflict = errors.New("resource lease conflict")

	// ErrResourceNotFound is returned for unknown resource ids
	ErrResourceNotFound = errors.New("resource not found")

	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")

	// ErrWrongSessionKind is returned when an operation does not apply to the session kind
	ErrWrongSessionKind = errors.New("operation not supported for session kind")

	// ErrNoSMSMatch is returned when an inbound SMS correlates to no pending session
	ErrNoSMSMatch = errors.New("inbound sms matched no session")

	// ErrAmbiguousSMSMatch is returned when an inbound SMS correlates to more than one session
	ErrAmbiguousSMSMatch = errors.New("inbound sms matched multiple sessions")

	// ErrQuotaExceeded is returned when a reservation would exceed the daily limit
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidAmount is returned for non-positive reservation amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrEntitlementNotFound is returned when a user has no entitlement
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrDevice wraps failures reported by the hardware driver
	ErrDevice = errors.New("device error")

	// ErrStorageUnavailable is returned when a required store is missing
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNoChange is returned from UpdateSession callbacks to skip the write
	ErrNoChange = errors.New("no change")
)
