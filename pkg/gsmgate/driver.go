package gsmgate

import "context"

// Health is the result of a device health probe
type Health struct {
	Online bool

	// Signal is the reported signal quality (driver specific scale, 0 if unknown)
	Signal int
}

// Driver is the hardware boundary. The modem driver (AT commands, serial
// I/O) lives outside this package; the engine only sends, receives and
// probes through this interface.
type Driver interface {
	// SendSMS sends body to the phone number `to` through the resource
	SendSMS(ctx context.Context, res *Resource, to, body string) error

	// HealthCheck probes the resource
	HealthCheck(ctx context.Context, res *Resource) (Health, error)

	// Inbound streams messages received on any resource. The channel is
	// closed when the driver shuts down.
	Inbound() <-chan InboundSMS
}
