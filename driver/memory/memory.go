// Package memory provides an in-process gsmgate.Driver for tests and demos.
// It records sent messages, lets callers inject inbound SMS and script
// per-device failures and health.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// SentSMS is a message accepted by SendSMS
type SentSMS struct {
	ResourceID string
	To         string
	Body       string
	SentAt     time.Time
}

// Driver implements gsmgate.Driver without hardware
type Driver struct {
	mu       sync.Mutex
	sent     []SentSMS
	sendErr  map[string]error
	delay    map[string]time.Duration
	health   map[string]gsmgate.Health
	probeErr map[string]error
	inbound  chan gsmgate.InboundSMS
	closed   bool
}

var _ gsmgate.Driver = (*Driver)(nil)

// New creates a driver whose inbound channel buffers up to buffer messages
func New(buffer int) *Driver {
	if buffer <= 0 {
		buffer = 64
	}
	return &Driver{
		sendErr:  make(map[string]error),
		delay:    make(map[string]time.Duration),
		health:   make(map[string]gsmgate.Health),
		probeErr: make(map[string]error),
		inbound:  make(chan gsmgate.InboundSMS, buffer),
	}
}

// SendSMS implements gsmgate.Driver
func (d *Driver) SendSMS(ctx context.Context, res *gsmgate.Resource, to, body string) error {
	d.mu.Lock()
	delay := d.delay[res.ID]
	err := d.sendErr[res.ID]
	d.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("send via %s: %w", res.Identifier, ctx.Err())
		case <-timer.C:
		}
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.sent = append(d.sent, SentSMS{ResourceID: res.ID, To: to, Body: body, SentAt: time.Now()})
	d.mu.Unlock()
	return nil
}

// HealthCheck implements gsmgate.Driver. Devices without a scripted state
// are reported online.
func (d *Driver) HealthCheck(ctx context.Context, res *gsmgate.Resource) (gsmgate.Health, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.probeErr[res.ID]; err != nil {
		return gsmgate.Health{}, err
	}
	if h, ok := d.health[res.ID]; ok {
		return h, nil
	}
	return gsmgate.Health{Online: true}, nil
}

// Inbound implements gsmgate.Driver
func (d *Driver) Inbound() <-chan gsmgate.InboundSMS {
	return d.inbound
}

// Receive injects an inbound message as if the device had received it.
// It blocks while the inbound buffer is full and drops messages after Close.
func (d *Driver) Receive(ev gsmgate.InboundSMS) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.inbound <- ev
	}
}

// Close closes the inbound channel
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.inbound)
	}
}

// FailSends makes every SendSMS through resourceID return err (nil clears it)
func (d *Driver) FailSends(resourceID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.sendErr, resourceID)
		return
	}
	d.sendErr[resourceID] = err
}

// DelaySends makes SendSMS through resourceID take delay before completing
func (d *Driver) DelaySends(resourceID string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay[resourceID] = delay
}

// SetHealth scripts the health probe result for resourceID
func (d *Driver) SetHealth(resourceID string, h gsmgate.Health, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health[resourceID] = h
	if err == nil {
		delete(d.probeErr, resourceID)
	} else {
		d.probeErr[resourceID] = err
	}
}

// Sent returns a copy of every message sent so far
func (d *Driver) Sent() []SentSMS {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SentSMS(nil), d.sent...)
}
