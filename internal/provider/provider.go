// Package provider defines the transport interface the sync layer talks to.
// Transports are plugins: no platform specific logic lives in core or syncer.
package provider

import (
	"context"
	"errors"

	"github.com/breathsync/breathsync/internal/dhp"
)

// ErrNoTransport is returned when no transport has been registered.
var ErrNoTransport = errors.New("no transport registered")

// HealthState represents platform availability.
// NOTE: HealthState is OBSERVATIONAL only, not decision authority.
type HealthState string

const (
	HealthStateHealthy     HealthState = "healthy"
	HealthStateDegraded    HealthState = "degraded"
	HealthStateUnavailable HealthState = "unavailable"
)

// Transport is the sole network boundary: submit one request, get one result.
// Batching, pagination and sequencing live above it.
type Transport interface {
	// ID returns unique identifier for this transport instance.
	ID() string

	// Type returns the transport type (http, replay, ...).
	Type() string

	// Execute performs one request. A non-nil error means the request never
	// produced an HTTP response; platform level failures come back in Result.
	Execute(ctx context.Context, req *dhp.Request) (*dhp.Result, error)

	// CheckHealth returns current health state.
	CheckHealth(ctx context.Context) HealthState
}

// Registry manages transport instances.
type Registry interface {
	// Register adds a new transport.
	Register(t Transport) error

	// Get returns transport by ID.
	Get(id string) (Transport, bool)

	// All returns all registered transports.
	All() []Transport

	// Primary returns the primary transport.
	Primary() Transport

	// SetPrimary sets the primary transport.
	SetPrimary(id string) error

	// Remove unregisters a transport.
	Remove(id string) error

	// Resolve returns the transport requests go to.
	Resolve() (Transport, error)
}
