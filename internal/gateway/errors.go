package gateway

import "errors"

// Sentinel errors for gateway lifecycle operations.
var (
	// ErrGatewayNotStopped is returned by Start when the gateway is
	// already starting or running.
	ErrGatewayNotStopped = errors.New("gateway is not in stopped state")

	// ErrGatewayNotRunning is returned by Stop when the gateway is not
	// running.
	ErrGatewayNotRunning = errors.New("gateway is not running")

	// ErrMissingDependency is returned by New when a collaborator is nil.
	ErrMissingDependency = errors.New("gateway dependency is missing")
)
