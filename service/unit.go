/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package service wires long-running parts of the admission daemon (the HTTP server,
// the stale-window sweeper) into a single lifecycle that is stopped gracefully by OS signals.
package service

// Unit represents a service unit that can be started and stopped.
type Unit interface {
	// Start begins the unit's operation. It may return immediately after initialization
	// or block the calling goroutine for the unit's lifetime.
	// Start writes to fatalErr only if it fails, and never uses the channel after returning.
	Start(fatalErr chan<- error)

	// Stop halts the unit. It may be called even if Start has failed or was never called.
	Stop(gracefully bool) error
}

// MetricsRegisterer is an interface for objects that can register its own metrics.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}
