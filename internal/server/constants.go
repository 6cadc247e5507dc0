// Package server provides the HTTP and WebSocket surface.
package server

import "time"

// Server configuration constants
const (
	// DefaultRateLimitPerSec bounds inbound WebSocket messages per connection.
	DefaultRateLimitPerSec = 5
	// DefaultRateLimitBurst is the per-connection burst allowance.
	DefaultRateLimitBurst = 10

	// writeTimeout bounds a single WebSocket write so one stuck client
	// cannot stall the broadcast loop.
	writeTimeout = 2 * time.Second

	// readLimit bounds inbound WebSocket frames.
	readLimit = 1 << 16
)
