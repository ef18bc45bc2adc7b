/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides request admission control based on fixed-window counting.
//
// A Registry owns independently configured named limiters (one per protected surface,
// e.g. "public_pages", "login", "admin_write"). Each Limiter counts requests per opaque client key
// within a fixed time window and admits a request while the count stays within the configured maximum.
//
// Key features:
//   - Thresholds are read from a ConfigSource by string keys and refreshed periodically,
//     so they may be changed at runtime without restarting the service.
//     Unavailable or invalid configuration never fails a request: the last known good
//     (or the default) configuration is used instead.
//   - Memory is bounded: stale windows are swept lazily during normal traffic,
//     and the total number of tracked client keys per limiter is capped by an LRU.
//   - Limiters are safe for concurrent use.
//   - Generic RequestProcessor that wires the admission decision into HTTP middlewares.
package ratelimit
