/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides implementations of log.FieldLogger for tests:
// a Recorder that keeps logged entries for inspection and a simple synchronous JSON logger.
package logtest
