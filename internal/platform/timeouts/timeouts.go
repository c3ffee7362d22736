// Package timeouts defines shared timeout constants used across the
// notification engine. Centralizing these values prevents drift between
// channel boundaries and makes the durations discoverable.
package timeouts

import "time"

// PushDispatch caps the wait time for one Web Push provider call. A slow
// push gateway must not stall the delivery pipeline.
const PushDispatch = 5 * time.Second

// EmailDispatch caps the wait time for one SMTP submission.
const EmailDispatch = 10 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
