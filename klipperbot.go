// Package klipperbot contains the shared constants of the Moonraker bridge.
package klipperbot

import "time"

// Version is set at build time.
var Version = "dev"

const (
	// ClientName is reported to the host on identify.
	ClientName = "klipperbot"
	// ClientURL is reported to the host on identify.
	ClientURL = "https://github.com/rusq/klipperbot"

	// DefaultEndpoint is the websocket endpoint of a local Moonraker.
	DefaultEndpoint = "ws://localhost:7125/websocket"
	// DefaultCallTimeout is the per-call timeout when the caller does not
	// specify one.
	DefaultCallTimeout = 10 * time.Second
	// DefaultBackoffBase is the first reconnect delay.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 60 * time.Second
)
