// Package tap mirrors relay lifecycle events to an external pub/sub sink.
// The mirror is one-way: nothing published here is ever read back into the
// relay, and message payloads are never included.
package tap

import "github.com/orchestra-mcp/chatrelay/src/types"

// Tap defines the interface for an event mirror.
type Tap interface {
	// Publish queues an event for delivery. It must not block.
	Publish(ev types.Event) error

	// Start connects to the sink and begins delivering queued events.
	Start() error

	// Stop delivers queued events within a short deadline, then closes the
	// sink connection.
	Stop() error

	// Available reports whether the tap is connected and operational.
	Available() bool
}
