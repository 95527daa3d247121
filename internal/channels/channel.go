// Package channels bridges remote chat transports onto the JSON-RPC
// control surface.
package channels

import "context"

// Channel is a remote transport that relays commands to the RPC handler.
type Channel interface {
	Name() string
	// Start blocks until ctx is cancelled or the transport fails
	// unrecoverably.
	Start(ctx context.Context) error
}
