// Package channels delivers operator notifications for events that need a
// human: escalations, breaker trips, and degradation changes.
package channels

import (
	"context"
)

// Channel is a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins delivering notifications. It blocks until the context is
	// cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}
