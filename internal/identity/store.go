// Package identity exposes the platform's own user store to the gateway. The
// gateway only needs a point lookup: an email that already belongs to a
// platform user is treated as affiliated without an upstream call.
package identity

import "context"

// Store is interface-driven to keep the orchestrator testable and to allow
// swapping in-memory or external persistence without rewiring business code.
type Store interface {
	// Exists reports whether a platform user is registered under the
	// normalized email.
	Exists(ctx context.Context, normalizedEmail string) (bool, error)
}
