// Package sentinel defines shared error values for infrastructure facts.
// Stores return these (wrapped) so services can translate backend state into
// the gateway error taxonomy without depending on driver error types.
package sentinel

import "errors"

// ErrUnavailable marks a backing store or upstream as temporarily
// unreachable. Callers decide whether to fail open or closed.
var ErrUnavailable = errors.New("unavailable")
