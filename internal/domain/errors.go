package domain

import "errors"

// Error taxonomy (spec section 7). The Dispatcher classifies each into
// either a surfaced HTTP/WS error or a recovered degraded path.
var (
	ErrInvalidEvent           = errors.New("invalid_event")
	ErrAuthFailed             = errors.New("auth_failed")
	ErrRateLimited            = errors.New("rate_limited")
	ErrBudgetExceeded         = errors.New("budget_exceeded")
	ErrDependencyTimeout      = errors.New("dependency_timeout")
	ErrDependencyUnavailable  = errors.New("dependency_unavailable")
	ErrInternalInvariant      = errors.New("internal_invariant_violation")
	ErrNotFound               = errors.New("not_found")
)
