package limiter

import "context"

// Store is the atomic, per-key counter backend a Rule is evaluated
// against. All mutating operations execute as a single atomic unit on
// the backend (a server-side script or equivalent transactional
// primitive); partial execution must never be observable.
type Store interface {
	// CheckAndIncrement atomically admits or denies one arrival for key
	// under rule, returning the resulting counter state.
	CheckAndIncrement(ctx context.Context, key string, rule Rule) (CounterEntry, bool, error)

	// Current observes the counter state without mutating it.
	Current(ctx context.Context, key string, rule Rule) (CounterEntry, bool, error)

	// Revert removes exactly one timestamp entry from the current
	// window, the newest strictly older than or equal to now.
	Revert(ctx context.Context, key string, rule Rule) error

	// Reset purges all state for key.
	Reset(ctx context.Context, key string) error

	// Cleanup deletes exhausted keys matching pattern, returning the
	// number of keys removed.
	Cleanup(ctx context.Context, pattern string) (int, error)
}

// KeyCounter is an optional Store capability reporting how many
// rate-limit keys are currently tracked, for the administrative stats
// endpoint. Not every Store implementation can answer this
// cheaply, so callers type-assert for it rather than requiring it.
type KeyCounter interface {
	ActiveKeyCount(ctx context.Context) (int, error)
}
