package fcache

// SentinelError is an error.
type SentinelError string

const (
	// ErrCacheItemNotFound indicates missing cache entry.
	ErrCacheItemNotFound = SentinelError("missing cache item")

	// ErrInvalidKey indicates a cache key that is not usable for the requested operation.
	ErrInvalidKey = SentinelError("invalid cache key")

	// ErrNoJournal indicates a write with tags or priority against a storage without a journal.
	ErrNoJournal = SentinelError("journal is required for tags and priority")

	// ErrKeyNotLocked indicates a write or remove for a key that was not locked first.
	ErrKeyNotLocked = SentinelError("cache key is not locked")

	// ErrClosed indicates an operation on a closed instance.
	ErrClosed = SentinelError("closed")

	// ErrNothingToInvalidate indicates no caches were added to Invalidator.
	ErrNothingToInvalidate = SentinelError("nothing to invalidate")

	// ErrAlreadyInvalidated indicates recent invalidation.
	ErrAlreadyInvalidated = SentinelError("already invalidated")
)

// Error implements error.
func (e SentinelError) Error() string {
	return string(e)
}
