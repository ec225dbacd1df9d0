package fcache

import (
	"context"
	"time"
)

// NamespaceSeparator splits namespace components inside a storage key.
//
// FileStorage maps it to a directory boundary. Raw namespaces must not
// contain it.
const NamespaceSeparator = "\x00"

// CallbackKind tags a dependency callback variant.
type CallbackKind int

// Supported callback variants.
const (
	// CallbackFile re-checks that a file's modification time still matches the
	// snapshot taken at write time.
	CallbackFile CallbackKind = iota + 1

	// CallbackConst re-checks that a named constant still resolves to the
	// value snapshotted at write time.
	CallbackConst
)

// Callback is a snapshot of an external fact taken at write time and
// re-checked at verification time. A mismatch invalidates the entry.
type Callback struct {
	Kind  CallbackKind
	Name  string // File path or constant name.
	Stamp int64  // File modification time (UnixNano), CallbackFile only, 0 when the file was absent.
	Value string // Snapshotted value, CallbackConst only.
}

// ConstResolver reports the current value of a named constant.
type ConstResolver func(name string) (string, bool)

// Dependencies control entry lifetime and invalidation.
//
// Files, Consts and Items are caller-facing vocabulary, they never reach a
// storage backend raw: Cache.Save compiles Files and Consts into Callbacks
// and translates Items into fully-namespaced storage keys.
type Dependencies struct {
	// Priority indexes the entry for priority-based cleaning, values > 0 only.
	Priority int

	// Expire is time to live. A negative value removes the entry instead of
	// storing it, zero means no expiration.
	Expire time.Duration

	// ExpireAt is an absolute expiration time, takes precedence over Expire.
	ExpireAt time.Time

	// Sliding reinterprets Expire as a window since the last successful read.
	Sliding bool

	// Tags index the entry for tag-based cleaning.
	Tags []string

	// Files invalidate the entry when any of the paths changes its mtime.
	Files []string

	// Items invalidate the entry when any of the referenced cache items is
	// overwritten, removed or invalidated.
	Items []string

	// Consts invalidate the entry when any of the named constants changes.
	Consts []string

	// Callbacks are pre-compiled external fact checks.
	Callbacks []Callback
}

// CleanConditions select entries for bulk removal.
type CleanConditions struct {
	// All removes every entry and wipes the journal.
	All bool

	// Tags removes entries carrying any of the listed tags.
	Tags []string

	// Priority removes entries with priority less or equal, values > 0 only.
	Priority int

	// Namespaces removes whole namespaces.
	Namespaces []string
}

// Storage persists cache entries.
type Storage interface {
	// Read returns a stored value or ErrCacheItemNotFound.
	//
	// A missing entry and an entry dropped by dependency verification are
	// indistinguishable to the caller.
	Read(ctx context.Context, key string) (interface{}, error)

	// Lock prepares the key for a subsequent Write or Remove, blocking until
	// the exclusive lock is obtainable. A no-op for backends that need no
	// locking.
	Lock(ctx context.Context, key string) error

	// Write stores a value with dependencies, releasing the lock taken by Lock.
	Write(ctx context.Context, key string, value interface{}, deps Dependencies) error

	// Remove drops an entry, releasing the lock if one is held.
	Remove(ctx context.Context, key string) error

	// Clean removes entries matching conditions.
	Clean(ctx context.Context, cond CleanConditions) error
}

// BulkReader is an optional Storage capability.
//
// Callers must detect it with a type assertion and fall back to one Read per
// key when unavailable.
type BulkReader interface {
	// BulkRead returns values for the keys it has data for, omitting misses.
	BulkRead(ctx context.Context, keys []string) (map[string]interface{}, error)
}

// Journal is a secondary index mapping tags and priority to storage keys.
//
// It is consulted when a clean request names conditions rather than explicit
// keys.
type Journal interface {
	// Write indexes the key by the tags and priority of deps.
	Write(ctx context.Context, key string, deps Dependencies) error

	// Clean returns the keys satisfying tag/priority conditions and drops
	// them from the index. With CleanConditions.All it empties itself and
	// returns every previously known key.
	Clean(ctx context.Context, cond CleanConditions) ([]string, error)
}
