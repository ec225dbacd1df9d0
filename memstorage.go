package fcache

import (
	"context"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// MemoryStorageConfig controls in-memory storage instance.
type MemoryStorageConfig struct {
	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Name is storage instance name, used in stats and logging.
	Name string

	// Consts resolves named constants during verification, can be nil.
	Consts ConstResolver
}

type memEntry struct {
	value     interface{}
	created   int64
	expireAt  time.Time
	delta     time.Duration
	readAt    time.Time
	callbacks []Callback
	items     map[string]int64
	tags      []string
	priority  int
}

var (
	_ Storage    = &MemoryStorage{}
	_ BulkReader = &MemoryStorage{}
)

// MemoryStorage is an in-process storage with full dependency semantics.
//
// It needs no locking and no journal, entries die with the process. It also
// serves as a lightweight stand-in for FileStorage in tests of façade logic.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string]*memEntry

	config MemoryStorageConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewMemoryStorage creates an instance of in-memory storage with optional
// configuration.
func NewMemoryStorage(cfg ...MemoryStorageConfig) *MemoryStorage {
	config := MemoryStorageConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	s := &MemoryStorage{
		data:   map[string]*memEntry{},
		config: config,
	}

	s.log = config.Logger
	if s.log == nil {
		s.log = ctxd.NoOpLogger{}
	}

	s.stat = config.Stats
	if s.stat == nil {
		s.stat = stats.NoOp{}
	}

	return s
}

// Read gets value after verifying entry dependencies.
func (s *MemoryStorage) Read(ctx context.Context, key string) (interface{}, error) {
	if SkipRead(ctx) {
		return nil, ErrCacheItemNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if ok && !s.verify(key, e, map[string]bool{}) {
		s.stat.Add(ctx, MetricExpired, 1, "name", s.config.Name)

		ok = false
	}

	if !ok {
		s.stat.Add(ctx, MetricMiss, 1, "name", s.config.Name)
		s.log.Debug(ctx, "cache miss", "name", s.config.Name, "key", key)

		return nil, ErrCacheItemNotFound
	}

	s.stat.Add(ctx, MetricHit, 1, "name", s.config.Name)
	s.log.Debug(ctx, "cache hit", "name", s.config.Name, "key", key)

	return e.value, nil
}

// verify mirrors file storage verification on in-memory state, deleting
// invalid entries. Caller must hold the mutex.
func (s *MemoryStorage) verify(key string, e *memEntry, visited map[string]bool) bool {
	if !s.verifyEntry(key, e, visited) {
		delete(s.data, key)

		return false
	}

	return true
}

func (s *MemoryStorage) verifyEntry(key string, e *memEntry, visited map[string]bool) bool {
	if visited[key] {
		return false
	}

	visited[key] = true

	now := time.Now()

	if e.delta > 0 {
		if e.readAt.Add(e.delta).Before(now) {
			return false
		}

		e.readAt = now
	} else if !e.expireAt.IsZero() && e.expireAt.Before(now) {
		return false
	}

	if !checkCallbacks(e.callbacks, s.config.Consts) {
		return false
	}

	for ik, stamp := range e.items {
		dep, ok := s.data[ik]
		if !ok {
			if stamp == 0 {
				continue
			}

			return false
		}

		if dep.created != stamp || !s.verify(ik, dep, visited) {
			return false
		}
	}

	return true
}

// BulkRead returns values for the keys that resolve, omitting misses.
func (s *MemoryStorage) BulkRead(ctx context.Context, keys []string) (map[string]interface{}, error) {
	res := make(map[string]interface{}, len(keys))

	for _, key := range keys {
		val, err := s.Read(ctx, key)
		if err != nil {
			continue
		}

		res[key] = val
	}

	return res, nil
}

// Lock is a no-op: in-process writes need no cross-process coordination.
func (s *MemoryStorage) Lock(_ context.Context, _ string) error {
	return nil
}

// Write sets value with dependencies.
func (s *MemoryStorage) Write(ctx context.Context, key string, value interface{}, deps Dependencies) error {
	now := time.Now()

	e := &memEntry{
		value:     value,
		created:   now.UnixNano(),
		readAt:    now,
		callbacks: append([]Callback(nil), deps.Callbacks...),
		tags:      append([]string(nil), deps.Tags...),
		priority:  deps.Priority,
	}

	ttl := deps.Expire
	if !deps.ExpireAt.IsZero() {
		ttl = time.Until(deps.ExpireAt)
	}

	if ttl > 0 {
		if deps.Sliding {
			e.delta = ttl
		} else {
			e.expireAt = now.Add(ttl)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(deps.Items) > 0 {
		e.items = make(map[string]int64, len(deps.Items))

		for _, item := range deps.Items {
			var stamp int64

			if dep, ok := s.data[item]; ok {
				stamp = dep.created
			}

			e.items[item] = stamp
		}
	}

	s.data[key] = e

	s.stat.Add(ctx, MetricWrite, 1, "name", s.config.Name)
	s.log.Debug(ctx, "wrote to cache", "name", s.config.Name, "key", key)

	return nil
}

// Remove deletes an entry.
func (s *MemoryStorage) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	s.stat.Add(ctx, MetricDelete, 1, "name", s.config.Name)

	return nil
}

// Clean removes entries matching conditions.
func (s *MemoryStorage) Clean(ctx context.Context, cond CleanConditions) error {
	s.stat.Add(ctx, MetricClean, 1, "name", s.config.Name)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case cond.All:
		s.data = map[string]*memEntry{}

	case len(cond.Namespaces) > 0:
		for _, ns := range cond.Namespaces {
			prefix := ns
			if len(prefix) < len(NamespaceSeparator) || prefix[len(prefix)-1:] != NamespaceSeparator {
				prefix += NamespaceSeparator
			}

			for key := range s.data {
				if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
					delete(s.data, key)
				}
			}
		}

	case len(cond.Tags) > 0 || cond.Priority > 0:
		for key, e := range s.data {
			if matchEntry(journalEntry{tags: e.tags, priority: e.priority}, cond) {
				delete(s.data, key)
			}
		}

	default:
		now := time.Now()

		for key, e := range s.data {
			if e.delta > 0 && e.readAt.Add(e.delta).Before(now) {
				delete(s.data, key)
			} else if e.delta == 0 && !e.expireAt.IsZero() && e.expireAt.Before(now) {
				delete(s.data, key)
			}
		}
	}

	return nil
}

// Len returns number of elements in cache.
func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.data)
}
