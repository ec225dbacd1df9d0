package fcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/cespare/xxhash/v2"
)

// BuildFunc produces a value and its dependencies for a missing cache entry.
type BuildFunc func(ctx context.Context) (interface{}, *Dependencies, error)

// BulkBuildFunc produces a value and its dependencies for one missing key of
// a bulk load.
type BulkBuildFunc func(ctx context.Context, key interface{}) (interface{}, *Dependencies, error)

// CacheConfig is configuration for NewCache.
type CacheConfig struct {
	// Storage is the backend persisting entries, required.
	Storage Storage

	// Namespace isolates this cache's keys from other caches sharing the
	// storage. It must not contain the namespace separator.
	Namespace string

	// Name is added to logs and stats.
	Name string

	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Consts resolves named constants when compiling Consts dependencies,
	// can be nil if Consts are never used.
	Consts ConstResolver
}

// Cache is a façade turning arbitrary caller keys into lookups and writes
// against a storage backend.
//
// Please use NewCache to create instance.
type Cache struct {
	storage Storage
	// namespace is the derived key prefix, empty or separator-terminated.
	namespace string
	config    CacheConfig
	log       ctxd.Logger
	stat      stats.Tracker
}

// NewCache creates a Cache instance on top of a storage backend.
func NewCache(config CacheConfig) (*Cache, error) {
	if config.Storage == nil {
		return nil, errors.New("cache storage is required")
	}

	if strings.Contains(config.Namespace, NamespaceSeparator) {
		return nil, fmt.Errorf("namespace %q contains the reserved separator", config.Namespace)
	}

	c := &Cache{
		storage: config.Storage,
		config:  config,
	}

	if config.Namespace != "" {
		c.namespace = config.Namespace + NamespaceSeparator
	}

	c.log = config.Logger
	if c.log == nil {
		c.log = ctxd.NoOpLogger{}
	}

	c.stat = config.Stats
	if c.stat == nil {
		c.stat = stats.NoOp{}
	}

	return c, nil
}

// Derive returns a cache sharing the storage, with the namespace extended by
// the given suffix. A namespace owns no data, it only participates in key
// derivation.
func (c *Cache) Derive(namespace string) (*Cache, error) {
	if namespace == "" {
		return nil, errors.New("derived namespace must not be empty")
	}

	if strings.Contains(namespace, NamespaceSeparator) {
		return nil, fmt.Errorf("namespace %q contains the reserved separator", namespace)
	}

	clone := *c
	clone.namespace = c.namespace + namespace + NamespaceSeparator

	return &clone, nil
}

// Namespace returns the derived key prefix of this cache.
func (c *Cache) Namespace() string {
	return c.namespace
}

// stringifyKey renders a caller key to a deterministic string and reports
// whether the key is a primitive scalar.
func stringifyKey(key interface{}) (string, bool, error) {
	switch k := key.(type) {
	case string:
		return k, true, nil
	case bool:
		return strconv.FormatBool(k), true, nil
	case int:
		return strconv.FormatInt(int64(k), 10), true, nil
	case int8:
		return strconv.FormatInt(int64(k), 10), true, nil
	case int16:
		return strconv.FormatInt(int64(k), 10), true, nil
	case int32:
		return strconv.FormatInt(int64(k), 10), true, nil
	case int64:
		return strconv.FormatInt(k, 10), true, nil
	case uint:
		return strconv.FormatUint(uint64(k), 10), true, nil
	case uint8:
		return strconv.FormatUint(uint64(k), 10), true, nil
	case uint16:
		return strconv.FormatUint(uint64(k), 10), true, nil
	case uint32:
		return strconv.FormatUint(uint64(k), 10), true, nil
	case uint64:
		return strconv.FormatUint(k, 10), true, nil
	case float32:
		return strconv.FormatFloat(float64(k), 'g', -1, 32), true, nil
	case float64:
		return strconv.FormatFloat(k, 'g', -1, 64), true, nil
	default:
		// Composite keys are canonicalized with JSON: unlike gob, it encodes
		// map keys in sorted order, keeping logically equal keys equal.
		b, err := json.Marshal(key)
		if err != nil {
			return "", false, fmt.Errorf("%w: %s", ErrInvalidKey, err)
		}

		return string(b), false, nil
	}
}

func hashKey(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}

// deriveKey maps a caller key to its namespaced storage key. Logically equal
// keys within one namespace always derive the same storage key.
func (c *Cache) deriveKey(key interface{}) (string, error) {
	s, _, err := stringifyKey(key)
	if err != nil {
		return "", err
	}

	return c.namespace + hashKey(s), nil
}

// Load returns a cached value, or builds, stores and returns one when build
// is not nil. Without a build function a miss returns nil.
func (c *Cache) Load(ctx context.Context, key interface{}, build BuildFunc) (interface{}, error) {
	k, err := c.deriveKey(key)
	if err != nil {
		return nil, err
	}

	return c.load(ctx, k, build)
}

func (c *Cache) load(ctx context.Context, k string, build BuildFunc) (interface{}, error) {
	val, err := c.storage.Read(ctx, k)
	if err == nil {
		return val, nil
	}

	if !errors.Is(err, ErrCacheItemNotFound) {
		return nil, err
	}

	if build == nil {
		return nil, nil
	}

	return c.generate(ctx, k, build)
}

// generate locks the key, runs the build function and stores its result.
//
// A failed build removes the just-locked entry before the failure is
// propagated, the lock is never left dangling.
func (c *Cache) generate(ctx context.Context, k string, build BuildFunc) (interface{}, error) {
	if err := c.storage.Lock(ctx, k); err != nil {
		return nil, err
	}

	c.log.Debug(ctx, "building cache value", "name", c.config.Name, "key", k)

	val, deps, err := build(ctx)
	if err != nil {
		c.stat.Add(ctx, MetricFailed, 1, "name", c.config.Name)

		if remErr := c.storage.Remove(ctx, k); remErr != nil {
			c.log.Warn(ctx, "failed to remove entry after failed build",
				"error", remErr,
				"name", c.config.Name,
				"key", k)
		}

		return nil, err
	}

	c.stat.Add(ctx, MetricBuild, 1, "name", c.config.Name)

	return c.save(ctx, k, val, deps, true)
}

// Save normalizes dependencies and writes the value through to storage.
//
// A nil value, or an expiration that is not in the future, removes the entry
// instead; the returned value is nil in that case.
func (c *Cache) Save(ctx context.Context, key, value interface{}, deps *Dependencies) (interface{}, error) {
	k, err := c.deriveKey(key)
	if err != nil {
		return nil, err
	}

	return c.save(ctx, k, value, deps, false)
}

func (c *Cache) save(ctx context.Context, k string, value interface{}, deps *Dependencies, locked bool) (interface{}, error) {
	d, removal, err := c.completeDependencies(deps)
	if err != nil {
		if locked {
			_ = c.storage.Remove(ctx, k)
		}

		return nil, err
	}

	if value == nil || removal {
		if err := c.storage.Remove(ctx, k); err != nil {
			return nil, err
		}

		return nil, nil
	}

	// The generate path already holds the lock, taking it again would wait on
	// ourselves.
	if !locked {
		if err := c.storage.Lock(ctx, k); err != nil {
			return nil, err
		}
	}

	if err := c.storage.Write(ctx, k, value, d); err != nil {
		return nil, err
	}

	return value, nil
}

// Remove drops a cached value.
func (c *Cache) Remove(ctx context.Context, key interface{}) error {
	_, err := c.Save(ctx, key, nil, nil)

	return err
}

// Clean removes stored entries matching conditions, see CleanConditions.
func (c *Cache) Clean(ctx context.Context, cond CleanConditions) error {
	return c.storage.Clean(ctx, cond)
}

// BulkLoad resolves multiple keys at once, using the storage bulk-read
// capability when available and degrading to one Load per key otherwise.
//
// Every key must be a primitive scalar; ErrInvalidKey is returned before any
// I/O otherwise. Keys missing from storage are built when build is not nil
// and reported as nil otherwise.
func (c *Cache) BulkLoad(ctx context.Context, keys []interface{}, build BulkBuildFunc) (map[interface{}]interface{}, error) {
	res := make(map[interface{}]interface{}, len(keys))

	if len(keys) == 0 {
		return res, nil
	}

	storageKeys := make([]string, len(keys))

	for i, key := range keys {
		s, scalar, err := stringifyKey(key)
		if err != nil {
			return nil, err
		}

		if !scalar {
			return nil, fmt.Errorf("%w: bulk load supports only scalar keys, got %T", ErrInvalidKey, key)
		}

		storageKeys[i] = c.namespace + hashKey(s)
	}

	br, bulk := c.storage.(BulkReader)
	if !bulk {
		for i, key := range keys {
			val, err := c.load(ctx, storageKeys[i], bulkBuild(build, key))
			if err != nil {
				return nil, err
			}

			res[key] = val
		}

		return res, nil
	}

	cached, err := br.BulkRead(ctx, storageKeys)
	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "bulk read cache entries")
	}

	for i, key := range keys {
		if val, found := cached[storageKeys[i]]; found {
			res[key] = val

			continue
		}

		if build == nil {
			res[key] = nil

			continue
		}

		val, err := c.generate(ctx, storageKeys[i], bulkBuild(build, key))
		if err != nil {
			return nil, err
		}

		res[key] = val
	}

	return res, nil
}

func bulkBuild(build BulkBuildFunc, key interface{}) BuildFunc {
	if build == nil {
		return nil
	}

	return func(ctx context.Context) (interface{}, *Dependencies, error) {
		return build(ctx, key)
	}
}

// completeDependencies compiles caller-facing dependencies into their storage
// form: Files and Consts become snapshot callbacks, Items become storage
// keys, absolute expirations become relative. It reports whether the entry
// must be removed instead of stored.
func (c *Cache) completeDependencies(deps *Dependencies) (Dependencies, bool, error) {
	if deps == nil {
		return Dependencies{}, false, nil
	}

	d := *deps

	if !d.ExpireAt.IsZero() {
		d.Expire = time.Until(d.ExpireAt)
		d.ExpireAt = time.Time{}

		if d.Expire <= 0 {
			return Dependencies{}, true, nil
		}
	}

	if d.Expire < 0 {
		return Dependencies{}, true, nil
	}

	d.Callbacks = append([]Callback(nil), d.Callbacks...)

	for _, f := range d.Files {
		d.Callbacks = append(d.Callbacks, Callback{
			Kind:  CallbackFile,
			Name:  f,
			Stamp: fileStamp(f),
		})
	}

	d.Files = nil

	for _, name := range d.Consts {
		if c.config.Consts == nil {
			return Dependencies{}, false, fmt.Errorf("constant resolver is not configured, can not depend on %q", name)
		}

		v, ok := c.config.Consts(name)
		if !ok {
			return Dependencies{}, false, fmt.Errorf("constant %q is not defined", name)
		}

		d.Callbacks = append(d.Callbacks, Callback{
			Kind:  CallbackConst,
			Name:  name,
			Value: v,
		})
	}

	d.Consts = nil

	if len(d.Items) > 0 {
		items := make([]string, len(d.Items))

		for i, item := range d.Items {
			items[i] = c.namespace + hashKey(item)
		}

		d.Items = items
	}

	return d, false, nil
}
