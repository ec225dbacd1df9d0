package fcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// FileStorageConfig controls a file-backed storage instance.
type FileStorageConfig struct {
	// Dir is the storage root, it must exist.
	Dir string

	// Journal indexes tags and priority for conditional cleaning. Writes
	// carrying tags or priority fail with ErrNoJournal when it is nil.
	Journal Journal

	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Name is storage instance name, used in stats and logging.
	Name string

	// GCProbability is a chance in [0, 1] to start a collector pass on
	// construction, default 0.001. Use -1 to disable.
	GCProbability float64

	// FileMode is applied to created cache files, default 0o666.
	FileMode os.FileMode

	// DirMode is applied to created namespace directories, default 0o777.
	DirMode os.FileMode

	// Consts resolves named constants during verification, can be nil.
	Consts ConstResolver
}

var (
	_ Storage    = &FileStorage{}
	_ BulkReader = &FileStorage{}
)

// FileStorage persists cache entries as one file per key under a shared
// directory tree, coordinating concurrent processes with advisory file locks.
//
// Please use NewFileStorage to create instance.
type FileStorage struct {
	config  FileStorageConfig
	journal Journal
	log     ctxd.Logger
	stat    stats.Tracker

	mu sync.Mutex // Securing locks.
	// locks hands the open exclusively-locked handle from Lock to the
	// subsequent Write or Remove on the same key within this process.
	// Concurrent in-process lockers wait on the holder's released channel,
	// mirroring how flock serializes lockers across processes.
	locks map[string]*keyLock
}

// keyLock is one per-key slot in the in-process lock table.
type keyLock struct {
	lf       *lockedFile
	released chan struct{}
}

// record is a decoded entry header with its still-open locked handle.
type record struct {
	meta recordMeta
	lf   *lockedFile
	path string
}

// NewFileStorage creates a file-backed storage rooted at config.Dir.
func NewFileStorage(config FileStorageConfig) (*FileStorage, error) {
	fi, err := os.Stat(config.Dir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("cache directory %q is missing", config.Dir)
	}

	if config.GCProbability == 0 {
		config.GCProbability = 0.001
	}

	if config.FileMode == 0 {
		config.FileMode = 0o666
	}

	if config.DirMode == 0 {
		config.DirMode = 0o777
	}

	s := &FileStorage{
		config:  config,
		journal: config.Journal,
		locks:   map[string]*keyLock{},
	}

	s.log = config.Logger
	if s.log == nil {
		s.log = ctxd.NoOpLogger{}
	}

	s.stat = config.Stats
	if s.stat == nil {
		s.stat = stats.NoOp{}
	}

	// Probabilistic garbage collection bounds growth from orphaned entries
	// that are never read again.
	if rand.Float64() < config.GCProbability { // nolint:gosec // Not used for security.
		go func() {
			if err := s.Clean(context.Background(), CleanConditions{}); err != nil {
				s.log.Warn(context.Background(), "cache garbage collection failed",
					"error", err,
					"name", s.config.Name)
			}
		}()
	}

	return s, nil
}

// cacheRelPath maps a storage key to a root-relative slash path.
//
// Namespace separators become directory boundaries so that a namespace
// occupies its own subtree, components are URL-escaped to stay
// filesystem-safe.
func (s *FileStorage) cacheRelPath(key string) string {
	parts := strings.Split(key, NamespaceSeparator)
	for i, p := range parts {
		parts[i] = url.QueryEscape(p)
	}

	return strings.Join(parts, "/")
}

func (s *FileStorage) cacheFile(key string) string {
	return filepath.Join(s.config.Dir, filepath.FromSlash(s.cacheRelPath(key)))
}

// namespaceDir maps a namespace prefix to its directory.
func (s *FileStorage) namespaceDir(namespace string) string {
	namespace = strings.TrimSuffix(namespace, NamespaceSeparator)

	parts := strings.Split(namespace, NamespaceSeparator)
	for i, p := range parts {
		parts[i] = url.QueryEscape(p)
	}

	return filepath.Join(s.config.Dir, filepath.FromSlash(strings.Join(parts, "/")))
}

// openRecord opens a cache file under a shared lock and decodes its header
// and metadata. Unparseable remains of interrupted writes are dropped and
// reported as a miss.
func (s *FileStorage) openRecord(path string) (*record, error) {
	lf, err := openLocked(path, false, false, s.config.FileMode)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheItemNotFound
		}

		return nil, err
	}

	head := make([]byte, headerSize)
	if _, err := io.ReadFull(lf.f, head); err != nil {
		_ = lf.remove()

		return nil, ErrCacheItemNotFound
	}

	metaLen, err := decodeHeader(head)
	if err != nil {
		_ = lf.remove()

		return nil, ErrCacheItemNotFound
	}

	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(lf.f, metaBytes); err != nil {
		_ = lf.remove()

		return nil, ErrCacheItemNotFound
	}

	meta, err := decodeMeta(metaBytes)
	if err != nil {
		_ = lf.remove()

		return nil, ErrCacheItemNotFound
	}

	return &record{meta: meta, lf: lf, path: path}, nil
}

// Read returns a stored value after verifying its dependencies.
func (s *FileStorage) Read(ctx context.Context, key string) (interface{}, error) {
	if SkipRead(ctx) {
		return nil, ErrCacheItemNotFound
	}

	rec, err := s.openRecord(s.cacheFile(key))
	if err != nil {
		if errors.Is(err, ErrCacheItemNotFound) {
			s.miss(ctx, key)
		}

		return nil, err
	}

	if !s.verifyRecord(ctx, rec, map[string]bool{}) {
		s.miss(ctx, key)

		return nil, ErrCacheItemNotFound
	}

	payload, err := io.ReadAll(rec.lf.f)

	_ = rec.lf.Close()

	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "read cache payload", "key", key)
	}

	val, err := deserializeValue(payload, rec.meta.Serialized)
	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "decode cache payload", "key", key)
	}

	s.stat.Add(ctx, MetricHit, 1, "name", s.config.Name)
	s.log.Debug(ctx, "cache hit", "name", s.config.Name, "key", key)

	return val, nil
}

func (s *FileStorage) miss(ctx context.Context, key string) {
	s.stat.Add(ctx, MetricMiss, 1, "name", s.config.Name)
	s.log.Debug(ctx, "cache miss", "name", s.config.Name, "key", key)
}

// BulkRead returns values for the keys that resolve, omitting misses.
func (s *FileStorage) BulkRead(ctx context.Context, keys []string) (map[string]interface{}, error) {
	res := make(map[string]interface{}, len(keys))

	for _, key := range keys {
		val, err := s.Read(ctx, key)
		if err != nil {
			if errors.Is(err, ErrCacheItemNotFound) {
				continue
			}

			return nil, err
		}

		res[key] = val
	}

	return res, nil
}

// Lock takes the exclusive advisory lock for key, blocking until it is
// obtainable. A concurrent writer in another process is waited out through
// flock, one in this process through its slot in the lock table.
func (s *FileStorage) Lock(ctx context.Context, key string) error {
	var kl *keyLock

	for {
		s.mu.Lock()

		holder, held := s.locks[key]
		if !held {
			kl = &keyLock{released: make(chan struct{})}
			s.locks[key] = kl
			s.mu.Unlock()

			break
		}

		s.mu.Unlock()

		select {
		case <-holder.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	path := s.cacheFile(key)

	// A concurrently created directory is not a failure.
	if err := os.MkdirAll(filepath.Dir(path), s.config.DirMode); err != nil {
		s.abortLock(key, kl)

		return ctxd.WrapError(ctx, err, "create cache directory", "key", key)
	}

	lf, err := openLocked(path, true, true, s.config.FileMode)
	if err != nil {
		s.abortLock(key, kl)

		return ctxd.WrapError(ctx, err, "lock cache entry", "key", key)
	}

	s.mu.Lock()
	kl.lf = lf
	s.mu.Unlock()

	return nil
}

// abortLock vacates a slot whose flock acquisition failed, waking waiters.
func (s *FileStorage) abortLock(key string, kl *keyLock) {
	s.mu.Lock()
	delete(s.locks, key)
	s.mu.Unlock()

	close(kl.released)
}

// takeLock consumes the handle acquired by Lock and wakes waiters. A slot
// whose flock is still being acquired belongs to another goroutine and is
// left alone.
func (s *FileStorage) takeLock(key string) *lockedFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	kl := s.locks[key]
	if kl == nil || kl.lf == nil {
		return nil
	}

	delete(s.locks, key)
	close(kl.released)

	return kl.lf
}

// Write persists a value under the lock taken by Lock and releases it.
//
// The payload is committed before the header: a crash mid-write leaves a
// record that never parses, it can not leave a valid-looking header over a
// partial payload. Any failure removes the entry instead of leaving a
// half-written file or a dangling lock.
func (s *FileStorage) Write(ctx context.Context, key string, value interface{}, deps Dependencies) error {
	lf := s.takeLock(key)
	if lf == nil {
		return ErrKeyNotLocked
	}

	fail := func(err error, msg string) error {
		_ = lf.remove()

		return ctxd.WrapError(ctx, err, msg, "key", key)
	}

	if deps.Priority > 0 || len(deps.Tags) > 0 {
		if s.journal == nil {
			_ = lf.remove()

			return ErrNoJournal
		}

		if err := s.journal.Write(ctx, key, deps); err != nil {
			return fail(err, "journal cache entry")
		}
	}

	meta := recordMeta{Time: time.Now().UnixNano()}

	ttl := deps.Expire
	if !deps.ExpireAt.IsZero() {
		ttl = time.Until(deps.ExpireAt)
	}

	if ttl > 0 {
		if deps.Sliding {
			meta.Delta = ttl
		} else {
			meta.Expire = time.Now().Add(ttl).UnixNano()
		}
	}

	if len(deps.Items) > 0 {
		meta.Items = make(map[string]int64, len(deps.Items))

		// Item creation stamps are snapshotted without locking the items
		// exclusively: a write racing this snapshot reads as a changed
		// dependency later and correctly invalidates.
		for _, item := range deps.Items {
			var stamp int64

			dep, err := s.openRecord(s.cacheFile(item))
			if err == nil {
				stamp = dep.meta.Time

				_ = dep.lf.Close()
			}

			meta.Items[s.cacheRelPath(item)] = stamp
		}
	}

	meta.Callbacks = deps.Callbacks

	payload, serialized, err := serializeValue(value)
	if err != nil {
		return fail(err, "serialize cache entry")
	}

	meta.Serialized = serialized

	metaBytes, err := encodeMeta(meta)
	if err != nil {
		return fail(err, "encode cache entry metadata")
	}

	if err := writeRecord(lf.f, metaBytes, payload); err != nil {
		return fail(err, "write cache entry")
	}

	if err := lf.Close(); err != nil {
		return ctxd.WrapError(ctx, err, "close cache entry", "key", key)
	}

	s.stat.Add(ctx, MetricWrite, 1, "name", s.config.Name)
	s.log.Debug(ctx, "wrote to cache", "name", s.config.Name, "key", key)

	return nil
}

func writeRecord(f *os.File, metaBytes, payload []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}

	headLen := headerSize + len(metaBytes)

	// Sentinel-filled header placeholder, overwritten after the payload is in
	// place.
	placeholder := make([]byte, headLen)
	for i := range placeholder {
		placeholder[i] = headerSentinel
	}

	if _, err := f.WriteAt(placeholder, 0); err != nil {
		return err
	}

	if _, err := f.WriteAt(payload, int64(headLen)); err != nil {
		return err
	}

	head := make([]byte, 0, headLen)
	head = append(head, encodeHeader(len(metaBytes))...)
	head = append(head, metaBytes...)

	// The header transition is the commit point.
	if _, err := f.WriteAt(head, 0); err != nil {
		return err
	}

	return nil
}

// Remove drops an entry, releasing the lock if this process holds one.
func (s *FileStorage) Remove(ctx context.Context, key string) error {
	var err error

	if lf := s.takeLock(key); lf != nil {
		err = lf.remove()
	} else {
		err = removeFile(s.cacheFile(key), s.config.FileMode)
	}

	if err != nil {
		return ctxd.WrapError(ctx, err, "remove cache entry", "key", key)
	}

	s.stat.Add(ctx, MetricDelete, 1, "name", s.config.Name)
	s.log.Debug(ctx, "removed cache entry", "name", s.config.Name, "key", key)

	return nil
}

// Clean removes entries matching conditions.
//
// With All set the whole tree and the journal are wiped. With Namespaces set
// the named subtrees are removed. With tags or priority the journal resolves
// the affected keys. With no conditions a collector pass drops entries that
// have expired by their absolute or sliding rule.
func (s *FileStorage) Clean(ctx context.Context, cond CleanConditions) error {
	s.stat.Add(ctx, MetricClean, 1, "name", s.config.Name)

	switch {
	case cond.All:
		if err := s.cleanDir(ctx, s.config.Dir, true); err != nil {
			return err
		}

		if s.journal != nil {
			if _, err := s.journal.Clean(ctx, cond); err != nil {
				return ctxd.WrapError(ctx, err, "wipe cache journal")
			}
		}

		return nil

	case len(cond.Namespaces) > 0:
		for _, ns := range cond.Namespaces {
			dir := s.namespaceDir(ns)

			if err := s.cleanDir(ctx, dir, true); err != nil {
				return err
			}

			_ = os.Remove(dir)
		}

		return nil

	case len(cond.Tags) > 0 || cond.Priority > 0:
		// Writes with tags or priority fail fast without a journal, so there
		// is nothing to clean here.
		if s.journal == nil {
			return nil
		}

		keys, err := s.journal.Clean(ctx, cond)
		if err != nil {
			return ctxd.WrapError(ctx, err, "clean cache journal")
		}

		for _, key := range keys {
			if err := removeFile(s.cacheFile(key), s.config.FileMode); err != nil {
				return ctxd.WrapError(ctx, err, "remove cache entry", "key", key)
			}
		}

		return nil

	default:
		return s.cleanDir(ctx, s.config.Dir, false)
	}
}

// cleanDir walks dir child-first, removing every entry when all is set and
// only expired entries otherwise. Emptied directories are removed
// opportunistically.
func (s *FileStorage) cleanDir(ctx context.Context, dir string, all bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return ctxd.WrapError(ctx, err, "enumerate cache directory", "dir", dir)
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())

		if e.IsDir() {
			if err := s.cleanDir(ctx, path, all); err != nil {
				return err
			}

			// Fails while the directory still has entries, which is fine.
			_ = os.Remove(path)

			continue
		}

		if all {
			if err := removeFile(path, s.config.FileMode); err != nil {
				return ctxd.WrapError(ctx, err, "remove cache entry", "file", path)
			}

			continue
		}

		s.cleanExpired(path)
	}

	return nil
}

// cleanExpired drops a single entry if it has expired by its absolute or
// sliding rule. Callback and item conditions are left to lazy verification.
func (s *FileStorage) cleanExpired(path string) {
	rec, err := s.openRecord(path)
	if err != nil {
		return
	}

	expired := false

	if rec.meta.Delta > 0 {
		fi, statErr := rec.lf.f.Stat()
		expired = statErr != nil || fi.ModTime().Add(rec.meta.Delta).Before(time.Now())
	} else if rec.meta.Expire > 0 {
		expired = rec.meta.Expire < time.Now().UnixNano()
	}

	if expired {
		_ = rec.lf.remove()

		return
	}

	_ = rec.lf.Close()
}
