package fcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// checkCallbacks re-evaluates snapshotted external facts.
//
// A callback that cannot be evaluated counts as a changed fact.
func checkCallbacks(callbacks []Callback, consts ConstResolver) bool {
	for _, cb := range callbacks {
		switch cb.Kind {
		case CallbackFile:
			if fileStamp(cb.Name) != cb.Stamp {
				return false
			}
		case CallbackConst:
			if consts == nil {
				return false
			}

			v, ok := consts(cb.Name)
			if !ok || v != cb.Value {
				return false
			}
		default:
			return false
		}
	}

	return true
}

// fileStamp returns the file's mtime in UnixNano, 0 when the file is absent
// or unreadable.
func fileStamp(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return fi.ModTime().UnixNano()
}

// verifyRecord decides whether rec is still valid and drops its file when it
// is not. On failure the record's handle is consumed.
func (s *FileStorage) verifyRecord(ctx context.Context, rec *record, visited map[string]bool) bool {
	if s.verifyMeta(ctx, rec, visited) {
		return true
	}

	s.stat.Add(ctx, MetricExpired, 1, "name", s.config.Name)
	s.log.Debug(ctx, "cache entry invalidated", "name", s.config.Name, "file", rec.path)

	if err := rec.lf.remove(); err != nil {
		s.log.Warn(ctx, "failed to remove invalid cache entry",
			"error", err,
			"name", s.config.Name,
			"file", rec.path)
	}

	return false
}

func (s *FileStorage) verifyMeta(ctx context.Context, rec *record, visited map[string]bool) bool {
	// A revisited path means a circular item chain, treated as invalid.
	if visited[rec.path] {
		return false
	}

	visited[rec.path] = true

	now := time.Now()

	if rec.meta.Delta > 0 {
		fi, err := rec.lf.f.Stat()
		if err != nil || fi.ModTime().Add(rec.meta.Delta).Before(now) {
			return false
		}

		// Sliding expiration extends on every successful read.
		_ = rec.lf.touch(now)
	} else if rec.meta.Expire > 0 && rec.meta.Expire < now.UnixNano() {
		return false
	}

	if !checkCallbacks(rec.meta.Callbacks, s.config.Consts) {
		return false
	}

	for relPath, stamp := range rec.meta.Items {
		dep, err := s.openRecord(filepath.Join(s.config.Dir, filepath.FromSlash(relPath)))
		if err != nil {
			if errors.Is(err, ErrCacheItemNotFound) && stamp == 0 {
				// Absent at write time and still absent.
				continue
			}

			return false
		}

		if dep.meta.Time != stamp {
			_ = dep.lf.Close()

			return false
		}

		if !s.verifyRecord(ctx, dep, visited) {
			return false
		}

		_ = dep.lf.Close()
	}

	return true
}
