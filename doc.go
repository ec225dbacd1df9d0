// Package fcache provides a pluggable caching layer with a crash-safe
// file-backed storage engine.
//
// Features:
//
//   - Cache façade with namespacing, load-or-generate and bulk load.
//   - File storage coordinating multiple processes with advisory file locks,
//     no external coordinator.
//   - Payload-first write order, a torn write never becomes visible to readers.
//   - Dependency-based invalidation: absolute and sliding expiration, watched
//     files, named constants and nested item chains.
//   - Tag and priority bulk eviction through a pluggable journal
//     (in-process or SQLite-backed).
//   - Allows logging, stats collection.
//   - Propagates context to allow better control of storage and application components.
package fcache
