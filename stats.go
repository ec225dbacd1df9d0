package fcache

// Metric names reported to stats.Tracker.
const (
	// MetricHit is a counter of cache hits.
	MetricHit = "cache_hit"
	// MetricMiss is a counter of cache misses.
	MetricMiss = "cache_miss"
	// MetricExpired is a counter of entries dropped by verification.
	MetricExpired = "cache_expired"
	// MetricWrite is a counter of cache writes.
	MetricWrite = "cache_write"
	// MetricDelete is a counter of cache entry removals.
	MetricDelete = "cache_delete"
	// MetricBuild is a counter of value builds.
	MetricBuild = "cache_build"
	// MetricFailed is a counter of failed value builds.
	MetricFailed = "cache_failed_build"
	// MetricClean is a counter of clean passes.
	MetricClean = "cache_clean"
)
