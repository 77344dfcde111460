// Package cache stores compressed images in Redis so that running a batch
// again on unchanged files does not spend backend quota.
//
// Entries are keyed by the SHA-256 of the source bytes and the fingerprint
// of the backend request, so the same file compressed with different options
// gets separate entries.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	// Wrap any compressor; hits never reach the backend.
//	compressor := cache.NewCompressor(backend, manager, 24*time.Hour)
//	result, err := compressor.Compress(ctx, source, req, key)
//
// # Metrics
//
// Hits, misses, errors and stored bytes are exported as
// squeeze_cache_hits_total, squeeze_cache_misses_total,
// squeeze_cache_errors_total and squeeze_cache_size_bytes.
package cache
