package cache

import (
	"time"

	"github.com/Sternrassler/squeeze/pkg/client"
)

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 7 * 24 * time.Hour

// CacheEntry is a stored compression result.
type CacheEntry struct {
	// Data is the compressed image.
	Data []byte `json:"data"`

	// OutputType is the media type reported by the backend.
	OutputType string `json:"output_type"`

	// Extension matching OutputType.
	Extension string `json:"extension"`

	// OriginalSize of the source image.
	OriginalSize int64 `json:"original_size"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when the entry was stored.
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry converts a successful result into an entry living for ttl.
func NewEntry(r *client.Result, ttl time.Duration) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Data:         r.Data,
		OutputType:   r.OutputType,
		Extension:    r.Extension,
		OriginalSize: r.OriginalSize,
		Expires:      now.Add(ttl),
		CachedAt:     now,
	}
}

// Result converts the entry back into a compression result.
func (e *CacheEntry) Result() *client.Result {
	return &client.Result{
		Success:        true,
		OriginalSize:   e.OriginalSize,
		CompressedSize: int64(len(e.Data)),
		Data:           e.Data,
		OutputType:     e.OutputType,
		Extension:      e.Extension,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
