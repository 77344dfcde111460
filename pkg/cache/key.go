package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Sternrassler/squeeze/pkg/pipeline"
)

// CacheKey identifies one compressed output.
type CacheKey struct {
	// SourceDigest is the hex SHA-256 of the source image.
	SourceDigest string

	// Request is the fingerprint of the backend request ("plain" for none).
	Request string
}

// KeyFor builds the key for compressing source with req.
func KeyFor(source []byte, req *pipeline.Request) CacheKey {
	sum := sha256.Sum256(source)
	return CacheKey{
		SourceDigest: hex.EncodeToString(sum[:]),
		Request:      req.Fingerprint(),
	}
}

// String generates the Redis key.
// Format: squeeze:result:<source digest>:<request fingerprint>
func (k CacheKey) String() string {
	request := k.Request
	if request == "" {
		request = "plain"
	}
	return strings.Join([]string{"squeeze", "result", k.SourceDigest, request}, ":")
}
