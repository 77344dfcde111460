package cache

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/squeeze/pkg/client"
	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Compressor serves results from a Store and falls through to the wrapped
// compressor on a miss. Cache failures never fail a compression.
type Compressor struct {
	inner  client.Compressor
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCompressor wraps inner with store. ttl <= 0 means DefaultTTL.
func NewCompressor(inner client.Compressor, store Store, ttl time.Duration) *Compressor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Compressor{
		inner:  inner,
		store:  store,
		ttl:    ttl,
		logger: log.With().Str("component", "result-cache").Logger(),
	}
}

// Compress implements client.Compressor.
func (c *Compressor) Compress(ctx context.Context, source []byte, req *pipeline.Request, key credentials.Credential) (*client.Result, error) {
	cacheKey := KeyFor(source, req)

	entry, err := c.store.Get(ctx, cacheKey)
	switch {
	case err == nil:
		c.logger.Debug().
			Str("digest", cacheKey.SourceDigest[:12]).
			Str("request", cacheKey.Request).
			Msg("Serving compressed image from cache")
		return entry.Result(), nil
	case !errors.Is(err, ErrCacheMiss):
		c.logger.Warn().Err(err).Msg("Cache lookup failed")
	}

	result, err := c.inner.Compress(ctx, source, req, key)
	if err != nil {
		return nil, err
	}

	if result.Success {
		if err := c.store.Set(ctx, cacheKey, NewEntry(result, c.ttl)); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to store compressed image")
		}
	}
	return result, nil
}
