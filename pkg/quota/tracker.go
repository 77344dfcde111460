package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	compressionCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "squeeze_compression_count",
		Help: "Compressions used this month per credential fingerprint",
	}, []string{"key"})

	quotaWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squeeze_quota_warnings_total",
		Help: "Total number of usage reports at or above the warning threshold",
	}, []string{"level"})
)

// Tracker stores per-credential usage in Redis.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	limit  int
	now    func() time.Time
}

// NewTracker creates a tracker using the free plan limit.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		limit:  MonthlyFreeLimit,
		now:    time.Now,
	}
}

// WithLimit overrides the monthly allowance (paid plans).
func (t *Tracker) WithLimit(limit int) *Tracker {
	if limit > 0 {
		t.limit = limit
	}
	return t
}

// Record stores the count the backend reported for key.
func (t *Tracker) Record(ctx context.Context, key credentials.Credential, count int) error {
	if count < 0 {
		return fmt.Errorf("negative compression count %d", count)
	}
	fp := key.Fingerprint()
	now := t.now()

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, countKey(fp), count, 0)
	pipe.Set(ctx, updatedKey(fp), now.Unix(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store usage in redis: %w", err)
	}

	compressionCount.WithLabelValues(fp).Set(float64(count))

	usage := &Usage{Fingerprint: fp, Count: count, Limit: t.limit, LastUpdate: now}
	switch {
	case usage.Exhausted():
		quotaWarningsTotal.WithLabelValues("exhausted").Inc()
		t.logger.Error().
			Str("key", fp).
			Int("count", count).
			Int("limit", t.limit).
			Msg("Credential monthly limit reached")
	case usage.NearLimit():
		quotaWarningsTotal.WithLabelValues("warning").Inc()
		t.logger.Warn().
			Str("key", fp).
			Int("count", count).
			Int("remaining", usage.Remaining()).
			Msg("Credential close to monthly limit")
	default:
		t.logger.Debug().
			Str("key", fp).
			Int("count", count).
			Msg("Usage updated")
	}
	return nil
}

// Usage returns the stored usage for key. A key never reported returns a
// zero count.
func (t *Tracker) Usage(ctx context.Context, key credentials.Credential) (*Usage, error) {
	fp := key.Fingerprint()
	usage := &Usage{Fingerprint: fp, Limit: t.limit}

	count, err := t.redis.Get(ctx, countKey(fp)).Int()
	if errors.Is(err, redis.Nil) {
		return usage, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get compression count: %w", err)
	}

	updated, err := t.redis.Get(ctx, updatedKey(fp)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	usage.Count = count
	if updated > 0 {
		usage.LastUpdate = time.Unix(updated, 0)
	}
	usage.resetIfNewMonth(t.now())
	return usage, nil
}

// All returns usage for every key, in the given order.
func (t *Tracker) All(ctx context.Context, keys []credentials.Credential) ([]*Usage, error) {
	out := make([]*Usage, 0, len(keys))
	for _, k := range keys {
		u, err := t.Usage(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// ShouldUse reports whether key still has allowance left according to the
// last reported count.
func (t *Tracker) ShouldUse(ctx context.Context, key credentials.Credential) (bool, error) {
	usage, err := t.Usage(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get usage: %w", err)
	}
	return !usage.Exhausted(), nil
}

// Forget removes stored usage for key.
func (t *Tracker) Forget(ctx context.Context, key credentials.Credential) error {
	fp := key.Fingerprint()
	if err := t.redis.Del(ctx, countKey(fp), updatedKey(fp)).Err(); err != nil {
		return fmt.Errorf("delete usage: %w", err)
	}
	compressionCount.DeleteLabelValues(fp)
	return nil
}
