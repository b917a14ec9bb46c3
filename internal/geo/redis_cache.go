package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// cacheClient is the part of redis.UniversalClient the cache uses.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// NewRedisClient returns a cluster client for several addresses and a
// single-node client otherwise.
func NewRedisClient(addrs []string, password string) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:          addrs,
		Password:       password,
		RouteByLatency: len(addrs) > 1,
	})
}

// CachedProvider is a read-through Redis cache in front of a DistanceProvider.
// Distances are symmetric, so both directions share one key. Redis failures
// fall back to the underlying provider.
type CachedProvider struct {
	next   domain.DistanceProvider
	client cacheClient
	ttl    time.Duration
	logger logrus.FieldLogger
}

// NewCachedProvider wraps next with a Redis cache.
func NewCachedProvider(next domain.DistanceProvider, client cacheClient, ttl time.Duration, logger logrus.FieldLogger) *CachedProvider {
	return &CachedProvider{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// DistanceKm implements domain.DistanceProvider.
func (c *CachedProvider) DistanceKm(ctx context.Context, from, to string) (float64, error) {
	key := cacheKey(from, to)

	value, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if d, parseErr := strconv.ParseFloat(value, 64); parseErr == nil {
			return d, nil
		}
		c.logger.WithField("key", key).Warn("discarding unparseable cached distance")
	case errors.Is(err, redis.Nil):
		// miss
	default:
		c.logger.WithError(err).WithField("key", key).Warn("distance cache unavailable")
	}

	d, err := c.next.DistanceKm(ctx, from, to)
	if err != nil {
		return 0, err
	}

	if err := c.client.Set(ctx, key, strconv.FormatFloat(d, 'g', -1, 64), c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("failed to cache distance")
	}
	return d, nil
}

// CheckPostcode implements domain.DistanceProvider. Lookups are not cached.
func (c *CachedProvider) CheckPostcode(ctx context.Context, postcode string) error {
	return c.next.CheckPostcode(ctx, postcode)
}

func cacheKey(from, to string) string {
	if to < from {
		from, to = to, from
	}
	return "distance:" + from + "|" + to
}
