package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	// SetJobStatus never moves a cached status backwards; see StatusAdvances.
	SetJobStatus(ctx context.Context, ownerID, jobID uuid.UUID, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context, ownerID, jobID uuid.UUID) (string, bool, error)
	DeleteJobStatus(ctx context.Context, ownerID, jobID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// StatusAdvances reports whether a cached status cur may be replaced by next.
// Statuses only move forward and a terminal status is final.
func StatusAdvances(cur, next string) bool {
	c, n := models.StatusRank(cur), models.StatusRank(next)
	if c < 0 || n < 0 {
		return true
	}
	if c == n {
		return c < models.StatusRank(models.JobStatusCompleted) || cur == next
	}
	return n > c
}

// setStatusScript is StatusAdvances applied atomically in Redis.
// ARGV: status, ttl in milliseconds (0 keeps the key forever).
var setStatusScript = redis.NewScript(`
local rank = {pending = 0, running = 1, completed = 2, failed = 2}
local cur = redis.call('GET', KEYS[1])
if cur then
  local c, n = rank[cur], rank[ARGV[1]]
  if c and n then
    if n < c or (n == c and c == 2 and cur ~= ARGV[1]) then
      return 0
    end
  end
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, ownerID, jobID uuid.UUID, status string, ttl time.Duration) error {
	return setStatusScript.Run(ctx, c.client, []string{JobStatusKey(ownerID, jobID)}, status, ttl.Milliseconds()).Err()
}

// GetJobStatus returns the mirrored status. The bool is false on a miss.
func (c *RedisCache) GetJobStatus(ctx context.Context, ownerID, jobID uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(ownerID, jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) DeleteJobStatus(ctx context.Context, ownerID, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobStatusKey(ownerID, jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
