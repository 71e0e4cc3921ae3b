package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Sorted sets expire this long after the last admitted entry's window.
const redisExpiryPadding = 5 * time.Second

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, ttl)
  count = count + 1
  allowed = 1
end

local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #first >= 2 then
  oldest = tonumber(first[2])
end

return {allowed, count, oldest}
`)

type RedisOptions struct {
	// DisableScript runs the window step as separate commands instead of one
	// server-side script. Concurrent racers on one key may then overshoot the
	// limit by at most their number minus one.
	DisableScript bool
	// Logger receives failures the store recovers from. Nil discards them.
	Logger *zerolog.Logger
}

// RedisStore is the shared QuotaStore, backed by one sorted set per key with
// entry scores in milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	opts   RedisOptions
	logger zerolog.Logger
}

func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &RedisStore{client: client, opts: opts, logger: logger}
}

// Ping checks that the backing server answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Take implements QuotaStore.
func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error) {
	if key == "" {
		return Usage{}, fmt.Errorf("key is required")
	}
	if limit <= 0 {
		return Usage{}, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if s.opts.DisableScript {
		return s.takeStepwise(ctx, key, limit, window, now)
	}
	return s.takeScripted(ctx, key, limit, window, now)
}

func (s *RedisStore) takeScripted(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error) {
	nowMS := now.UnixMilli()
	ttl := (window + redisExpiryPadding).Milliseconds()

	vals, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		nowMS, window.Milliseconds(), limit, member(nowMS), ttl).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("running sliding window script: %w", err)
	}
	if len(vals) != 3 {
		return Usage{}, fmt.Errorf("unexpected sliding window script result: %v", vals)
	}

	u := Usage{Allowed: vals[0] == 1, Count: int(vals[1])}
	if vals[2] > 0 {
		u.Oldest = time.UnixMilli(vals[2])
	}
	return u, nil
}

func (s *RedisStore) takeStepwise(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error) {
	nowMS := now.UnixMilli()
	cutoff := strconv.FormatInt(nowMS-window.Milliseconds(), 10)

	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return Usage{}, fmt.Errorf("expiring window entries: %w", err)
	}
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("counting window entries: %w", err)
	}

	if int(n) >= limit {
		oldest, err := s.oldest(ctx, key)
		if err != nil {
			return Usage{}, err
		}
		return Usage{Allowed: false, Count: int(n), Oldest: oldest}, nil
	}

	if err := s.client.ZAdd(ctx, key, redis.Z{Score: float64(nowMS), Member: member(nowMS)}).Err(); err != nil {
		return Usage{}, fmt.Errorf("recording window entry: %w", err)
	}

	// The entry is committed. Errors past this point must not reach the
	// caller, or it would record the request again in another store.
	if err := s.client.PExpire(ctx, key, window+redisExpiryPadding).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("setting window expiry failed")
	}
	oldest, err := s.oldest(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("reading oldest entry failed, assuming now")
		oldest = time.UnixMilli(nowMS)
	}
	return Usage{Allowed: true, Count: int(n) + 1, Oldest: oldest}, nil
}

func (s *RedisStore) oldest(ctx context.Context, key string) (time.Time, error) {
	first, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading oldest window entry: %w", err)
	}
	if len(first) == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(int64(first[0].Score)), nil
}

// member makes entries unique so that equal timestamps never collapse into
// one sorted-set element.
func member(nowMS int64) string {
	return strconv.FormatInt(nowMS, 10) + "-" + uuid.NewString()
}
