package counterstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by a Redis client. Counters use INCR+EXPIRE;
// window markers are plain string keys with TTL; sample buffers use sorted
// sets scored by Unix-nano timestamp, trimmed with ZREMRANGEBYRANK.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func windowKey(key string) string {
	return key + ":window"
}

func samplesKey(key string) string {
	return key + ":samples"
}

// Increment bumps key and sets its TTL only on the call that creates the
// key (INCR returning 1), so a fixed window rolls over at window expiry
// instead of sliding forward on every request. Setting the TTL is a second
// round trip rather than part of one pipeline, since whether to set it
// depends on the INCR result; per spec.md §4.2/§5 this is accepted as
// non-transactional, same as the window/cooldown write pair in C2.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && window > 0 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (s *RedisStore) GetCount(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *RedisStore) SetWindowStart(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	return s.client.Set(ctx, windowKey(key), t.UnixNano(), ttl).Err()
}

func (s *RedisStore) GetWindowStart(ctx context.Context, key string) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, windowKey(key)).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, v), true, nil
}

func (s *RedisStore) PushSample(ctx context.Context, key string, ts time.Time, value float64, capN int) error {
	sk := samplesKey(key)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, sk, redis.Z{Score: float64(ts.UnixNano()), Member: encodeSample(ts, value)})
	if capN > 0 {
		pipe.ZRemRangeByRank(ctx, sk, 0, int64(-capN-1))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RangeSamples(ctx context.Context, key string, fromTs time.Time) ([]Sample, error) {
	sk := samplesKey(key)
	members, err := s.client.ZRangeByScore(ctx, sk, &redis.ZRangeBy{
		Min: formatScore(float64(fromTs.UnixNano())),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(members))
	for _, m := range members {
		sm, ok := decodeSample(m)
		if ok {
			out = append(out, sm)
		}
	}
	return out, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key, windowKey(key), samplesKey(key)).Err()
}

func (s *RedisStore) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}
