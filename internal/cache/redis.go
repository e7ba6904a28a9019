package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// incrIfPresent only touches keys that already hold a counter
var incrIfPresent = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return {1, redis.call("INCRBY", KEYS[1], ARGV[1])}
end
return {0, 0}
`)

// Redis is a Backend on a redis server
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the server at url (redis://...)
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, key, value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) IncrIfPresent(ctx context.Context, key string, delta int64) (int64, bool, error) {
	res, err := incrIfPresent.Run(ctx, r.rdb, []string{key}, delta).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected script reply %v", res)
	}
	return res[1], res[0] == 1, nil
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	return r.rdb.ZAddNX(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *Redis) ZRem(ctx context.Context, key, member string) error {
	return r.rdb.ZRem(ctx, key, member).Err()
}

func (r *Redis) ZRevRangeFrom(ctx context.Context, key string, max float64, offset, limit int) ([]Member, error) {
	upper := "+inf"
	if max != 0 && !math.IsInf(max, 1) {
		upper = strconv.FormatFloat(max, 'f', -1, 64)
	}
	count := int64(limit)
	if count <= 0 {
		count = -1
	}
	zs, err := r.rdb.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    upper,
		Offset: int64(offset),
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Member{ID: id, Score: z.Score})
	}
	return out, nil
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := r.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
