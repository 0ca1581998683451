package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisSlidingWindow is a SlidingWindow kept in a Redis sorted set per key,
// so every replica shares one budget.
type RedisSlidingWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisSlidingWindow(client *redis.Client, prefix string, limit int, window time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records the request and reports whether the key is still within
// its limit. Only allowed requests stay in the window, as in SlidingWindow.
func (r *RedisSlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now()
	redisKey := r.prefix + "ratelimit:" + key
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-r.window).UnixNano(), 10)

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+cutoff)
		pipe.ZAdd(ctx, redisKey, &redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, r.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if card.Val() <= int64(r.limit) {
		return true, nil
	}
	if err := r.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return false, fmt.Errorf("rate limit %s: drop rejected hit: %w", key, err)
	}
	return false, nil
}
