package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLedger is a NonceLedger shared by every replica pointing at the same
// Redis. Each pair is a key that expires after the TTL, so no sweep is needed.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(sessionID, nonce string) string {
	return l.prefix + "nonce:" + sessionID + ":" + nonce
}

// Consume implements NonceLedger with SET NX.
func (l *RedisLedger) Consume(ctx context.Context, sessionID, nonce string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(sessionID, nonce), 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}
	return ok, nil
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}
