package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	keyPrefix = "msgcount:"
	scanBatch = 500
)

// CounterKey returns the Redis key of a user's counter for a day
func CounterKey(userID, day string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, userID, day)
}

// RedisStore keeps counters in Redis so several instances share them.
// Keys expire an hour after their day ends; ResetDaily only sweeps leftovers.
type RedisStore struct {
	client *redis.Client
	now    Clock
	logger *logrus.Logger
}

// NewRedisStore wraps an existing client. A nil clock uses time.Now.
func NewRedisStore(client *redis.Client, now Clock, logger *logrus.Logger) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		client: client,
		now:    now,
		logger: logger,
	}
}

func (r *RedisStore) GetCount(ctx context.Context, userID string) (int, error) {
	count, err := r.client.Get(ctx, CounterKey(userID, DayKey(r.now()))).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return count, nil
}

func (r *RedisStore) Increment(ctx context.Context, userID string) (int, error) {
	now := r.now()
	key := CounterKey(userID, DayKey(now))

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, nextMidnight(now).Add(time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return int(incr.Val()), nil
}

func (r *RedisStore) ResetDaily(ctx context.Context) (int, error) {
	suffix := ":" + DayKey(r.now())

	var stale []string
	err := r.scan(ctx, func(key string) {
		if !strings.HasSuffix(key, suffix) {
			stale = append(stale, key)
		}
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed, err := r.client.Del(ctx, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale counters: %w", err)
	}

	r.logger.WithField("removed", removed).Debug("Stale counters removed")
	return int(removed), nil
}

func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	err := r.scanMatch(ctx, keyPrefix+"*:"+DayKey(r.now()), func(string) { n++ })
	return n, err
}

func (r *RedisStore) scan(ctx context.Context, fn func(key string)) error {
	return r.scanMatch(ctx, keyPrefix+"*", fn)
}

func (r *RedisStore) scanMatch(ctx context.Context, pattern string, fn func(key string)) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan counters: %w", err)
		}
		for _, key := range keys {
			fn(key)
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
