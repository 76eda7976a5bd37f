// Package analytics keeps per-trigger delivery outcome counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "triggerd"

type Config struct {
	Window    time.Duration // bucket width of the time series counters
	Retention time.Duration // TTL of each bucket
}

func DefaultConfig() Config {
	return Config{Window: time.Hour, Retention: 7 * 24 * time.Hour}
}

type RedisSink struct {
	client *redis.Client
	config Config
}

func NewRedisSink(client *redis.Client, config Config) *RedisSink {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	return &RedisSink{client: client, config: config}
}

// Record counts one outcome for a trigger, both in the lifetime totals hash
// and in the time bucket containing at.
func (s *RedisSink) Record(ctx context.Context, triggerName, outcome string, at time.Time) error {
	bucket := bucketKey(triggerName, outcome, at, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, totalsKey(triggerName), outcome, 1)
	pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, s.config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Totals returns lifetime outcome counts for a trigger.
func (s *RedisSink) Totals(ctx context.Context, triggerName string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, totalsKey(triggerName)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for outcome, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("outcome %s: %w", outcome, err)
		}
		out[outcome] = n
	}
	return out, nil
}

// Forget drops the lifetime totals of a deleted trigger. Buckets expire on their own.
func (s *RedisSink) Forget(ctx context.Context, triggerName string) error {
	return s.client.Del(ctx, totalsKey(triggerName)).Err()
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func totalsKey(triggerName string) string {
	return fmt.Sprintf("%s:t:%s:totals", keyPrefix, triggerName)
}

func bucketKey(triggerName, outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:t:%s:%s:%s", keyPrefix, triggerName, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch {
	case window >= 24*time.Hour:
		return t.Format("20060102")
	case window >= time.Hour:
		return t.Format("2006010215")
	case window > time.Minute:
		step := int(window / time.Minute)
		minute := (t.Minute() / step) * step
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	default:
		return t.Format("200601021504")
	}
}
