// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package stats

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink records admission decisions as redis hash counters, one
// pipeline round trip per event.
//
// Cumulative totals live under <prefix>:total and never expire.
// Optional minute buckets (<prefix>:minute:<yyyymmddhhmm>) and
// per-limiter hashes carry a TTL so the key space stays bounded.
type RedisSink struct {
	rdb *redis.Client

	prefix string
	ttl    time.Duration

	// minute bucketing on or off
	buckets bool

	// record per-limiter counters; beware of cardinality when
	// limiter names are not a small fixed set
	trackLimiters bool
}

type RedisSinkOption func(*RedisSink)

func WithPrefix(prefix string) RedisSinkOption {
	return func(s *RedisSink) { s.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) RedisSinkOption {
	return func(s *RedisSink) { s.ttl = d }
}

func WithMinuteBuckets(enable bool) RedisSinkOption {
	return func(s *RedisSink) { s.buckets = enable }
}

func WithTrackLimiters(track bool) RedisSinkOption {
	return func(s *RedisSink) { s.trackLimiters = track }
}

func NewRedisSink(rdb *redis.Client, opts ...RedisSinkOption) *RedisSink {
	s := &RedisSink{
		rdb:     rdb,
		prefix:  "throttle:stats",
		ttl:     24 * time.Hour,
		buckets: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record implements Sink.
func (s *RedisSink) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "rejected"
	if ev.Granted {
		field = "granted"
	}

	totalKey := s.prefix + ":total"

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, field, 1)
	if ev.Granted {
		pipe.HIncrBy(ctx, totalKey, "bytes", ev.Bytes)
	}
	if ev.Priority != "" {
		pipe.HIncrBy(ctx, totalKey, ev.Priority+":"+field, 1)
	}

	if s.buckets {
		bucketKey := s.prefix + ":minute:" + at.UTC().Format("200601021504")
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if ev.Granted {
			pipe.HIncrBy(ctx, bucketKey, "bytes", ev.Bytes)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if s.trackLimiters {
		name := strings.TrimSpace(ev.Limiter)
		if name != "" {
			limiterKey := s.prefix + ":limiter:" + name
			pipe.HIncrBy(ctx, limiterKey, field, 1)
			if ev.Granted {
				pipe.HIncrBy(ctx, limiterKey, "bytes", ev.Bytes)
			}
			if s.ttl > 0 {
				pipe.Expire(ctx, limiterKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
