// Copyright 2025 FlowGrid
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Per-minute request limits by route class. The auth limit is deliberately
// tight to slow credential stuffing.
const (
	RateLimitAuth    = 10
	RateLimitRead    = 300
	RateLimitDefault = 60
)

// RateLimiter enforces a per-subject sliding one-minute window. With Redis
// it uses a ZSET of request timestamps per subject so limits hold across
// replicas; without Redis it degrades to a per-process counter window.
type RateLimiter struct {
	rdb *redis.Client

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	count     int
	resetTime time.Time
}

// NewRateLimiter creates a limiter. rdb may be nil for in-memory mode.
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{
		rdb:     rdb,
		windows: make(map[string]*rateWindow),
	}
}

// Allow checks and consumes one request for the subject under the given
// class limit. Returns ErrRateLimited when the budget is exhausted.
func (l *RateLimiter) Allow(ctx context.Context, class, subject string, limit int) error {
	if limit <= 0 {
		return nil
	}
	key := fmt.Sprintf("ratelimit:%s:%s", class, subject)

	if l.rdb != nil {
		err := l.allowRedis(ctx, key, limit)
		if err == nil || errors.Is(err, ErrRateLimited) {
			return err
		}
		log.Printf("[RateLimit] Redis check failed, falling back to memory: %v", err)
	}
	return l.allowMemory(key, limit)
}

// allowRedis implements the sliding window with a ZSET pipeline: trim
// entries older than one minute, count the rest, add this request, refresh
// the key TTL.
func (l *RateLimiter) allowRedis(ctx context.Context, key string, limit int) error {
	now := time.Now()
	pipe := l.rdb.Pipeline()

	minScore := fmt.Sprintf("%d", now.Add(-time.Minute).UnixNano())
	pipe.ZRemRangeByScore(ctx, key, "0", minScore)
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limit pipeline failed: %w", err)
	}

	if countCmd.Val() >= int64(limit) {
		// The request's own entry was added above; it ages out of the
		// window like any other.
		return ErrRateLimited
	}
	return nil
}

func (l *RateLimiter) allowMemory(key string, limit int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetTime) {
		l.windows[key] = &rateWindow{count: 1, resetTime: now.Add(time.Minute)}
		return nil
	}
	if w.count >= limit {
		return ErrRateLimited
	}
	w.count++
	return nil
}
