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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Memory(t *testing.T) {
	limiter := NewRateLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.NoError(t, limiter.Allow(ctx, "default", "user-1", 5), "request %d", i)
	}
	assert.ErrorIs(t, limiter.Allow(ctx, "default", "user-1", 5), ErrRateLimited)

	// Other subjects and classes have independent budgets.
	assert.NoError(t, limiter.Allow(ctx, "default", "user-2", 5))
	assert.NoError(t, limiter.Allow(ctx, "read", "user-1", 5))
}

func TestRateLimiter_ZeroLimitDisables(t *testing.T) {
	limiter := NewRateLimiter(nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Allow(context.Background(), "default", "user-1", 0))
	}
}

func TestRateLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := NewRateLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.NoError(t, limiter.Allow(ctx, "auth", "1.2.3.4", 3), "request %d", i)
	}
	assert.ErrorIs(t, limiter.Allow(ctx, "auth", "1.2.3.4", 3), ErrRateLimited)

	// The window is a ZSET of request timestamps.
	assert.True(t, mr.Exists("ratelimit:auth:1.2.3.4"))

	// Another subject is unaffected.
	assert.NoError(t, limiter.Allow(ctx, "auth", "5.6.7.8", 3))
}

func TestRateLimiter_RedisDownFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := NewRateLimiter(rdb)
	mr.Close()

	// With the broker gone the limiter still enforces per-process limits.
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		assert.NoError(t, limiter.Allow(ctx, "default", "user-1", 2))
	}
	assert.ErrorIs(t, limiter.Allow(ctx, "default", "user-1", 2), ErrRateLimited)
}
