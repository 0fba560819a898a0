// Package ratelimit 提供基于 Redis（多实例共享）与进程内令牌桶两种限流实现
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter 限流器接口
type RateLimiter interface {
	// Allow 判断 key 在 limit 规则下是否放行
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
}

// Limit 限流规则
type Limit struct {
	Rate   int
	Period time.Duration
	Burst  int
}

// Result 限流判定结果
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// RedisRateLimiter 基于 redis_rate 的 GCRA 限流
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
}

// NewRedisRateLimiter 创建 Redis 限流器
func NewRedisRateLimiter(rdb redis.UniversalClient) *RedisRateLimiter {
	return &RedisRateLimiter{limiter: redis_rate.NewLimiter(rdb)}
}

// Allow 实现 RateLimiter
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit Limit) (*Result, error) {
	res, err := r.limiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   limit.Rate,
		Period: limit.Period,
		Burst:  limit.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	return &Result{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		RetryAfter: res.RetryAfter,
	}, nil
}

// LocalRateLimiter 进程内按 key 分桶的令牌桶，Redis 未启用时使用
type LocalRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalRateLimiter 创建进程内限流器
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow 实现 RateLimiter
func (l *LocalRateLimiter) Allow(_ context.Context, key string, limit Limit) (*Result, error) {
	if limit.Period <= 0 || limit.Rate <= 0 {
		return &Result{Allowed: true, Remaining: limit.Burst}, nil
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		every := rate.Every(limit.Period / time.Duration(limit.Rate))
		b = rate.NewLimiter(every, max(limit.Burst, 1))
		l.buckets[key] = b
	}
	l.mu.Unlock()

	now := time.Now()
	r := b.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &Result{Allowed: false, RetryAfter: delay, ResetAfter: delay}, nil
	}
	return &Result{Allowed: true, Remaining: int(b.TokensAt(now))}, nil
}
