// Package retry 提供可组合的指数退避重试策略。
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
)

// Policy 重试策略
type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
	Jitter           float64 // 0.25 表示 ±25%
	RateLimitBackoff time.Duration

	// Retryable 为 nil 时除 Permanent 外所有错误都重试
	Retryable func(error) bool
	// Sleep 测试时替换
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default 默认策略：3 次，2s 起步
func Default() Policy {
	return Policy{
		MaxAttempts:      3,
		InitialBackoff:   2 * time.Second,
		MaxBackoff:       30 * time.Second,
		Multiplier:       2,
		Jitter:           0.25,
		RateLimitBackoff: 5 * time.Second,
	}
}

// FromConfig 从配置构造
func FromConfig(c config.RetryConfig) Policy {
	p := Default()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff > 0 {
		p.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		p.MaxBackoff = c.MaxBackoff
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.RateLimitBackoff > 0 {
		p.RateLimitBackoff = c.RateLimitBackoff
	}
	return p
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 是否为不可重试错误
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// IsRateLimitError 识别各家模型服务的限流错误
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota")
}

// Backoff 第 attempt 次（从 0 开始）失败后的等待时间
func (p Policy) Backoff(attempt int, err error) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if IsRateLimitError(err) && p.RateLimitBackoff > 0 {
		if rl := float64(p.RateLimitBackoff) * float64(attempt+1); rl > d {
			d = rl
		}
	}
	if d < 0 {
		d = float64(p.InitialBackoff)
	}
	return time.Duration(d)
}

// Do 执行 fn，失败时按策略退避重试，返回最后一次的错误
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || (p.Retryable != nil && !p.Retryable(lastErr)) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.Backoff(attempt, lastErr)
		logger.Log.Warnf("%s 第 %d 次失败，%v 后重试: %v", op, attempt+1, wait, lastErr)
		if err := sleep(ctx, wait); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// DoValue Do 的带返回值版本
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
