// Package llmcache 按正文指纹缓存模型原始响应。
package llmcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/fingerprint"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
)

// ComputeFunc 未命中时调用，返回的错误不会被缓存
type ComputeFunc func(ctx context.Context) (string, error)

// Stats 命中统计
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// Cache LRU + TTL，同一指纹同一时刻最多一个计算在途
type Cache struct {
	lru   *expirable.LRU[fingerprint.Fingerprint, string]
	group singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New maxEntries <= 0 时使用 500，ttl <= 0 时使用 7 天
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	c := &Cache{}
	c.lru = expirable.NewLRU[fingerprint.Fingerprint, string](maxEntries, func(key fingerprint.Fingerprint, _ string) {
		c.evictions.Add(1)
		logger.Log.Debugf("llm cache evict %s", key.Short())
	}, ttl)
	return c
}

// Get 只读查询
func (c *Cache) Get(fp fingerprint.Fingerprint) (string, bool) {
	return c.lru.Get(fp)
}

// GetOrCompute 命中直接返回；未命中时合并并发请求，只调用一次 fn。
// hit 表示结果来自缓存（包括等待其他协程计算的结果）
func (c *Cache) GetOrCompute(ctx context.Context, fp fingerprint.Fingerprint, fn ComputeFunc) (payload string, hit bool, err error) {
	if v, ok := c.lru.Get(fp); ok {
		c.hits.Add(1)
		logger.Log.Debugf("llm cache hit %s", fp.Short())
		return v, true, nil
	}

	computed := false
	v, err, _ := c.group.Do(string(fp), func() (any, error) {
		// 排队期间可能已被其他协程写入
		if v, ok := c.lru.Get(fp); ok {
			return v, nil
		}
		computed = true
		out, err := fn(ctx)
		if err != nil {
			return "", err
		}
		c.lru.Add(fp, out)
		return out, nil
	})
	if err != nil {
		return "", false, err
	}

	if computed {
		c.misses.Add(1)
		logger.Log.Debugf("llm cache miss %s", fp.Short())
	} else {
		c.hits.Add(1)
		logger.Log.Debugf("llm cache hit %s (shared)", fp.Short())
	}
	return v.(string), !computed, nil
}

// Stats 当前统计
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.lru.Len(),
	}
}

// Purge 清空缓存
func (c *Cache) Purge() {
	c.lru.Purge()
}
