// Package radar 组装全部组件，对外提供抓取、趋势、告警和问答接口。
// 所有组件都由 New 显式构造并在 Close 时释放，没有包级状态。
package radar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"golang.org/x/time/rate"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/engine"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/extractor"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/feed"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/llm"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/llmcache"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/market"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/rag"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/retry"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/search"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/search/factory"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/sentiment"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/storage"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/trend"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/vectorindex"
)

const rebuildBatch = 50

// SchedulerState 调度器状态，用于健康检查
type SchedulerState interface {
	State() string
	Next() time.Time
}

// Health 健康检查结果
type Health struct {
	Status        string         `json:"status"`
	Database      string         `json:"database"`
	Scheduler     string         `json:"scheduler"`
	NextRun       *time.Time     `json:"next_run,omitempty"`
	IndexedChunks int64          `json:"indexed_chunks"`
	Cache         llmcache.Stats `json:"cache"`
	Uptime        string         `json:"uptime"`
}

// Radar 系统入口
type Radar struct {
	cfg       *config.Config
	registry  *market.Registry
	store     *storage.Storage
	index     *vectorindex.Index
	cache     *llmcache.Cache
	engine    *engine.Engine
	trends    *trend.Engine
	rag       *rag.Engine
	scheduler SchedulerState
	startedAt time.Time
}

// New 按配置创建模型客户端并组装系统
func New(ctx context.Context, cfg *config.Config) (*Radar, error) {
	chat, err := llm.NewChatModel(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	embedder, err := llm.NewEmbedder(ctx, cfg.Embedding)
	if err != nil {
		return nil, err
	}
	return NewWithModels(ctx, cfg, chat, embedder)
}

// NewWithModels 使用给定的模型客户端组装系统
func NewWithModels(ctx context.Context, cfg *config.Config, chat model.BaseChatModel, embedder embedding.Embedder) (*Radar, error) {
	registry := market.NewRegistry()

	store, err := storage.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := store.SeedMarkets(ctx, registry.All()); err != nil {
		_ = store.Close()
		return nil, err
	}

	policy := retry.FromConfig(cfg.Retry)
	chunker := vectorindex.Chunker{
		Size:      cfg.RAG.ChunkSize,
		Overlap:   cfg.RAG.ChunkOverlap,
		MinLength: cfg.RAG.MinChunkLength,
		MaxInput:  cfg.Ingestion.MaxContentLength,
	}
	index, err := vectorindex.Open(cfg.VectorIndex.Dir, embedder, chunker, policy)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// 初始化限流器
	limit := rate.Limit(float64(cfg.Concurrency.RPM) / 60.0)
	burst := cfg.Concurrency.QPS
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	// 初始化搜索客户端，未配置凭证时只抓 RSS
	searcher, err := factory.NewSearcher(cfg.Search, cfg.Ingestion.UserAgent)
	switch {
	case errors.Is(err, search.ErrNotConfigured):
		logger.Log.Info("未配置新闻搜索凭证，跳过搜索来源")
		searcher = nil
	case err != nil:
		_ = index.Close()
		_ = store.Close()
		return nil, fmt.Errorf("搜索客户端初始化失败: %w", err)
	}

	cache := llmcache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	trends := trend.New(store, cfg.Trend)
	sentiments := sentiment.NewExtractor(chat, cache, registry, policy, limiter, sentiment.Options{
		MaxContentLength: cfg.Ingestion.MaxContentLength,
		NeutralBand:      cfg.Trend.NeutralBand,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
	})
	fetcher := feed.NewFetcher(cfg.Feeds, cfg.Search.Queries, searcher, cfg.Ingestion)
	contents := extractor.New(cfg.Ingestion, policy)

	return &Radar{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		index:     index,
		cache:     cache,
		engine:    engine.NewEngine(store, fetcher, contents, sentiments, index, trends, cfg.Ingestion),
		trends:    trends,
		rag:       rag.New(chat, index, policy, limiter, rag.Options{TopK: cfg.RAG.TopK, Timeout: cfg.LLM.Timeout}),
		startedAt: time.Now(),
	}, nil
}

// AttachScheduler 健康检查中展示调度器状态
func (r *Radar) AttachScheduler(s SchedulerState) { r.scheduler = s }

// RunIngestionPass 完整跑一遍抓取流程，已有流程在跑时返回 dm.ErrPassInProgress
func (r *Radar) RunIngestionPass(ctx context.Context) (*dm.IngestionSummary, error) {
	return r.engine.RunIngestionPass(ctx)
}

// Busy 抓取流程是否正在运行
func (r *Radar) Busy() bool { return r.engine.Busy() }

// IngestURLs 手动导入指定 URL
func (r *Radar) IngestURLs(ctx context.Context, urls []string) (*dm.IngestionSummary, error) {
	return r.engine.IngestURLs(ctx, urls)
}

// GetMarketTrend 市场在窗口内的聚合情绪；窗口为零值时取当天
func (r *Radar) GetMarketTrend(ctx context.Context, name string, w dm.Window) (*dm.TrendPoint, error) {
	m, err := r.normalize(name)
	if err != nil {
		return nil, err
	}
	if w.Start.IsZero() || !w.End.After(w.Start) {
		w = r.trends.WindowAt(time.Now())
	}
	return r.trends.ComputeTrend(ctx, m, w)
}

// GetMarketHistory [from, to) 内的每日趋势点，按时间升序
func (r *Radar) GetMarketHistory(ctx context.Context, name string, from, to time.Time) ([]dm.TrendPoint, error) {
	m, err := r.normalize(name)
	if err != nil {
		return nil, err
	}
	return r.trends.History(ctx, m, from, to)
}

// MarketSummary 市场最近 days 天概况
func (r *Radar) MarketSummary(ctx context.Context, name string, days int) (*dm.MarketTrend, error) {
	m, err := r.normalize(name)
	if err != nil {
		return nil, err
	}
	return r.trends.Summary(ctx, m, days)
}

// ListMarkets 有数据的市场及其概况
func (r *Radar) ListMarkets(ctx context.Context, days int) ([]dm.MarketTrend, error) {
	return r.trends.AllMarkets(ctx, days)
}

// Markets 全部已登记市场
func (r *Radar) Markets(ctx context.Context) ([]dm.Market, error) {
	return r.store.Markets(ctx)
}

// ListArticles 按条件查询文章
func (r *Radar) ListArticles(ctx context.Context, f dm.ArticleFilter) ([]dm.ArticleSummary, error) {
	if f.Market != "" {
		m, err := r.normalize(f.Market)
		if err != nil {
			return nil, err
		}
		f.Market = m
	}
	return r.store.ListArticles(ctx, f)
}

// ListActiveAlerts 活跃告警，最新在前
func (r *Radar) ListActiveAlerts(ctx context.Context) ([]dm.Alert, error) {
	return r.store.ListActiveAlerts(ctx)
}

// AcknowledgeAlert 确认告警，重复确认不会改变确认时间；不存在时返回 dm.ErrNotFound
func (r *Radar) AcknowledgeAlert(ctx context.Context, id string) (*dm.Alert, error) {
	return r.store.AcknowledgeAlert(ctx, strings.TrimSpace(id), time.Now())
}

// AnswerQuestion 检索增强问答
func (r *Radar) AnswerQuestion(ctx context.Context, question string) (*dm.Answer, error) {
	return r.rag.Answer(ctx, question)
}

// Stats 各类计数
func (r *Radar) Stats(ctx context.Context) (dm.Stats, error) {
	st, err := r.store.Stats(ctx)
	if err != nil {
		return st, err
	}
	if st.Chunks, err = r.index.Count(); err != nil {
		return st, fmt.Errorf("count chunks: %w", err)
	}
	return st, nil
}

// Health 存储、索引和调度器状态
func (r *Radar) Health(ctx context.Context) Health {
	h := Health{
		Status:    "healthy",
		Database:  "ok",
		Scheduler: "disabled",
		Cache:     r.cache.Stats(),
		Uptime:    time.Since(r.startedAt).Round(time.Second).String(),
	}
	if err := r.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Database = err.Error()
	}
	if n, err := r.index.Count(); err != nil {
		h.Status = "degraded"
	} else {
		h.IndexedChunks = n
	}
	if r.scheduler != nil {
		h.Scheduler = r.scheduler.State()
		if next := r.scheduler.Next(); !next.IsZero() {
			h.NextRun = &next
		}
	}
	return h
}

// RebuildIndex 清空向量索引并从关系库重建，返回写入的片段数
func (r *Radar) RebuildIndex(ctx context.Context) (int, error) {
	if err := r.index.Reset(); err != nil {
		return 0, err
	}
	total, articles := 0, 0
	err := r.store.EachArticle(ctx, rebuildBatch, func(a dm.Article) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.index.Upsert(ctx, a)
		if err != nil {
			logger.Log.WithField("article_id", a.ID).Warnf("重建索引失败: %v", err)
			return nil
		}
		total += n
		articles++
		return nil
	})
	if err != nil {
		return total, err
	}
	logger.Log.Infof("向量索引重建完成: %d 篇文章, %d 个片段", articles, total)
	return total, nil
}

// Close 释放存储和索引
func (r *Radar) Close() error {
	return errors.Join(r.index.Close(), r.store.Close())
}

func (r *Radar) normalize(name string) (string, error) {
	m, ok := r.registry.Normalize(name)
	if !ok {
		return "", fmt.Errorf("market %q: %w", name, dm.ErrNotFound)
	}
	return m, nil
}
