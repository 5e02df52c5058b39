// Package engine 串起一次完整的抓取流程：候选 → 正文 → 去重 → 情绪 → 入库 → 索引 → 告警。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/extractor"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/feed"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/fingerprint"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/storage"
)

const (
	manualSource = "Web"
	maxErrors    = 100
)

// Source 候选文章来源
type Source interface {
	Fetch(ctx context.Context) <-chan feed.Item
}

// ContentExtractor 正文提取
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (*extractor.Result, error)
}

// SentimentExtractor 情绪抽取
type SentimentExtractor interface {
	Extract(ctx context.Context, text string) ([]dm.MarketSentiment, error)
}

// Indexer 向量索引写入
type Indexer interface {
	Upsert(ctx context.Context, a dm.Article) (int, error)
}

// AlertRaiser 异常检测并落库
type AlertRaiser interface {
	RaiseAlerts(ctx context.Context, markets []string) (int, error)
}

// Engine 抓取流程编排，同一时刻最多一个 RunIngestionPass
type Engine struct {
	store     *storage.Storage
	source    Source
	content   ContentExtractor
	sentiment SentimentExtractor
	index     Indexer
	alerts    AlertRaiser
	cfg       config.IngestionConfig

	running sync.Mutex
	busy    atomic.Bool
	now     func() time.Time
}

// NewEngine index 可以为 nil（不写向量索引）
func NewEngine(store *storage.Storage, source Source, content ContentExtractor, sentiment SentimentExtractor,
	index Indexer, alerts AlertRaiser, cfg config.IngestionConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 300
	}
	if cfg.ReprocessBatch <= 0 {
		cfg.ReprocessBatch = 20
	}
	return &Engine{
		store:     store,
		source:    source,
		content:   content,
		sentiment: sentiment,
		index:     index,
		alerts:    alerts,
		cfg:       cfg,
		now:       time.Now,
	}
}

// outcome 单篇文章的处理结果
type outcome int

const (
	added outcome = iota
	skipped
	failed
)

// tally 并发安全的汇总
type tally struct {
	mu      sync.Mutex
	sum     dm.IngestionSummary
	markets map[string]struct{}
	flagged map[uint]struct{}
}

func newTally() *tally {
	return &tally{
		sum: dm.IngestionSummary{
			RunID:     uuid.NewString(),
			StartedAt: time.Now().UTC(),
			Errors:    []string{},
		},
		markets: make(map[string]struct{}),
		flagged: make(map[uint]struct{}),
	}
}

func (t *tally) errorf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sum.Errors) < maxErrors {
		t.sum.Errors = append(t.sum.Errors, fmt.Sprintf(format, args...))
	}
}

func (t *tally) record(o outcome, a *dm.Article, records []dm.SentimentRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sum.Candidates++
	switch o {
	case added:
		t.sum.ArticlesAdded++
		t.sum.SentimentsExtracted += len(records)
		for _, r := range records {
			t.markets[r.Market] = struct{}{}
		}
		if a != nil && a.NeedsReprocess {
			t.flagged[a.ID] = struct{}{}
		}
	case skipped:
		t.sum.Skipped++
	case failed:
		t.sum.Failed++
	}
}

func (t *tally) affected() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.markets))
	for m := range t.markets {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// RunIngestionPass 完整跑一遍抓取流程。
// 已有流程在运行时立即返回 dm.ErrPassInProgress；存储不可用时整个流程失败
func (e *Engine) RunIngestionPass(ctx context.Context) (*dm.IngestionSummary, error) {
	if !e.running.TryLock() {
		return nil, dm.ErrPassInProgress
	}
	defer e.running.Unlock()
	e.busy.Store(true)
	defer e.busy.Store(false)

	t := newTally()
	logger.Log.WithField("run_id", t.sum.RunID).Info("开始抓取流程")
	if err := e.store.Ping(ctx); err != nil {
		t.errorf("%v", err)
		return e.finish(t), err
	}

	items := e.source.Fetch(ctx)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)
	for it := range items {
		if it.Err != nil {
			logger.Log.Warnf("来源失败: %v", it.Err)
			t.errorf("%v", it.Err)
			continue
		}
		raw := it.Article
		g.Go(func() error {
			e.process(ctx, raw, t)
			return nil
		})
	}
	_ = g.Wait()

	e.reprocess(ctx, t)
	e.raiseAlerts(ctx, t)
	return e.finish(t), nil
}

// Busy 是否有 RunIngestionPass 正持有运行锁
func (e *Engine) Busy() bool { return e.busy.Load() }

// IngestURLs 跳过候选抓取，直接处理给定的 URL，可与 RunIngestionPass 并行；
// 入库靠唯一约束查重，告警检测在 AlertRaiser 内串行
func (e *Engine) IngestURLs(ctx context.Context, urls []string) (*dm.IngestionSummary, error) {
	t := newTally()
	if err := e.store.Ping(ctx); err != nil {
		t.errorf("%v", err)
		return e.finish(t), err
	}

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)
	for _, u := range urls {
		raw := dm.RawArticle{URL: strings.TrimSpace(u), Source: manualSource}
		g.Go(func() error {
			e.process(ctx, raw, t)
			return nil
		})
	}
	_ = g.Wait()

	e.raiseAlerts(ctx, t)
	return e.finish(t), nil
}

// process 单篇文章全流程，所有失败都记录在 tally 中，不向上传播
func (e *Engine) process(ctx context.Context, raw dm.RawArticle, t *tally) {
	if err := ctx.Err(); err != nil {
		t.record(failed, nil, nil)
		t.errorf("%s: %v", raw.URL, err)
		return
	}
	log := logger.Log.WithField("url", raw.URL)

	known, err := e.store.KnownURL(ctx, raw.URL)
	if err != nil {
		log.Errorf("URL 查重失败: %v", err)
		t.record(failed, nil, nil)
		t.errorf("%s: %v", raw.URL, err)
		return
	}
	if known {
		t.record(skipped, nil, nil)
		return
	}

	article, ok := e.buildArticle(ctx, raw, t)
	if !ok {
		t.record(failed, nil, nil)
		return
	}

	fp := fingerprint.Fingerprint(article.Fingerprint)
	if known, err = e.store.IsKnown(ctx, fp); err != nil {
		log.Errorf("指纹查重失败: %v", err)
		t.record(failed, nil, nil)
		t.errorf("%s: %v", raw.URL, err)
		return
	} else if known {
		log.Debugf("指纹 %s 已存在，跳过", fp.Short())
		t.record(skipped, nil, nil)
		return
	}

	sentiments, err := e.sentiment.Extract(ctx, article.Body)
	if err != nil {
		log.Warnf("情绪抽取失败，标记待补抽: %v", err)
		t.errorf("%s: %v", raw.URL, err)
		article.NeedsReprocess = true
		sentiments = nil
	}

	records, err := e.store.InsertArticle(ctx, article, sentiments)
	if errors.Is(err, dm.ErrDuplicateArticle) {
		t.record(skipped, nil, nil)
		return
	}
	if err != nil {
		log.Errorf("文章入库失败: %v", err)
		t.record(failed, nil, nil)
		t.errorf("%s: %v", raw.URL, err)
		return
	}
	t.record(added, article, records)
	log.Infof("入库: %s (%d 条情绪)", truncate(article.Title, 60), len(records))

	if e.index != nil {
		if _, err := e.index.Upsert(ctx, *article); err != nil {
			log.Warnf("写入向量索引失败: %v", err)
		}
	}
}

// buildArticle 选定正文：接口给的全文足够长直接用，否则抓页面，抓取失败退回摘要
func (e *Engine) buildArticle(ctx context.Context, raw dm.RawArticle, t *tally) (*dm.Article, bool) {
	title := raw.Title
	published := raw.PublishedAt
	body := extractor.Clean(raw.Content)

	if len([]rune(body)) < e.cfg.MinContentLength {
		res, err := e.content.Extract(ctx, raw.URL)
		if err != nil {
			logger.Log.WithField("url", raw.URL).Warnf("正文提取失败，使用摘要: %v", err)
			if fallback := extractor.Clean(raw.Summary); len(fallback) > len(body) {
				body = fallback
			}
		} else {
			body = res.Text
			if title == "" {
				title = res.Title
			}
			if published == nil {
				published = res.PublishedAt
			}
		}
	}
	if body == "" {
		t.errorf("%s: no usable content", raw.URL)
		return nil, false
	}
	if title == "" {
		title = raw.URL
	}

	now := e.now().UTC()
	a := &dm.Article{
		Fingerprint: fingerprint.Of(raw.URL, body).String(),
		Source:      raw.Source,
		URL:         raw.URL,
		Title:       title,
		Body:        body,
		PublishedAt: now,
		IngestedAt:  now,
	}
	if published != nil {
		a.PublishedAt = published.UTC()
	}
	return a, true
}

// reprocess 补抽之前失败的文章，跳过本轮刚标记的
func (e *Engine) reprocess(ctx context.Context, t *tally) {
	pending, err := e.store.PendingReprocess(ctx, e.cfg.ReprocessBatch+len(t.flagged))
	if err != nil {
		logger.Log.Errorf("查询待补抽文章失败: %v", err)
		t.errorf("reprocess: %v", err)
		return
	}

	done := 0
	for _, a := range pending {
		if _, fresh := t.flagged[a.ID]; fresh {
			continue
		}
		if done >= e.cfg.ReprocessBatch || ctx.Err() != nil {
			break
		}
		sentiments, err := e.sentiment.Extract(ctx, a.Body)
		if err != nil {
			logger.Log.WithField("article_id", a.ID).Warnf("补抽仍失败: %v", err)
			continue
		}
		records, err := e.store.AddSentiments(ctx, a.ID, sentiments)
		if err != nil {
			t.errorf("reprocess %d: %v", a.ID, err)
			continue
		}
		if err := e.store.MarkReprocessed(ctx, a.ID, e.now()); err != nil {
			t.errorf("reprocess %d: %v", a.ID, err)
			continue
		}
		done++

		t.mu.Lock()
		t.sum.Reprocessed++
		t.sum.SentimentsExtracted += len(records)
		for _, r := range records {
			t.markets[r.Market] = struct{}{}
		}
		t.mu.Unlock()
	}
	if done > 0 {
		logger.Log.Infof("补抽完成 %d 篇", done)
	}
}

func (e *Engine) raiseAlerts(ctx context.Context, t *tally) {
	markets := t.affected()
	if len(markets) == 0 || e.alerts == nil {
		return
	}
	raised, err := e.alerts.RaiseAlerts(ctx, markets)
	if err != nil {
		logger.Log.Errorf("异常检测部分失败: %v", err)
		t.errorf("alerts: %v", err)
	}
	t.mu.Lock()
	t.sum.AlertsRaised += raised
	t.mu.Unlock()
}

func (e *Engine) finish(t *tally) *dm.IngestionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sum.FinishedAt = time.Now().UTC()
	s := t.sum
	logger.Log.WithField("run_id", s.RunID).Infof(
		"抓取流程结束: candidates=%d added=%d sentiments=%d alerts=%d skipped=%d failed=%d reprocessed=%d errors=%d, 耗时 %v",
		s.Candidates, s.ArticlesAdded, s.SentimentsExtracted, s.AlertsRaised, s.Skipped, s.Failed, s.Reprocessed,
		len(s.Errors), s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	return &s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
