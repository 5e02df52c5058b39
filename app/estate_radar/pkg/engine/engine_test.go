package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/extractor"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/feed"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/fingerprint"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/llm/llmtest"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/llmcache"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/market"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/retry"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/sentiment"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/storage"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/trend"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/vectorindex"
)

var (
	austinText = strings.Repeat("Home prices in Austin declined again as inventory climbed and buyers stayed cautious. ", 4)
	miamiText  = strings.Repeat("Miami condo sales surged on strong demand from out-of-state buyers and cash deals. ", 4)
	austin2    = strings.Repeat("Austin sellers cut asking prices as listings sat longer through the spring. ", 4)

	published = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
)

func page(title, text string) string {
	return fmt.Sprintf(`<html><head><title>%s</title>
<meta property="article:published_time" content="2026-04-01T10:00:00Z"></head>
<body><article><h1>%s</h1><p>%s</p><p>%s</p></article></body></html>`, title, title, text, text)
}

// site 提供一个 RSS 源和若干文章页
type site struct {
	srv   *httptest.Server
	pages atomic.Int32
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rss":
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Housing</title>
<item><title>Austin cools</title><link>%[1]s/austin</link><pubDate>Wed, 01 Apr 2026 10:00:00 GMT</pubDate></item>
<item><title>Miami heats up</title><link>%[1]s/miami</link></item>
<item><title>Broken page</title><link>%[1]s/gone</link><description>Springfield zoning board met on Tuesday.</description></item>
</channel></rss>`, s.srv.URL)
		case "/austin":
			s.pages.Add(1)
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(page("Austin cools", austinText)))
		case "/miami":
			s.pages.Add(1)
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(page("Miami heats up", miamiText)))
		case "/austin-2":
			s.pages.Add(1)
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(page("Austin sellers cut prices", austin2)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// articleOf 取出提示词中的正文部分，提示词本身列出了全部市场
func articleOf(input []*schema.Message) string {
	_, after, _ := strings.Cut(input[len(input)-1].Content, "Article:\n")
	body, _, _ := strings.Cut(after, "\n\nRespond ONLY")
	return body
}

// modelByContent 按正文内容返回对应市场
func modelByContent(_ context.Context, input []*schema.Message) (string, error) {
	content := articleOf(input)
	switch {
	case strings.Contains(content, "Austin"):
		return `{"extractions": [{"market": "Austin", "sentiment": -0.5, "confidence": 0.8, "topics": ["inventory"]}]}`, nil
	case strings.Contains(content, "Miami"):
		return `{"extractions": [{"market": "Miami", "sentiment": 0.7, "confidence": 0.9}]}`, nil
	default:
		return `{"extractions": [{"market": "Springfield", "sentiment": 0.1, "confidence": 0.5}]}`, nil
	}
}

type harness struct {
	engine *Engine
	store  *storage.Storage
	index  *vectorindex.Index
	chat   *llmtest.ChatModel
}

func testPolicy() retry.Policy {
	p := retry.Default()
	p.MaxAttempts = 2
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func testIngestionConfig() config.IngestionConfig {
	return config.IngestionConfig{
		MaxItemsPerFeed:  15,
		MinContentLength: 300,
		MaxContentLength: 12000,
		Workers:          4,
		FetchTimeout:     5 * time.Second,
		UserAgent:        "radar-test",
	}
}

// seedBaseline 在 published 之前的几天写入平稳的情绪记录，作为异常检测基线
func seedBaseline(t *testing.T, store *storage.Storage, market string, score float64) {
	t.Helper()
	for i := 2; i <= 7; i++ {
		url := fmt.Sprintf("https://archive.example.com/%s/%d", strings.ToLower(market), i)
		body := fmt.Sprintf("%s baseline report %d", market, i)
		_, err := store.InsertArticle(context.Background(), &dm.Article{
			Fingerprint: fingerprint.Of(url, body).String(),
			Source:      "Archive",
			URL:         url,
			Title:       body,
			Body:        body,
			PublishedAt: published.Add(-time.Duration(i) * 24 * time.Hour),
		}, []dm.MarketSentiment{{Market: market, Label: dm.Bullish, Score: score, Confidence: 0.8}})
		require.NoError(t, err)
	}
}

func newHarness(t *testing.T, feedURL string, chat *llmtest.ChatModel) *harness {
	t.Helper()
	store, err := storage.Open(config.DBConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "radar.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	registry := market.NewRegistry()
	require.NoError(t, store.SeedMarkets(context.Background(), registry.All()))

	ix, err := vectorindex.Open(t.TempDir(), &llmtest.Embedder{}, vectorindex.Chunker{Size: 500, Overlap: 100, MinLength: 50}, testPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	cfg := testIngestionConfig()
	source := feed.NewFetcher([]config.FeedConfig{{Name: "TestWire", URL: feedURL}}, nil, nil, cfg)
	extract := sentiment.NewExtractor(chat, llmcache.New(100, time.Hour), registry, testPolicy(), nil, sentiment.Options{})

	e := NewEngine(store, source, extractor.New(cfg, testPolicy()), extract, ix,
		trend.New(store, config.TrendConfig{}), cfg)
	return &harness{engine: e, store: store, index: ix, chat: chat}
}

func TestRunIngestionPass_Idempotent(t *testing.T) {
	s := newSite(t)
	h := newHarness(t, s.srv.URL+"/rss", &llmtest.ChatModel{Handler: modelByContent})
	ctx := context.Background()

	sum, err := h.engine.RunIngestionPass(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 3, sum.Candidates)
	assert.Equal(t, 3, sum.ArticlesAdded)
	assert.Equal(t, 2, sum.SentimentsExtracted)
	assert.Equal(t, 0, sum.Failed)

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Articles)
	assert.EqualValues(t, 2, stats.Sentiments)

	chunks, err := h.index.Count()
	require.NoError(t, err)
	assert.Positive(t, chunks)

	calls, pages := h.chat.Calls(), s.pages.Load()
	again, err := h.engine.RunIngestionPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.ArticlesAdded)
	assert.Equal(t, 3, again.Skipped)
	assert.Equal(t, calls, h.chat.Calls())
	assert.Equal(t, pages, s.pages.Load())

	stats, err = h.store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Articles)
}

func TestRunIngestionPass_SummaryFallbackAndMarketFilter(t *testing.T) {
	s := newSite(t)
	h := newHarness(t, s.srv.URL+"/rss", &llmtest.ChatModel{Handler: modelByContent})
	ctx := context.Background()

	_, err := h.engine.RunIngestionPass(ctx)
	require.NoError(t, err)

	list, err := h.store.ListArticles(ctx, dm.ArticleFilter{Source: "TestWire"})
	require.NoError(t, err)
	require.Len(t, list, 3)

	var gone *dm.ArticleSummary
	for i := range list {
		if strings.HasSuffix(list[i].URL, "/gone") {
			gone = &list[i]
		}
	}
	require.NotNil(t, gone)
	a, err := h.store.GetArticle(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, "Springfield zoning board met on Tuesday.", a.Body)
	assert.False(t, a.NeedsReprocess)

	records, err := h.store.SentimentRecords(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	for _, r := range records {
		assert.NotEqual(t, "Springfield", r.Market)
	}
}

func TestRunIngestionPass_ReprocessAfterModelFailure(t *testing.T) {
	s := newSite(t)
	var down atomic.Bool
	down.Store(true)
	chat := &llmtest.ChatModel{Handler: func(ctx context.Context, input []*schema.Message) (string, error) {
		if down.Load() && strings.Contains(articleOf(input), "Miami") {
			return "", errors.New("503 service unavailable")
		}
		return modelByContent(ctx, input)
	}}
	h := newHarness(t, s.srv.URL+"/rss", chat)
	ctx := context.Background()

	sum, err := h.engine.RunIngestionPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.ArticlesAdded)
	assert.Equal(t, 0, sum.Reprocessed)
	assert.NotEmpty(t, sum.Errors)

	pending, err := h.store.PendingReprocess(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, strings.HasSuffix(pending[0].URL, "/miami"))

	down.Store(false)
	sum, err = h.engine.RunIngestionPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reprocessed)
	assert.Equal(t, 1, sum.SentimentsExtracted)

	pending, err = h.store.PendingReprocess(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	records, err := h.store.SentimentRecords(ctx, "Miami", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRunIngestionPass_Guard(t *testing.T) {
	s := newSite(t)
	h := newHarness(t, s.srv.URL+"/rss", &llmtest.ChatModel{Handler: modelByContent})

	h.engine.running.Lock()
	_, err := h.engine.RunIngestionPass(context.Background())
	assert.False(t, h.engine.Busy())
	h.engine.running.Unlock()
	assert.True(t, errors.Is(err, dm.ErrPassInProgress))

	_, err = h.engine.RunIngestionPass(context.Background())
	assert.NoError(t, err)
}

func TestIngestURLs(t *testing.T) {
	s := newSite(t)
	h := newHarness(t, s.srv.URL+"/rss", &llmtest.ChatModel{Handler: modelByContent})
	ctx := context.Background()

	sum, err := h.engine.IngestURLs(ctx, []string{s.srv.URL + "/austin", s.srv.URL + "/gone"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ArticlesAdded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.SentimentsExtracted)

	list, err := h.store.ListArticles(ctx, dm.ArticleFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Web", list[0].Source)
	assert.True(t, list[0].PublishedAt.Equal(published))

	sum, err = h.engine.IngestURLs(ctx, []string{s.srv.URL + "/austin?utm_source=twitter"})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.ArticlesAdded)
	assert.Equal(t, 1, sum.Skipped)

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Articles)
}

func TestIngestURLs_KnownFingerprintSkipsModel(t *testing.T) {
	s := newSite(t)
	chat := &llmtest.ChatModel{Handler: modelByContent}
	h := newHarness(t, s.srv.URL+"/rss", chat)
	ctx := context.Background()

	// 同一篇正文此前以镜像地址入库，URL 不同但指纹相同
	res, err := extractor.New(testIngestionConfig(), testPolicy()).Extract(ctx, s.srv.URL+"/miami")
	require.NoError(t, err)
	_, err = h.store.InsertArticle(ctx, &dm.Article{
		Fingerprint: fingerprint.Of(s.srv.URL+"/miami", res.Text).String(),
		Source:      "Mirror",
		URL:         "https://mirror.example.com/miami",
		Title:       "Miami heats up",
		Body:        res.Text,
		PublishedAt: published,
	}, nil)
	require.NoError(t, err)

	sum, err := h.engine.IngestURLs(ctx, []string{s.srv.URL + "/miami"})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.ArticlesAdded)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, chat.Calls())

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Articles)
}

func TestRunIngestionPass_AlertRaisedOnce(t *testing.T) {
	s := newSite(t)
	h := newHarness(t, s.srv.URL+"/rss", &llmtest.ChatModel{Handler: modelByContent})
	ctx := context.Background()
	seedBaseline(t, h.store, "Austin", 0.3)

	sum, err := h.engine.RunIngestionPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.AlertsRaised)

	again, err := h.engine.RunIngestionPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.AlertsRaised)

	// 同一天又有 Austin 新文章，检测会重新跑，但重叠的活跃告警已存在
	more, err := h.engine.IngestURLs(ctx, []string{s.srv.URL + "/austin-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, more.ArticlesAdded)
	assert.Equal(t, 0, more.AlertsRaised)

	active, err := h.store.ListActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Austin", active[0].Market)
	assert.Equal(t, "high", active[0].Severity)
}

func TestIngestURLs_ConcurrentWithPassRaisesOneAlert(t *testing.T) {
	s := newSite(t)
	h := newHarness(t, s.srv.URL+"/rss", &llmtest.ChatModel{Handler: modelByContent})
	ctx := context.Background()
	seedBaseline(t, h.store, "Austin", 0.3)

	var (
		wg           sync.WaitGroup
		pass, manual *dm.IngestionSummary
		passErr, err error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pass, passErr = h.engine.RunIngestionPass(ctx)
	}()
	go func() {
		defer wg.Done()
		manual, err = h.engine.IngestURLs(ctx, []string{s.srv.URL + "/austin-2"})
	}()
	wg.Wait()

	require.NoError(t, passErr)
	require.NoError(t, err)
	assert.Equal(t, 1, manual.ArticlesAdded)
	assert.Equal(t, 1, pass.AlertsRaised+manual.AlertsRaised)

	active, err := h.store.ListActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Austin", active[0].Market)
}

func TestRunIngestionPass_BusyWhileRunning(t *testing.T) {
	s := newSite(t)
	var (
		e       *Engine
		sawBusy atomic.Bool
	)
	chat := &llmtest.ChatModel{Handler: func(ctx context.Context, input []*schema.Message) (string, error) {
		if e.Busy() {
			sawBusy.Store(true)
		}
		return modelByContent(ctx, input)
	}}
	h := newHarness(t, s.srv.URL+"/rss", chat)
	e = h.engine

	_, err := e.RunIngestionPass(context.Background())
	require.NoError(t, err)
	assert.True(t, sawBusy.Load())
	assert.False(t, e.Busy())
}
