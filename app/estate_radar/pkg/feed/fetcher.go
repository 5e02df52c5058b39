// Package feed 从 RSS 源和新闻搜索接口拉取候选文章。
package feed

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/fingerprint"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/search"
)

const maxTitleLength = 200

// Item 抓取结果，Err 非空时表示某个源整体失败
type Item struct {
	Article model.RawArticle
	Err     error
}

// Fetcher 候选文章抓取器
type Fetcher struct {
	feeds    []config.FeedConfig
	queries  []string
	searcher search.Searcher
	parser   *gofeed.Parser
	maxItems int
}

// NewFetcher searcher 可以为 nil，此时只抓 RSS
func NewFetcher(feeds []config.FeedConfig, queries []string, searcher search.Searcher, cfg config.IngestionConfig) *Fetcher {
	parser := gofeed.NewParser()
	parser.UserAgent = cfg.UserAgent
	parser.Client = &http.Client{Timeout: cfg.FetchTimeout}

	maxItems := cfg.MaxItemsPerFeed
	if maxItems <= 0 {
		maxItems = 15
	}
	return &Fetcher{
		feeds:    feeds,
		queries:  queries,
		searcher: searcher,
		parser:   parser,
		maxItems: maxItems,
	}
}

// Fetch 每个源一个协程，同一源内保持原始顺序；跨源按规范 URL 去重。
// 通道在所有源处理完后关闭，只能消费一次
func (f *Fetcher) Fetch(ctx context.Context) <-chan Item {
	out := make(chan Item)
	seen := &seenSet{urls: make(map[string]struct{})}

	var wg sync.WaitGroup
	for _, fc := range f.feeds {
		wg.Add(1)
		go func(fc config.FeedConfig) {
			defer wg.Done()
			f.fetchFeed(ctx, fc, seen, out)
		}(fc)
	}

	if f.searcher != nil && len(f.queries) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.fetchSearch(ctx, seen, out)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (f *Fetcher) fetchFeed(ctx context.Context, fc config.FeedConfig, seen *seenSet, out chan<- Item) {
	parsed, err := f.parser.ParseURLWithContext(fc.URL, ctx)
	if err != nil {
		logger.Log.Warnf("RSS 源抓取失败 [%s]: %v", fc.Name, err)
		send(ctx, out, Item{Err: &model.FetchError{Source: fc.Name, Err: err}})
		return
	}

	count := 0
	for _, it := range parsed.Items {
		if count >= f.maxItems {
			break
		}
		if it == nil || !isHTTPURL(it.Link) {
			continue
		}
		count++
		if !seen.add(it.Link) {
			continue
		}

		published := it.PublishedParsed
		if published == nil {
			published = it.UpdatedParsed
		}
		raw := model.RawArticle{
			URL:         it.Link,
			Title:       truncateTitle(it.Title),
			Source:      fc.Name,
			PublishedAt: published,
			Summary:     stripHTML(it.Description),
			Content:     stripHTML(it.Content),
		}
		if !send(ctx, out, Item{Article: raw}) {
			return
		}
	}
	logger.Log.Debugf("RSS 源 [%s] 产出 %d 条候选", fc.Name, count)
}

func (f *Fetcher) fetchSearch(ctx context.Context, seen *seenSet, out chan<- Item) {
	since := time.Now().AddDate(0, 0, -7)
	for _, q := range f.queries {
		resp, err := f.searcher.Search(ctx, &search.Request{
			Query:    q,
			Topic:    "news",
			Language: "en",
			Since:    since,
		})
		if err != nil {
			logger.Log.Warnf("新闻搜索失败 [%s] query=%q: %v", f.searcher.Name(), q, err)
			if !send(ctx, out, Item{Err: &model.FetchError{Source: f.searcher.Name(), Err: err}}) {
				return
			}
			continue
		}
		for _, r := range resp.Results {
			if !isHTTPURL(r.URL) || !seen.add(r.URL) {
				continue
			}
			source := r.Source
			if source == "" {
				source = f.searcher.Name()
			}
			raw := model.RawArticle{
				URL:         r.URL,
				Title:       truncateTitle(r.Title),
				Source:      source,
				PublishedAt: r.PublishedAt,
				Summary:     stripHTML(r.Content),
				Content:     r.RawContent,
			}
			if !send(ctx, out, Item{Article: raw}) {
				return
			}
		}
	}
}

func send(ctx context.Context, out chan<- Item, it Item) bool {
	select {
	case out <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

type seenSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

// add 首次出现返回 true
func (s *seenSet) add(raw string) bool {
	key := fingerprint.CanonicalURL(raw)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[key]; ok {
		return false
	}
	s.urls[key] = struct{}{}
	return true
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func truncateTitle(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxTitleLength {
		return s
	}
	return string([]rune(s)[:maxTitleLength])
}

// stripHTML feed 摘要经常带 HTML 标签
func stripHTML(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
