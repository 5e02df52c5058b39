// Package extractor 抓取文章页面并清洗出正文。
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/go-shiori/go-readability"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/retry"
)

const maxPageBytes = 5 << 20

var junkPatterns = regexp.MustCompile(`(?i)skip\s*(to\s*)?(content|navigation)|sign\s*(up|in)|subscribe|newsletter|advertisement|sponsored|cookie|privacy\s*policy|terms\s*of\s*(use|service)|copyright|all\s*rights\s*reserved|follow\s*us|share\s*this|related\s*articles|you\s*may\s*also`)

var whitespace = regexp.MustCompile(`\s+`)

// junkTags 兜底解析时直接删掉的节点
var junkTags = "script, style, nav, footer, aside, iframe, noscript, svg, button, form, header"

// dateSelectors 页面发布时间的常见位置，按优先级排列
var dateSelectors = []string{
	`meta[property="article:published_time"]`,
	`meta[name="pubdate"]`,
	`meta[name="publishdate"]`,
	`meta[name="date"]`,
	`meta[property="og:published_time"]`,
	`meta[itemprop="datePublished"]`,
	`time[itemprop="datePublished"]`,
	`time[datetime]`,
}

// Result 清洗后的正文
type Result struct {
	Title       string
	Text        string
	PublishedAt *time.Time
}

// Extractor 正文提取器，可并发使用
type Extractor struct {
	client    *http.Client
	userAgent string
	minLength int
	maxLength int
	policy    retry.Policy
}

// New 创建提取器
func New(cfg config.IngestionConfig, policy retry.Policy) *Extractor {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &Extractor{
		client:    &http.Client{Timeout: timeout},
		userAgent: cfg.UserAgent,
		minLength: cfg.MinContentLength,
		maxLength: cfg.MaxContentLength,
		policy:    policy,
	}
}

// Extract 抓取并清洗 rawURL 的正文，失败时返回 *model.ExtractionError
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*Result, error) {
	res, err := retry.DoValue(ctx, e.policy, "fetch "+rawURL, func(ctx context.Context) (*Result, error) {
		return e.extractOnce(ctx, rawURL)
	})
	if err != nil {
		return nil, &model.ExtractionError{Stage: model.StageContent, Target: rawURL, Err: err}
	}
	return res, nil
}

func (e *Extractor) extractOnce(ctx context.Context, rawURL string) (*Result, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid url: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Permanent(fmt.Errorf("http status %d", resp.StatusCode))
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return nil, retry.Permanent(fmt.Errorf("non-html content type %q", ct))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read body failed: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse html: %w", err))
	}

	out := &Result{
		Title:       pageTitle(doc),
		PublishedAt: publishDate(doc),
	}

	text := ""
	if article, rerr := readability.FromReader(bytes.NewReader(body), pageURL); rerr == nil {
		text = Clean(article.TextContent)
		if out.Title == "" {
			out.Title = strings.TrimSpace(article.Title)
		}
	} else {
		logger.Log.Debugf("readability 解析失败 %s: %v", rawURL, rerr)
	}
	if utf8.RuneCountInString(text) < e.minLength {
		text = Clean(fallbackText(doc))
	}

	if utf8.RuneCountInString(text) < e.minLength {
		return nil, retry.Permanent(fmt.Errorf("text too short (%d < %d)", utf8.RuneCountInString(text), e.minLength))
	}
	if e.maxLength > 0 && utf8.RuneCountInString(text) > e.maxLength {
		text = string([]rune(text)[:e.maxLength])
	}
	out.Text = text
	return out, nil
}

// Clean 去掉常见的站点噪声短语并压缩空白
func Clean(text string) string {
	text = junkPatterns.ReplaceAllString(text, "")
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func fallbackText(doc *goquery.Document) string {
	doc.Find(junkTags).Remove()

	for _, sel := range []string{"article", "main", `[class*="article"], [class*="content"], [class*="post"]`, "body"} {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		var parts []string
		node.Find("p, li, h2, h3, blockquote").Each(func(_ int, s *goquery.Selection) {
			if t := strings.TrimSpace(s.Text()); t != "" {
				parts = append(parts, t)
			}
		})
		if len(parts) == 0 {
			parts = append(parts, node.Text())
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func pageTitle(doc *goquery.Document) string {
	for _, sel := range []string{"h1", "title"} {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			if utf8.RuneCountInString(t) > 200 {
				t = string([]rune(t)[:200])
			}
			return t
		}
	}
	return ""
}

func publishDate(doc *goquery.Document) *time.Time {
	for _, sel := range dateSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		raw := node.AttrOr("content", "")
		if raw == "" {
			raw = node.AttrOr("datetime", "")
		}
		if raw == "" {
			raw = node.Text()
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, err := dateparse.ParseIn(raw, time.UTC); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
