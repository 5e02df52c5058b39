package searxng

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/search"
)

// Client SearXNG API 客户端
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewClient 创建一个新的 SearXNG 客户端，timeout 单位为秒
func NewClient(baseURL string, timeout int, userAgent string) *Client {
	t := time.Duration(timeout) * time.Second
	if t == 0 {
		t = 30 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: t},
	}
}

// Ensure Client implements search.Searcher
var _ search.Searcher = (*Client)(nil)

// Name implements search.Searcher
func (c *Client) Name() string { return "SearXNG" }

// SearchResponse SearXNG 响应结构
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// SearchResult SearXNG 单条结果
type SearchResult struct {
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	Content       string   `json:"content"`
	Engine        string   `json:"engine"`
	PublishedDate *string  `json:"publishedDate"` // 部分引擎返回 null
	Score         float64  `json:"score"`
	Engines       []string `json:"engines"`
}

// Search 执行搜索
func (c *Client) Search(ctx context.Context, req *search.Request) (*search.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = "/search"

	q := u.Query()
	q.Set("q", req.Query)
	q.Set("format", "json")
	if req.Topic == "general" {
		q.Set("categories", "general")
	} else {
		q.Set("categories", "news")
	}
	if req.Language != "" {
		q.Set("language", req.Language)
	}
	if !req.Since.IsZero() && time.Since(req.Since) <= 31*24*time.Hour {
		q.Set("time_range", "month")
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("searxng api error (status %d): %s", res.StatusCode, string(body))
	}

	var searchResp SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode response failed: %w", err)
	}

	limit := req.MaxResults
	results := make([]search.Result, 0, len(searchResp.Results))
	for _, r := range searchResp.Results {
		if limit > 0 && len(results) >= limit {
			break
		}
		var published string
		if r.PublishedDate != nil {
			published = *r.PublishedDate
		}
		results = append(results, search.Result{
			Title:       r.Title,
			URL:         r.URL,
			Source:      c.Name(),
			Content:     r.Content,
			Score:       r.Score,
			PublishedAt: search.ParseDate(published),
		})
	}

	return &search.Response{Results: results}, nil
}
