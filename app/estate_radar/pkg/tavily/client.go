package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/search"
)

const (
	defaultBaseURL    = "https://api.tavily.com/search"
	defaultMaxResults = 10
	maxErrorBody      = 512
)

// Client Tavily 新闻搜索，结果里带全文时可以省掉一次页面抓取
type Client struct {
	apiKey    string
	baseURL   string
	userAgent string
	client    *http.Client
}

// Option 客户端选项
type Option func(*Client)

// WithBaseURL 替换接口地址（测试用）
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithUserAgent 设置 UA
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// NewClient 创建 Tavily 客户端
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ search.Searcher = (*Client)(nil)

func (c *Client) Name() string { return "Tavily" }

// query 请求体，只发送用到的字段
type query struct {
	Query             string `json:"query"`
	Topic             string `json:"topic"`
	MaxResults        int    `json:"max_results"`
	IncludeRawContent bool   `json:"include_raw_content"`
	StartDate         string `json:"start_date,omitempty"`
}

type hit struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	RawContent    string  `json:"raw_content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date"`
}

// Search 按 topic=news 查询，since 换算成 start_date（按天）
func (c *Client) Search(ctx context.Context, req *search.Request) (*search.Response, error) {
	q := query{
		Query:             req.Query,
		Topic:             req.Topic,
		MaxResults:        req.MaxResults,
		IncludeRawContent: true,
	}
	if q.Topic == "" {
		q.Topic = "news"
	}
	if q.MaxResults <= 0 {
		q.MaxResults = defaultMaxResults
	}
	if !req.Since.IsZero() {
		q.StartDate = req.Since.UTC().Format(time.DateOnly)
	}

	hits, err := c.post(ctx, q)
	if err != nil {
		return nil, err
	}

	out := &search.Response{Results: make([]search.Result, 0, len(hits))}
	for _, h := range hits {
		out.Results = append(out.Results, search.Result{
			Title:       h.Title,
			URL:         h.URL,
			Source:      c.Name(),
			Content:     h.Content,
			RawContent:  h.RawContent,
			Score:       h.Score,
			PublishedAt: search.ParseDate(h.PublishedDate),
		})
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, q query) ([]hit, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("tavily: encode query: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tavily: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, fmt.Errorf("tavily: status %d: %s", res.StatusCode, bytes.TrimSpace(msg))
	}

	var body struct {
		Results []hit `json:"results"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}
	return body.Results, nil
}
