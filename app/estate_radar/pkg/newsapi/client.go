package newsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/search"
)

const defaultBaseURL = "https://newsapi.org/v2/everything"

// Client NewsAPI 客户端
type Client struct {
	apiKey    string
	baseURL   string
	pageSize  int
	userAgent string
	client    *http.Client
}

// Option 客户端选项
type Option func(*Client)

// WithBaseURL 替换接口地址（测试用）
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithPageSize 每个查询返回条数
func WithPageSize(n int) Option { return func(c *Client) { c.pageSize = n } }

// WithUserAgent 设置 UA
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// WithHTTPClient 替换 http.Client
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.client = hc } }

// NewClient 创建一个新的 NewsAPI 客户端
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		pageSize: 10,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ensure Client implements search.Searcher
var _ search.Searcher = (*Client)(nil)

// Name implements search.Searcher
func (c *Client) Name() string { return "NewsAPI" }

// Response NewsAPI /v2/everything 响应
type Response struct {
	Status       string    `json:"status"`
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	TotalResults int       `json:"totalResults"`
	Articles     []Article `json:"articles"`
}

// Article 单条结果
type Article struct {
	Source struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"source"`
	Author      string `json:"author"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Content     string `json:"content"`
}

// Search implements search.Searcher
func (c *Client) Search(ctx context.Context, req *search.Request) (*search.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	pageSize := req.MaxResults
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	lang := req.Language
	if lang == "" {
		lang = "en"
	}

	q := u.Query()
	q.Set("q", req.Query)
	q.Set("language", lang)
	q.Set("sortBy", "publishedAt")
	q.Set("pageSize", strconv.Itoa(pageSize))
	if !req.Since.IsZero() {
		q.Set("from", req.Since.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read body failed: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("newsapi error (status %d): %s", res.StatusCode, string(body))
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response failed: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("newsapi error %s: %s", resp.Code, resp.Message)
	}

	results := make([]search.Result, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		source := a.Source.Name
		if source == "" {
			source = c.Name()
		}
		results = append(results, search.Result{
			Title:       a.Title,
			URL:         a.URL,
			Source:      source,
			Content:     a.Description,
			PublishedAt: search.ParseDate(a.PublishedAt),
		})
	}
	return &search.Response{Results: results}, nil
}
