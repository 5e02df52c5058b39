package search

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ErrNotConfigured 未配置搜索凭证，调用方直接跳过该来源
var ErrNotConfigured = errors.New("search provider not configured")

// Searcher 定义通用的新闻搜索接口
type Searcher interface {
	// Name 来源名，写入文章的 source 字段
	Name() string
	Search(ctx context.Context, req *Request) (*Response, error)
}

// Request 通用搜索请求
type Request struct {
	Query      string
	Topic      string // "news" or "general"
	Language   string
	MaxResults int
	Since      time.Time
}

// Response 通用搜索响应
type Response struct {
	Results []Result
}

// Result 单条搜索结果
type Result struct {
	Title       string
	URL         string
	Source      string
	Content     string // 摘要
	RawContent  string // 全文（部分服务提供）
	Score       float64
	PublishedAt *time.Time
}

// ParseDate 宽松解析各家接口的时间字段，失败返回 nil
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
