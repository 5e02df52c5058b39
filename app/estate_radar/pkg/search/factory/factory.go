package factory

import (
	"fmt"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/newsapi"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/search"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/searxng"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/tavily"
)

// NewSearcher 根据配置创建搜索实例
// 未配置任何凭证时返回 (nil, search.ErrNotConfigured)，调用方跳过搜索来源
func NewSearcher(cfg config.SearchConfig, userAgent string) (search.Searcher, error) {
	provider := cfg.Provider
	if provider == "" {
		switch {
		case cfg.NewsAPI.APIKey != "":
			provider = "newsapi"
		case cfg.Tavily.APIKey != "":
			provider = "tavily"
		case cfg.SearXNG.BaseURL != "":
			provider = "searxng"
		default:
			return nil, search.ErrNotConfigured
		}
	}

	switch provider {
	case "newsapi":
		if cfg.NewsAPI.APIKey == "" {
			return nil, search.ErrNotConfigured
		}
		opts := []newsapi.Option{
			newsapi.WithPageSize(cfg.NewsAPI.PageSize),
			newsapi.WithUserAgent(userAgent),
		}
		if cfg.NewsAPI.BaseURL != "" {
			opts = append(opts, newsapi.WithBaseURL(cfg.NewsAPI.BaseURL))
		}
		return newsapi.NewClient(cfg.NewsAPI.APIKey, opts...), nil

	case "tavily":
		if cfg.Tavily.APIKey == "" {
			return nil, search.ErrNotConfigured
		}
		return tavily.NewClient(cfg.Tavily.APIKey, tavily.WithUserAgent(userAgent)), nil

	case "searxng":
		if cfg.SearXNG.BaseURL == "" {
			return nil, search.ErrNotConfigured
		}
		return searxng.NewClient(cfg.SearXNG.BaseURL, cfg.SearXNG.Timeout, userAgent), nil

	default:
		return nil, fmt.Errorf("unknown search provider: %s", provider)
	}
}
