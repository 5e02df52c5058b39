package repo

import (
	"context"
	"time"

	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/radar"
)

// RadarRepo 核心系统对展示层暴露的能力
type RadarRepo interface {
	RunIngestionPass(ctx context.Context) (*dm.IngestionSummary, error)
	IngestURLs(ctx context.Context, urls []string) (*dm.IngestionSummary, error)
	GetMarketTrend(ctx context.Context, market string, w dm.Window) (*dm.TrendPoint, error)
	GetMarketHistory(ctx context.Context, market string, from, to time.Time) ([]dm.TrendPoint, error)
	MarketSummary(ctx context.Context, market string, days int) (*dm.MarketTrend, error)
	ListMarkets(ctx context.Context, days int) ([]dm.MarketTrend, error)
	ListArticles(ctx context.Context, f dm.ArticleFilter) ([]dm.ArticleSummary, error)
	ListActiveAlerts(ctx context.Context) ([]dm.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string) (*dm.Alert, error)
	AnswerQuestion(ctx context.Context, question string) (*dm.Answer, error)
	Stats(ctx context.Context) (dm.Stats, error)
	Health(ctx context.Context) radar.Health
}
