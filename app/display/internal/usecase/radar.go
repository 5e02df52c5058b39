package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-playground/validator/v10"

	"github.com/iWorld-y/estate_radar/app/display/internal/domain"
	"github.com/iWorld-y/estate_radar/app/display/internal/repo"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/radar"
)

const (
	defaultSummaryDays = 30
	defaultHistoryDays = 90
	maxDays            = 365
	dateLayout         = "2006-01-02"
	triggerTimeout     = 50 * time.Minute
)

// RadarUseCase 展示层业务逻辑：参数校验、错误转换、后台触发
type RadarUseCase struct {
	repo     repo.RadarRepo
	validate *validator.Validate
	log      *log.Helper

	triggered atomic.Bool
	now       func() time.Time
}

// NewRadarUseCase 创建展示层业务逻辑实例
func NewRadarUseCase(repo repo.RadarRepo, logger log.Logger) *RadarUseCase {
	return &RadarUseCase{
		repo:     repo,
		validate: validator.New(),
		log:      log.NewHelper(logger),
		now:      time.Now,
	}
}

// TriggerIngestion 在后台启动一次抓取流程，已有流程在跑时返回冲突
func (uc *RadarUseCase) TriggerIngestion(ctx context.Context) (*domain.TriggerReply, error) {
	if h := uc.repo.Health(ctx); h.Scheduler == "running" {
		return nil, errors.Conflict("PASS_IN_PROGRESS", "an ingestion pass is already running")
	}
	if !uc.triggered.CompareAndSwap(false, true) {
		return nil, errors.Conflict("PASS_IN_PROGRESS", "an ingestion pass is already running")
	}
	go func() {
		defer uc.triggered.Store(false)
		runCtx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()
		summary, err := uc.repo.RunIngestionPass(runCtx)
		if err != nil {
			uc.log.Errorf("manual ingestion pass failed: %v", err)
			return
		}
		uc.log.Infof("manual ingestion pass %s done: added=%d failed=%d", summary.RunID, summary.ArticlesAdded, summary.Failed)
	}()
	return &domain.TriggerReply{Status: "started"}, nil
}

// Ingest 同步导入指定 URL
func (uc *RadarUseCase) Ingest(ctx context.Context, req *domain.IngestRequest) (*dm.IngestionSummary, error) {
	for i, u := range req.URLs {
		req.URLs[i] = strings.TrimSpace(u)
	}
	if err := uc.validate.Struct(req); err != nil {
		return nil, errors.BadRequest("INVALID_ARGUMENT", err.Error())
	}
	summary, err := uc.repo.IngestURLs(ctx, req.URLs)
	if err != nil {
		return nil, uc.convert(err, "")
	}
	return summary, nil
}

// Query 检索增强问答
func (uc *RadarUseCase) Query(ctx context.Context, req *domain.QueryRequest) (*dm.Answer, error) {
	req.Question = strings.TrimSpace(req.Question)
	if err := uc.validate.Struct(req); err != nil {
		return nil, errors.BadRequest("INVALID_ARGUMENT", err.Error())
	}
	answer, err := uc.repo.AnswerQuestion(ctx, req.Question)
	if err != nil {
		return nil, uc.convert(err, "")
	}
	return answer, nil
}

// Trend 市场某一天的情绪，date 为空时取当天
func (uc *RadarUseCase) Trend(ctx context.Context, market, date string) (*dm.TrendPoint, error) {
	var w dm.Window
	if date != "" {
		d, err := time.ParseInLocation(dateLayout, date, time.UTC)
		if err != nil {
			return nil, errors.BadRequest("INVALID_ARGUMENT", fmt.Sprintf("date must look like %s", dateLayout))
		}
		w = dm.Window{Start: d, End: d.Add(24 * time.Hour)}
	}
	point, err := uc.repo.GetMarketTrend(ctx, market, w)
	if err != nil {
		return nil, uc.convert(err, "MARKET_NOT_FOUND")
	}
	return point, nil
}

// History 市场最近 days 天的每日趋势
func (uc *RadarUseCase) History(ctx context.Context, market string, days int) (*domain.MarketHistory, error) {
	days, err := checkDays(days, defaultHistoryDays)
	if err != nil {
		return nil, err
	}
	to := uc.now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	from := to.AddDate(0, 0, -days)
	points, err := uc.repo.GetMarketHistory(ctx, market, from, to)
	if err != nil {
		return nil, uc.convert(err, "MARKET_NOT_FOUND")
	}
	if points == nil {
		points = []dm.TrendPoint{}
	}
	return &domain.MarketHistory{Market: market, From: from, To: to, Points: points}, nil
}

// Summary 市场最近 days 天概况
func (uc *RadarUseCase) Summary(ctx context.Context, market string, days int) (*dm.MarketTrend, error) {
	days, err := checkDays(days, defaultSummaryDays)
	if err != nil {
		return nil, err
	}
	summary, err := uc.repo.MarketSummary(ctx, market, days)
	if err != nil {
		return nil, uc.convert(err, "MARKET_NOT_FOUND")
	}
	return summary, nil
}

// Markets 有数据的市场列表
func (uc *RadarUseCase) Markets(ctx context.Context, days int) (*domain.ListReply[dm.MarketTrend], error) {
	days, err := checkDays(days, defaultSummaryDays)
	if err != nil {
		return nil, err
	}
	list, err := uc.repo.ListMarkets(ctx, days)
	if err != nil {
		return nil, uc.convert(err, "")
	}
	return listOf(list), nil
}

// Articles 文章列表
func (uc *RadarUseCase) Articles(ctx context.Context, q *domain.ArticleQuery) (*domain.ListReply[dm.ArticleSummary], error) {
	if err := uc.validate.Struct(q); err != nil {
		return nil, errors.BadRequest("INVALID_ARGUMENT", err.Error())
	}
	f := dm.ArticleFilter{
		Source:         q.Source,
		Market:         q.Market,
		NeedsReprocess: q.NeedsReprocess,
		Limit:          q.Limit,
	}
	if q.Days > 0 {
		f.Since = uc.now().AddDate(0, 0, -q.Days)
	}
	list, err := uc.repo.ListArticles(ctx, f)
	if err != nil {
		return nil, uc.convert(err, "MARKET_NOT_FOUND")
	}
	return listOf(list), nil
}

// Alerts 活跃告警
func (uc *RadarUseCase) Alerts(ctx context.Context) (*domain.ListReply[dm.Alert], error) {
	list, err := uc.repo.ListActiveAlerts(ctx)
	if err != nil {
		return nil, uc.convert(err, "")
	}
	return listOf(list), nil
}

// Acknowledge 确认告警
func (uc *RadarUseCase) Acknowledge(ctx context.Context, id string) (*dm.Alert, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.BadRequest("INVALID_ARGUMENT", "alert id is required")
	}
	alert, err := uc.repo.AcknowledgeAlert(ctx, id)
	if err != nil {
		return nil, uc.convert(err, "ALERT_NOT_FOUND")
	}
	return alert, nil
}

// Stats 系统计数
func (uc *RadarUseCase) Stats(ctx context.Context) (*dm.Stats, error) {
	st, err := uc.repo.Stats(ctx)
	if err != nil {
		return nil, uc.convert(err, "")
	}
	return &st, nil
}

// Health 健康检查
func (uc *RadarUseCase) Health(ctx context.Context) *radar.Health {
	h := uc.repo.Health(ctx)
	return &h
}

// convert 把核心错误转换为 kratos 错误，notFound 为资源不存在时使用的 reason
func (uc *RadarUseCase) convert(err error, notFound string) error {
	var qe *dm.QueryError
	switch {
	case errors.Is(err, dm.ErrNotFound) && notFound != "":
		return errors.NotFound(notFound, err.Error())
	case errors.Is(err, dm.ErrPassInProgress):
		return errors.Conflict("PASS_IN_PROGRESS", err.Error())
	case errors.As(err, &qe):
		return errors.ServiceUnavailable("QUERY_FAILED", qe.Error())
	case errors.Is(err, dm.ErrStoreUnavailable):
		return errors.ServiceUnavailable("STORE_UNAVAILABLE", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return errors.GatewayTimeout("TIMEOUT", err.Error())
	}
	uc.log.Errorf("request failed: %v", err)
	return errors.InternalServer("INTERNAL", "internal error").WithCause(err)
}

func checkDays(days, def int) (int, error) {
	switch {
	case days == 0:
		return def, nil
	case days < 0 || days > maxDays:
		return 0, errors.BadRequest("INVALID_ARGUMENT", fmt.Sprintf("days must be between 1 and %d", maxDays))
	}
	return days, nil
}

func listOf[T any](items []T) *domain.ListReply[T] {
	if items == nil {
		items = []T{}
	}
	return &domain.ListReply[T]{Items: items, Total: len(items)}
}
