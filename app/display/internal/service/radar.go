package service

import (
	"context"
	"net/url"
	"strconv"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"

	"github.com/iWorld-y/estate_radar/app/display/internal/domain"
	"github.com/iWorld-y/estate_radar/app/display/internal/usecase"
)

const (
	OperationIngest      = "/estate_radar.v1.Radar/Ingest"
	OperationTrigger     = "/estate_radar.v1.Radar/TriggerIngestion"
	OperationQuery       = "/estate_radar.v1.Radar/Query"
	OperationTrend       = "/estate_radar.v1.Radar/Trend"
	OperationHistory     = "/estate_radar.v1.Radar/History"
	OperationSummary     = "/estate_radar.v1.Radar/Summary"
	OperationMarkets     = "/estate_radar.v1.Radar/Markets"
	OperationArticles    = "/estate_radar.v1.Radar/Articles"
	OperationAlerts      = "/estate_radar.v1.Radar/Alerts"
	OperationAcknowledge = "/estate_radar.v1.Radar/Acknowledge"
	OperationStats       = "/estate_radar.v1.Radar/Stats"
	OperationHealth      = "/estate_radar.v1.Radar/Health"
)

type RadarService struct {
	uc  *usecase.RadarUseCase
	log *log.Helper
}

func NewRadarService(uc *usecase.RadarUseCase, logger log.Logger) *RadarService {
	return &RadarService{uc: uc, log: log.NewHelper(logger)}
}

// RegisterRoutes 注册 HTTP 路由
func (s *RadarService) RegisterRoutes(srv *http.Server) {
	srv.Route("/").GET("/health", s.health)

	r := srv.Route("/api")
	r.POST("/ingest", s.ingest)
	r.POST("/ingest/auto", s.trigger)
	r.POST("/query", s.query)
	r.GET("/markets", s.markets)
	r.GET("/markets/{market}/trend", s.trend)
	r.GET("/markets/{market}/history", s.history)
	r.GET("/markets/{market}/summary", s.summary)
	r.GET("/articles", s.articles)
	r.GET("/alerts", s.alerts)
	r.POST("/alerts/{id}/acknowledge", s.acknowledge)
	r.GET("/stats", s.stats)
}

// handle 经过中间件执行 fn 并输出 JSON
func handle(ctx http.Context, op string, in any, fn func(context.Context, any) (any, error)) error {
	http.SetOperation(ctx, op)
	h := ctx.Middleware(func(c context.Context, req any) (any, error) {
		return fn(c, req)
	})
	out, err := h(ctx, in)
	if err != nil {
		return err
	}
	return ctx.Result(200, out)
}

func (s *RadarService) ingest(ctx http.Context) error {
	var in domain.IngestRequest
	if err := ctx.Bind(&in); err != nil {
		return errors.BadRequest("INVALID_ARGUMENT", err.Error())
	}
	return handle(ctx, OperationIngest, &in, func(c context.Context, req any) (any, error) {
		return s.uc.Ingest(c, req.(*domain.IngestRequest))
	})
}

func (s *RadarService) trigger(ctx http.Context) error {
	return handle(ctx, OperationTrigger, nil, func(c context.Context, _ any) (any, error) {
		return s.uc.TriggerIngestion(c)
	})
}

func (s *RadarService) query(ctx http.Context) error {
	var in domain.QueryRequest
	if err := ctx.Bind(&in); err != nil {
		return errors.BadRequest("INVALID_ARGUMENT", err.Error())
	}
	return handle(ctx, OperationQuery, &in, func(c context.Context, req any) (any, error) {
		return s.uc.Query(c, req.(*domain.QueryRequest))
	})
}

func (s *RadarService) trend(ctx http.Context) error {
	market := ctx.Vars().Get("market")
	date := ctx.Query().Get("date")
	return handle(ctx, OperationTrend, nil, func(c context.Context, _ any) (any, error) {
		return s.uc.Trend(c, market, date)
	})
}

func (s *RadarService) history(ctx http.Context) error {
	market := ctx.Vars().Get("market")
	days, err := intQuery(ctx.Query(), "days")
	if err != nil {
		return err
	}
	return handle(ctx, OperationHistory, nil, func(c context.Context, _ any) (any, error) {
		return s.uc.History(c, market, days)
	})
}

func (s *RadarService) summary(ctx http.Context) error {
	market := ctx.Vars().Get("market")
	days, err := intQuery(ctx.Query(), "days")
	if err != nil {
		return err
	}
	return handle(ctx, OperationSummary, nil, func(c context.Context, _ any) (any, error) {
		return s.uc.Summary(c, market, days)
	})
}

func (s *RadarService) markets(ctx http.Context) error {
	days, err := intQuery(ctx.Query(), "days")
	if err != nil {
		return err
	}
	return handle(ctx, OperationMarkets, nil, func(c context.Context, _ any) (any, error) {
		return s.uc.Markets(c, days)
	})
}

func (s *RadarService) articles(ctx http.Context) error {
	q := ctx.Query()
	in := domain.ArticleQuery{
		Source:         q.Get("source"),
		Market:         q.Get("market"),
		NeedsReprocess: q.Get("needs_reprocess") == "true",
	}
	var err error
	if in.Days, err = intQuery(q, "days"); err != nil {
		return err
	}
	if in.Limit, err = intQuery(q, "limit"); err != nil {
		return err
	}
	return handle(ctx, OperationArticles, &in, func(c context.Context, req any) (any, error) {
		return s.uc.Articles(c, req.(*domain.ArticleQuery))
	})
}

func (s *RadarService) alerts(ctx http.Context) error {
	return handle(ctx, OperationAlerts, nil, func(c context.Context, _ any) (any, error) {
		return s.uc.Alerts(c)
	})
}

func (s *RadarService) acknowledge(ctx http.Context) error {
	id := ctx.Vars().Get("id")
	return handle(ctx, OperationAcknowledge, nil, func(c context.Context, _ any) (any, error) {
		return s.uc.Acknowledge(c, id)
	})
}

func (s *RadarService) stats(ctx http.Context) error {
	return handle(ctx, OperationStats, nil, func(c context.Context, _ any) (any, error) {
		return s.uc.Stats(c)
	})
}

func (s *RadarService) health(ctx http.Context) error {
	return handle(ctx, OperationHealth, nil, func(c context.Context, _ any) (any, error) {
		return s.uc.Health(c), nil
	})
}

func intQuery(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.BadRequest("INVALID_ARGUMENT", key+" must be an integer")
	}
	return n, nil
}
