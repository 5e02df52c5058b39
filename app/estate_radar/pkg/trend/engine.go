// Package trend 在已入库的情绪记录上做聚合与异常检测，不持有任何状态。
package trend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

const (
	defaultSummaryDays = 30
	maxSummaryDays     = 365
	pointTopics        = 3
	summaryTopics      = 5
	highSeverityZ      = 3.0
)

// Store 趋势计算需要的存储能力
type Store interface {
	Markets(ctx context.Context) ([]dm.Market, error)
	SentimentRecords(ctx context.Context, market string, from, to time.Time) ([]dm.SentimentRecord, error)
	LatestSentimentTime(ctx context.Context, market string) (time.Time, bool, error)
	CreateAlertIfNoActive(ctx context.Context, a *dm.Alert) (bool, error)
}

// Engine 趋势与异常检测
type Engine struct {
	store Store
	cfg   config.TrendConfig
	now   func() time.Time

	// 检测与落库整体串行，保证同一市场的查重和写入之间没有并发写入
	raising sync.Mutex
}

// Option 引擎选项
type Option func(*Engine)

// WithClock 替换当前时间（测试用）
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New 创建趋势引擎，未设置的参数取默认值
func New(store Store, cfg config.TrendConfig, opts ...Option) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.BaselineWindows <= 0 {
		cfg.BaselineWindows = 14
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = 2.0
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.StdDevFloor <= 0 {
		cfg.StdDevFloor = 0.1
	}
	if cfg.NeutralBand <= 0 {
		cfg.NeutralBand = 0.15
	}
	e := &Engine{store: store, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// WindowAt 返回包含 t 的窗口（UTC 对齐）
func (e *Engine) WindowAt(t time.Time) dm.Window {
	start := t.UTC().Truncate(e.cfg.Window)
	return dm.Window{Start: start, End: start.Add(e.cfg.Window)}
}

// ComputeTrend 窗口内的聚合情绪，分数取算术平均，不按置信度加权
func (e *Engine) ComputeTrend(ctx context.Context, market string, w dm.Window) (*dm.TrendPoint, error) {
	if _, err := e.lookup(ctx, market); err != nil {
		return nil, err
	}
	records, err := e.store.SentimentRecords(ctx, market, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	p := e.aggregate(market, w, records, pointTopics)
	return &p, nil
}

// History [from, to) 内按窗口切分的趋势点，只返回有记录的窗口，按时间升序
func (e *Engine) History(ctx context.Context, market string, from, to time.Time) ([]dm.TrendPoint, error) {
	if _, err := e.lookup(ctx, market); err != nil {
		return nil, err
	}
	if !to.After(from) {
		return nil, fmt.Errorf("invalid range: %s >= %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	records, err := e.store.SentimentRecords(ctx, market, from, to)
	if err != nil {
		return nil, err
	}

	var (
		points []dm.TrendPoint
		bucket []dm.SentimentRecord
		cur    dm.Window
	)
	for _, r := range records {
		w := e.WindowAt(r.PublishedAt)
		if len(bucket) > 0 && !w.Start.Equal(cur.Start) {
			points = append(points, e.aggregate(market, cur, bucket, pointTopics))
			bucket = bucket[:0]
		}
		cur = w
		bucket = append(bucket, r)
	}
	if len(bucket) > 0 {
		points = append(points, e.aggregate(market, cur, bucket, pointTopics))
	}
	return points, nil
}

// Summary 市场最近 days 天的概况以及与前一个同长周期的对比
func (e *Engine) Summary(ctx context.Context, market string, days int) (*dm.MarketTrend, error) {
	m, err := e.lookup(ctx, market)
	if err != nil {
		return nil, err
	}
	days = clampDays(days)
	now := e.now().UTC()
	span := time.Duration(days) * 24 * time.Hour
	cutoff := now.Add(-span)

	current, err := e.store.SentimentRecords(ctx, m.Name, cutoff, time.Time{})
	if err != nil {
		return nil, err
	}
	previous, err := e.store.SentimentRecords(ctx, m.Name, cutoff.Add(-span), cutoff)
	if err != nil {
		return nil, err
	}

	avg, conf := means(current)
	prev, _ := means(previous)
	return &dm.MarketTrend{
		Market:        m.Name,
		Region:        m.Region,
		Days:          days,
		AvgScore:      round(avg, 3),
		Change:        round(avg-prev, 3),
		AvgConfidence: round(conf, 2),
		ArticleCount:  len(current),
		TopTopics:     topTopics(current, summaryTopics),
	}, nil
}

// AllMarkets 所有有记录的市场概况，按平均分降序
func (e *Engine) AllMarkets(ctx context.Context, days int) ([]dm.MarketTrend, error) {
	markets, err := e.store.Markets(ctx)
	if err != nil {
		return nil, err
	}
	days = clampDays(days)
	cutoff := e.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	records, err := e.store.SentimentRecords(ctx, "", cutoff, time.Time{})
	if err != nil {
		return nil, err
	}
	byMarket := make(map[string][]dm.SentimentRecord)
	for _, r := range records {
		byMarket[r.Market] = append(byMarket[r.Market], r)
	}

	out := make([]dm.MarketTrend, 0, len(byMarket))
	for _, m := range markets {
		rs := byMarket[m.Name]
		if len(rs) == 0 {
			continue
		}
		avg, conf := means(rs)
		out = append(out, dm.MarketTrend{
			Market:        m.Name,
			Region:        m.Region,
			Days:          days,
			AvgScore:      round(avg, 3),
			AvgConfidence: round(conf, 2),
			ArticleCount:  len(rs),
			TopTopics:     topTopics(rs, summaryTopics),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AvgScore != out[j].AvgScore {
			return out[i].AvgScore > out[j].AvgScore
		}
		return out[i].Market < out[j].Market
	})
	return out, nil
}

// DetectAnomalies 用最新窗口的均值对比前 BaselineWindows 个窗口的均值和标准差。
// 基线样本不足 MinSamples 时不做统计判断
func (e *Engine) DetectAnomalies(ctx context.Context, market string) ([]dm.Alert, error) {
	if _, err := e.lookup(ctx, market); err != nil {
		return nil, err
	}
	latest, ok, err := e.store.LatestSentimentTime(ctx, market)
	if err != nil || !ok {
		return nil, err
	}

	w := e.WindowAt(latest)
	baseFrom := w.Start.Add(-time.Duration(e.cfg.BaselineWindows) * e.cfg.Window)
	records, err := e.store.SentimentRecords(ctx, market, baseFrom, w.End)
	if err != nil {
		return nil, err
	}

	var baseline, observed []dm.SentimentRecord
	for _, r := range records {
		if w.Contains(r.PublishedAt) {
			observed = append(observed, r)
		} else {
			baseline = append(baseline, r)
		}
	}
	if len(observed) == 0 || len(baseline) < e.cfg.MinSamples {
		return nil, nil
	}

	mean, stddev := meanStdDev(baseline)
	stddev = math.Max(stddev, e.cfg.StdDevFloor)
	obs, _ := means(observed)
	z := (obs - mean) / stddev
	if math.Abs(z) <= e.cfg.ZThreshold {
		return nil, nil
	}

	severity := "medium"
	if math.Abs(z) >= highSeverityZ {
		severity = "high"
	}
	trigger := observed[len(observed)-1].ArticleID
	return []dm.Alert{{
		Market:    market,
		Window:    w,
		Baseline:  round(mean, 4),
		Observed:  round(obs, 4),
		Deviation: round(z, 4),
		Severity:  severity,
		Message:   "Unusual sentiment shift detected in " + market,
		Status:    dm.AlertActive,
		ArticleID: &trigger,
	}}, nil
}

// RaiseAlerts 对每个市场做检测并落库，已有重叠的活跃告警时跳过。
// 单个市场失败不影响其它市场。并发调用按顺序执行
func (e *Engine) RaiseAlerts(ctx context.Context, markets []string) (int, error) {
	e.raising.Lock()
	defer e.raising.Unlock()

	var (
		raised int
		errs   []error
	)
	for _, name := range markets {
		candidates, err := e.DetectAnomalies(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("detect %s: %w", name, err))
			continue
		}
		for i := range candidates {
			a := candidates[i]
			created, err := e.store.CreateAlertIfNoActive(ctx, &a)
			if err != nil {
				errs = append(errs, fmt.Errorf("alert %s: %w", name, err))
				continue
			}
			if created {
				raised++
				logger.Log.WithField("market", name).
					WithField("z", a.Deviation).
					Warnf("新告警 [%s] %s", a.Severity, a.Message)
			} else {
				logger.Log.Debugf("%s 已有活跃告警，跳过", name)
			}
		}
	}
	return raised, errors.Join(errs...)
}

func (e *Engine) lookup(ctx context.Context, name string) (dm.Market, error) {
	markets, err := e.store.Markets(ctx)
	if err != nil {
		return dm.Market{}, err
	}
	for _, m := range markets {
		if m.Name == name {
			return m, nil
		}
	}
	return dm.Market{}, fmt.Errorf("market %q: %w", name, dm.ErrNotFound)
}

func (e *Engine) aggregate(market string, w dm.Window, records []dm.SentimentRecord, topics int) dm.TrendPoint {
	avg, conf := means(records)
	return dm.TrendPoint{
		Market:        market,
		Window:        w,
		AvgScore:      avg,
		AvgConfidence: conf,
		Count:         len(records),
		Label:         dm.LabelFor(avg, e.cfg.NeutralBand),
		TopTopics:     topTopics(records, topics),
	}
}

func means(records []dm.SentimentRecord) (score, confidence float64) {
	if len(records) == 0 {
		return 0, 0
	}
	for _, r := range records {
		score += r.Score
		confidence += r.Confidence
	}
	n := float64(len(records))
	return score / n, confidence / n
}

// 总体标准差
func meanStdDev(records []dm.SentimentRecord) (mean, stddev float64) {
	mean, _ = means(records)
	var sum float64
	for _, r := range records {
		d := r.Score - mean
		sum += d * d
	}
	return mean, math.Sqrt(sum / float64(len(records)))
}

func topTopics(records []dm.SentimentRecord, n int) []string {
	counts := make(map[string]int)
	for _, r := range records {
		for _, t := range r.Topics {
			counts[t]++
		}
	}
	topics := make([]string, 0, len(counts))
	for t := range counts {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > n {
		topics = topics[:n]
	}
	return topics
}

func clampDays(days int) int {
	switch {
	case days <= 0:
		return defaultSummaryDays
	case days > maxSummaryDays:
		return maxSummaryDays
	default:
		return days
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
