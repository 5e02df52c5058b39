package model

import "time"

// Label 情绪标签
type Label string

const (
	Bullish Label = "bullish"
	Bearish Label = "bearish"
	Neutral Label = "neutral"
)

// LabelFor 根据分数和中性区间推导标签
func LabelFor(score, neutralBand float64) Label {
	switch {
	case score > neutralBand:
		return Bullish
	case score < -neutralBand:
		return Bearish
	default:
		return Neutral
	}
}

// Market 市场（城市）
type Market struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

// RawArticle 抓取阶段得到的候选文章
type RawArticle struct {
	URL         string
	Title       string
	Source      string
	PublishedAt *time.Time
	Summary     string // feed 提供的摘要，正文提取失败时兜底
	Content     string // feed 或搜索接口直接给出的全文
}

// Article 已入库文章
type Article struct {
	ID             uint       `json:"id"`
	Fingerprint    string     `json:"fingerprint"`
	Source         string     `json:"source"`
	URL            string     `json:"url"`
	Title          string     `json:"title"`
	Body           string     `json:"-"`
	PublishedAt    time.Time  `json:"published_at"`
	IngestedAt     time.Time  `json:"ingested_at"`
	NeedsReprocess bool       `json:"needs_reprocess"`
	ReprocessedAt  *time.Time `json:"reprocessed_at,omitempty"`
}

// ArticleSummary 列表展示用的文章摘要
type ArticleSummary struct {
	ID             uint      `json:"id"`
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	Source         string    `json:"source"`
	PublishedAt    time.Time `json:"published_at"`
	IngestedAt     time.Time `json:"ingested_at"`
	NeedsReprocess bool      `json:"needs_reprocess"`
}

// ArticleFilter 文章查询条件
type ArticleFilter struct {
	Source         string
	Market         string
	Since          time.Time
	NeedsReprocess bool
	Limit          int
}

// MarketSentiment 单个市场的抽取结果（尚未入库）
type MarketSentiment struct {
	Market     string   `json:"market"`
	Label      Label    `json:"label"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Topics     []string `json:"topics"`
}

// SentimentRecord 文章 x 市场 的一条情绪记录
type SentimentRecord struct {
	ID          uint      `json:"id"`
	ArticleID   uint      `json:"article_id"`
	MarketID    uint      `json:"market_id"`
	Market      string    `json:"market"`
	Label       Label     `json:"label"`
	Score       float64   `json:"score"`
	Confidence  float64   `json:"confidence"`
	Rationale   string    `json:"rationale"`
	Topics      []string  `json:"topics"`
	PublishedAt time.Time `json:"published_at"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Window 左闭右开的时间窗口
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains 判断时间点是否落在窗口内
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps 判断两个窗口是否有交集
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// TrendPoint 市场在某个窗口内的聚合情绪
type TrendPoint struct {
	Market        string   `json:"market"`
	Window        Window   `json:"window"`
	AvgScore      float64  `json:"avg_score"`
	AvgConfidence float64  `json:"avg_confidence"`
	Count         int      `json:"count"`
	Label         Label    `json:"label"`
	TopTopics     []string `json:"top_topics,omitempty"`
}

// MarketTrend 市场近 N 天概况
type MarketTrend struct {
	Market        string   `json:"market"`
	Region        string   `json:"region"`
	Days          int      `json:"days"`
	AvgScore      float64  `json:"avg_sentiment"`
	Change        float64  `json:"sentiment_change"`
	AvgConfidence float64  `json:"confidence"`
	ArticleCount  int      `json:"article_count"`
	TopTopics     []string `json:"top_topics"`
}

// AlertStatus 告警状态
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
)

// Alert 异常告警
type Alert struct {
	ID             string      `json:"id"`
	Market         string      `json:"market"`
	Window         Window      `json:"window"`
	Baseline       float64     `json:"baseline"`
	Observed       float64     `json:"observed"`
	Deviation      float64     `json:"deviation"`
	Severity       string      `json:"severity"`
	Message        string      `json:"message"`
	Status         AlertStatus `json:"status"`
	ArticleID      *uint       `json:"article_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
}

// IngestionSummary 一次抓取流程的统计
type IngestionSummary struct {
	RunID               string    `json:"run_id"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
	Candidates          int       `json:"candidates"`
	ArticlesAdded       int       `json:"articles_added"`
	SentimentsExtracted int       `json:"sentiments_extracted"`
	AlertsRaised        int       `json:"alerts_raised"`
	Skipped             int       `json:"skipped"`
	Failed              int       `json:"failed"`
	Reprocessed         int       `json:"reprocessed"`
	Errors              []string  `json:"errors"`
}

// Source RAG 回答引用的来源
type Source struct {
	ArticleID uint    `json:"article_id"`
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Relevance float64 `json:"relevance"`
}

// Answer RAG 回答
type Answer struct {
	Text            string   `json:"answer"`
	CitedArticleIDs []uint   `json:"cited_article_ids"`
	Sources         []Source `json:"sources"`
	Insufficient    bool     `json:"insufficient"`
}

// Stats 系统计数
type Stats struct {
	Articles     int64 `json:"articles"`
	Markets      int64 `json:"markets"`
	Sentiments   int64 `json:"sentiments"`
	ActiveAlerts int64 `json:"alerts"`
	Chunks       int64 `json:"chunks"`
}
