package storage

import (
	"context"
	"fmt"
	"time"

	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

// SentimentRecords 发布时间落在 [from, to) 的情绪记录，按发布时间升序。
// market 为空时返回所有市场；未知市场返回空
func (s *Storage) SentimentRecords(ctx context.Context, market string, from, to time.Time) ([]dm.SentimentRecord, error) {
	q := s.db.WithContext(ctx).Model(&sentimentRow{})
	if market != "" {
		m, ok := s.marketByName(market)
		if !ok {
			return []dm.SentimentRecord{}, nil
		}
		q = q.Where("market_id = ?", m.ID)
	}
	if !from.IsZero() {
		q = q.Where("published_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("published_at < ?", to.UTC())
	}

	var rows []sentimentRow
	if err := q.Order("published_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query sentiment records: %w", err)
	}
	out := make([]dm.SentimentRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, toSentimentRecord(r, s.marketName(r.MarketID)))
	}
	return out, nil
}

// LatestSentimentTime 市场最新一条记录的发布时间，没有记录时 ok=false
func (s *Storage) LatestSentimentTime(ctx context.Context, market string) (t time.Time, ok bool, err error) {
	m, found := s.marketByName(market)
	if !found {
		return time.Time{}, false, nil
	}
	var row sentimentRow
	res := s.db.WithContext(ctx).
		Where("market_id = ?", m.ID).
		Order("published_at DESC").
		Limit(1).
		Find(&row)
	if res.Error != nil {
		return time.Time{}, false, fmt.Errorf("query latest sentiment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return time.Time{}, false, nil
	}
	return row.PublishedAt.UTC(), true, nil
}

func toSentimentRecord(r sentimentRow, market string) dm.SentimentRecord {
	return dm.SentimentRecord{
		ID:          r.ID,
		ArticleID:   r.ArticleID,
		MarketID:    r.MarketID,
		Market:      market,
		Label:       dm.Label(r.Label),
		Score:       r.Score,
		Confidence:  r.Confidence,
		Rationale:   r.Rationale,
		Topics:      []string(r.Topics),
		PublishedAt: r.PublishedAt.UTC(),
		ExtractedAt: r.ExtractedAt.UTC(),
	}
}
