package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/fingerprint"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

const maxListLimit = 100

// IsKnown 指纹是否已入库
func (s *Storage) IsKnown(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&articleRow{}).Where("fingerprint = ?", fp.String()).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return n > 0, nil
}

// KnownURL URL 规范化后是否已入库
func (s *Storage) KnownURL(ctx context.Context, rawURL string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&articleRow{}).Where("url = ?", fingerprint.CanonicalURL(rawURL)).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check url: %w", err)
	}
	return n > 0, nil
}

// InsertArticle 在一个事务内查重并写入文章及其情绪记录。
// 指纹或规范 URL 已存在时返回 dm.ErrDuplicateArticle；不在库中的市场被忽略
func (s *Storage) InsertArticle(ctx context.Context, a *dm.Article, sentiments []dm.MarketSentiment) ([]dm.SentimentRecord, error) {
	row := articleRow{
		Fingerprint:    a.Fingerprint,
		Source:         a.Source,
		URL:            fingerprint.CanonicalURL(a.URL),
		Title:          a.Title,
		Body:           a.Body,
		PublishedAt:    a.PublishedAt.UTC(),
		IngestedAt:     a.IngestedAt.UTC(),
		NeedsReprocess: a.NeedsReprocess,
	}
	if row.IngestedAt.IsZero() {
		row.IngestedAt = time.Now().UTC()
	}
	if row.PublishedAt.IsZero() {
		row.PublishedAt = row.IngestedAt
	}

	var records []dm.SentimentRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&articleRow{}).
			Where("fingerprint = ? OR url = ?", row.Fingerprint, row.URL).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return dm.ErrDuplicateArticle
		}
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return dm.ErrDuplicateArticle
			}
			return err
		}

		var err error
		records, err = s.insertSentiments(tx, row, sentiments)
		return err
	})
	if err != nil {
		if errors.Is(err, dm.ErrDuplicateArticle) {
			return nil, dm.ErrDuplicateArticle
		}
		return nil, &dm.PersistenceError{Op: "insert article", Err: err}
	}

	a.ID = row.ID
	a.URL = row.URL
	a.PublishedAt = row.PublishedAt
	a.IngestedAt = row.IngestedAt
	return records, nil
}

// AddSentiments 为已有文章补写情绪记录，已存在的 (文章, 市场) 组合会被跳过
func (s *Storage) AddSentiments(ctx context.Context, articleID uint, sentiments []dm.MarketSentiment) ([]dm.SentimentRecord, error) {
	var records []dm.SentimentRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row articleRow
		if err := tx.First(&row, articleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return dm.ErrNotFound
			}
			return err
		}
		var err error
		records, err = s.insertSentiments(tx, row, sentiments)
		return err
	})
	if err != nil {
		if errors.Is(err, dm.ErrNotFound) {
			return nil, err
		}
		return nil, &dm.PersistenceError{Op: "add sentiments", Err: err}
	}
	return records, nil
}

func (s *Storage) insertSentiments(tx *gorm.DB, article articleRow, sentiments []dm.MarketSentiment) ([]dm.SentimentRecord, error) {
	now := time.Now().UTC()
	records := make([]dm.SentimentRecord, 0, len(sentiments))
	for _, ms := range sentiments {
		m, ok := s.marketByName(ms.Market)
		if !ok {
			continue
		}
		row := sentimentRow{
			ArticleID:   article.ID,
			MarketID:    m.ID,
			Label:       string(ms.Label),
			Score:       ms.Score,
			Confidence:  ms.Confidence,
			Rationale:   ms.Rationale,
			Topics:      Topics(ms.Topics),
			PublishedAt: article.PublishedAt,
			ExtractedAt: now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&row)
		if res.Error != nil {
			return nil, fmt.Errorf("insert sentiment %s: %w", ms.Market, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		records = append(records, toSentimentRecord(row, m.Name))
	}
	return records, nil
}

// MarkReprocessed 补抽成功后清除标记
func (s *Storage) MarkReprocessed(ctx context.Context, articleID uint, at time.Time) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&articleRow{}).
		Where("id = ?", articleID).
		Updates(map[string]any{"needs_reprocess": false, "reprocessed_at": &at})
	if res.Error != nil {
		return &dm.PersistenceError{Op: "mark reprocessed", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return dm.ErrNotFound
	}
	return nil
}

// PendingReprocess 等待补抽情绪的文章，最早入库的优先
func (s *Storage) PendingReprocess(ctx context.Context, limit int) ([]dm.Article, error) {
	var rows []articleRow
	err := s.db.WithContext(ctx).
		Where("needs_reprocess = ?", true).
		Order("ingested_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query pending articles: %w", err)
	}
	out := make([]dm.Article, 0, len(rows))
	for _, r := range rows {
		out = append(out, toArticle(r))
	}
	return out, nil
}

// GetArticle 按 ID 查询
func (s *Storage) GetArticle(ctx context.Context, id uint) (*dm.Article, error) {
	var row articleRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dm.ErrNotFound
		}
		return nil, fmt.Errorf("get article: %w", err)
	}
	a := toArticle(row)
	return &a, nil
}

// ListArticles 按发布时间倒序，Limit 最大 100
func (s *Storage) ListArticles(ctx context.Context, f dm.ArticleFilter) ([]dm.ArticleSummary, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	q := s.db.WithContext(ctx).Model(&articleRow{})
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if !f.Since.IsZero() {
		q = q.Where("published_at >= ?", f.Since.UTC())
	}
	if f.NeedsReprocess {
		q = q.Where("needs_reprocess = ?", true)
	}
	if f.Market != "" {
		m, ok := s.marketByName(f.Market)
		if !ok {
			return []dm.ArticleSummary{}, nil
		}
		sub := s.db.Model(&sentimentRow{}).Select("article_id").Where("market_id = ?", m.ID)
		q = q.Where("id IN (?)", sub)
	}

	var rows []articleRow
	if err := q.Omit("body").Order("published_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	out := make([]dm.ArticleSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, dm.ArticleSummary{
			ID:             r.ID,
			Title:          r.Title,
			URL:            r.URL,
			Source:         r.Source,
			PublishedAt:    r.PublishedAt,
			IngestedAt:     r.IngestedAt,
			NeedsReprocess: r.NeedsReprocess,
		})
	}
	return out, nil
}

// EachArticle 分批遍历全部文章，用于重建向量索引
func (s *Storage) EachArticle(ctx context.Context, batch int, fn func(dm.Article) error) error {
	if batch <= 0 {
		batch = 100
	}
	var rows []articleRow
	var fnErr error
	res := s.db.WithContext(ctx).FindInBatches(&rows, batch, func(_ *gorm.DB, _ int) error {
		for _, r := range rows {
			if err := fn(toArticle(r)); err != nil {
				fnErr = err
				return err
			}
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	return res.Error
}

func toArticle(r articleRow) dm.Article {
	return dm.Article{
		ID:             r.ID,
		Fingerprint:    r.Fingerprint,
		Source:         r.Source,
		URL:            r.URL,
		Title:          r.Title,
		Body:           r.Body,
		PublishedAt:    r.PublishedAt,
		IngestedAt:     r.IngestedAt,
		NeedsReprocess: r.NeedsReprocess,
		ReprocessedAt:  r.ReprocessedAt,
	}
}
