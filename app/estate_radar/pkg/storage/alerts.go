package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

const maxActiveAlerts = 50

// CreateAlertIfNoActive 同一市场存在时间窗口重叠的活跃告警时不再创建，返回 created=false。
// 并发调用之间是原子的
func (s *Storage) CreateAlertIfNoActive(ctx context.Context, a *dm.Alert) (created bool, err error) {
	m, ok := s.marketByName(a.Market)
	if !ok {
		return false, fmt.Errorf("unknown market %q", a.Market)
	}

	row := alertRow{
		ID:          a.ID,
		MarketID:    m.ID,
		WindowStart: a.Window.Start.UTC(),
		WindowEnd:   a.Window.End.UTC(),
		Baseline:    a.Baseline,
		Observed:    a.Observed,
		Deviation:   a.Deviation,
		Severity:    a.Severity,
		Message:     a.Message,
		Status:      string(dm.AlertActive),
		ArticleID:   a.ArticleID,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// postgres 先锁住市场行，同一市场的查重和写入串行执行；sqlite 只有一个连接
		if tx.Dialector.Name() == "postgres" {
			var locked marketRow
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ?", m.ID).
				Take(&locked).Error; err != nil {
				return err
			}
		}
		var n int64
		if err := tx.Model(&alertRow{}).
			Where("market_id = ? AND status = ?", m.ID, string(dm.AlertActive)).
			Where("window_start < ? AND window_end > ?", row.WindowEnd, row.WindowStart).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if err := tx.Omit(clause.Associations).Create(&row).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, &dm.PersistenceError{Op: "create alert", Err: err}
	}
	if created {
		*a = toAlert(row, m.Name)
	}
	return created, nil
}

// ListActiveAlerts 最新的活跃告警，最多 50 条
func (s *Storage) ListActiveAlerts(ctx context.Context) ([]dm.Alert, error) {
	var rows []alertRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(dm.AlertActive)).
		Order("created_at DESC").
		Limit(maxActiveAlerts).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	out := make([]dm.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, toAlert(r, s.marketName(r.MarketID)))
	}
	return out, nil
}

// AcknowledgeAlert active → acknowledged，重复确认直接返回原记录，时间戳不变
func (s *Storage) AcknowledgeAlert(ctx context.Context, id string, at time.Time) (*dm.Alert, error) {
	var row alertRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return dm.ErrNotFound
			}
			return err
		}
		if row.Status == string(dm.AlertAcknowledged) {
			return nil
		}
		ackAt := at.UTC()
		row.Status = string(dm.AlertAcknowledged)
		row.AcknowledgedAt = &ackAt
		return tx.Model(&alertRow{}).
			Where("id = ? AND status = ?", id, string(dm.AlertActive)).
			Updates(map[string]any{"status": row.Status, "acknowledged_at": ackAt}).Error
	})
	if err != nil {
		if errors.Is(err, dm.ErrNotFound) {
			return nil, dm.ErrNotFound
		}
		return nil, &dm.PersistenceError{Op: "acknowledge alert", Err: err}
	}
	a := toAlert(row, s.marketName(row.MarketID))
	return &a, nil
}

func toAlert(r alertRow, market string) dm.Alert {
	a := dm.Alert{
		ID:        r.ID,
		Market:    market,
		Window:    dm.Window{Start: r.WindowStart.UTC(), End: r.WindowEnd.UTC()},
		Baseline:  r.Baseline,
		Observed:  r.Observed,
		Deviation: r.Deviation,
		Severity:  r.Severity,
		Message:   r.Message,
		Status:    dm.AlertStatus(r.Status),
		ArticleID: r.ArticleID,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.AcknowledgedAt != nil {
		t := r.AcknowledgedAt.UTC()
		a.AcknowledgedAt = &t
	}
	return a
}
