package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// Topics 话题列表：postgres 用 text[]，sqlite 用 JSON 文本
type Topics []string

// GormDataType 实现 schema.GormDataTypeInterface
func (Topics) GormDataType() string { return "topics" }

// GormDBDataType 按方言选择列类型
func (Topics) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "text[]"
	}
	return "text"
}

// GormValue 按方言编码
func (t Topics) GormValue(_ context.Context, db *gorm.DB) clause.Expr {
	if db.Dialector.Name() == "postgres" {
		v, _ := pq.StringArray(t).Value()
		return clause.Expr{SQL: "?", Vars: []any{v}}
	}
	v, _ := t.Value()
	return clause.Expr{SQL: "?", Vars: []any{v}}
}

// Value 默认编码为 JSON 文本
func (t Topics) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 同时兼容 JSON 文本和 postgres 数组字面量
func (t *Topics) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("unsupported topics type %T", src)
	}

	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return err
		}
		*t = out
		return nil
	}
	var arr pq.StringArray
	if err := arr.Scan([]byte(s)); err != nil {
		return err
	}
	*t = Topics(arr)
	return nil
}

type marketRow struct {
	ID     uint   `gorm:"primaryKey"`
	Name   string `gorm:"size:100;not null;uniqueIndex"`
	Region string `gorm:"size:50;not null"`
}

func (marketRow) TableName() string { return "markets" }

type articleRow struct {
	ID             uint       `gorm:"primaryKey"`
	Fingerprint    string     `gorm:"size:64;not null;uniqueIndex"`
	Source         string     `gorm:"size:100;index"`
	URL            string     `gorm:"column:url;size:2048;not null;uniqueIndex"` // 规范化后的 URL
	Title          string     `gorm:"size:500"`
	Body           string     `gorm:"type:text"`
	PublishedAt    time.Time  `gorm:"not null;index"`
	IngestedAt     time.Time  `gorm:"not null"`
	NeedsReprocess bool       `gorm:"not null;default:false;index"`
	ReprocessedAt  *time.Time `gorm:"default:null"`
}

func (articleRow) TableName() string { return "articles" }

type sentimentRow struct {
	ID          uint    `gorm:"primaryKey"`
	ArticleID   uint    `gorm:"not null;uniqueIndex:idx_article_market,priority:1"`
	MarketID    uint    `gorm:"not null;uniqueIndex:idx_article_market,priority:2;index:idx_market_published,priority:1"`
	Label       string  `gorm:"size:10;not null"`
	Score       float64 `gorm:"not null"`
	Confidence  float64 `gorm:"not null"`
	Rationale   string  `gorm:"type:text"`
	Topics      Topics
	PublishedAt time.Time `gorm:"not null;index:idx_market_published,priority:2"` // 冗余文章发布时间，趋势查询不用 join
	ExtractedAt time.Time `gorm:"not null"`

	Article articleRow `gorm:"foreignKey:ArticleID;constraint:OnDelete:CASCADE"`
	Market  marketRow  `gorm:"foreignKey:MarketID"`
}

func (sentimentRow) TableName() string { return "sentiment_records" }

type alertRow struct {
	ID             string     `gorm:"size:36;primaryKey"`
	MarketID       uint       `gorm:"not null;index"`
	WindowStart    time.Time  `gorm:"not null"`
	WindowEnd      time.Time  `gorm:"not null"`
	Baseline       float64    `gorm:"not null"`
	Observed       float64    `gorm:"not null"`
	Deviation      float64    `gorm:"not null"`
	Severity       string     `gorm:"size:10;not null"`
	Message        string     `gorm:"size:500"`
	Status         string     `gorm:"size:20;not null;index:idx_alert_status_created,priority:1"`
	ArticleID      *uint      `gorm:"default:null"`
	CreatedAt      time.Time  `gorm:"index:idx_alert_status_created,priority:2"`
	AcknowledgedAt *time.Time `gorm:"default:null"`

	Market marketRow `gorm:"foreignKey:MarketID"`
}

func (alertRow) TableName() string { return "alerts" }

func (a *alertRow) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}
