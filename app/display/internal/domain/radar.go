package domain

import (
	"time"

	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

// IngestRequest 手动导入请求
type IngestRequest struct {
	URLs []string `json:"urls" validate:"required,min=1,max=20,dive,required,http_url"`
}

// QueryRequest 问答请求
type QueryRequest struct {
	Question string `json:"question" validate:"required,min=5,max=500"`
}

// ArticleQuery 文章列表查询条件
type ArticleQuery struct {
	Source         string `validate:"omitempty,max=100"`
	Market         string `validate:"omitempty,max=100"`
	Days           int    `validate:"gte=0,lte=365"`
	NeedsReprocess bool
	Limit          int `validate:"gte=0,lte=100"`
}

// TriggerReply 手动触发抓取的结果
type TriggerReply struct {
	Status string `json:"status"`
}

// MarketHistory 市场历史趋势
type MarketHistory struct {
	Market string          `json:"market"`
	From   time.Time       `json:"from"`
	To     time.Time       `json:"to"`
	Points []dm.TrendPoint `json:"points"`
}

// ListReply 通用列表返回
type ListReply[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
