package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateArticle 文章已存在，属于正常跳过
	ErrDuplicateArticle = errors.New("duplicate article")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrPassInProgress 已有抓取流程在运行
	ErrPassInProgress = errors.New("ingestion pass already in progress")
	// ErrStoreUnavailable 存储层不可用，整个流程失败
	ErrStoreUnavailable = errors.New("persistence store unavailable")
)

// FetchError 单个源抓取失败
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Source, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ExtractionStage 提取阶段
type ExtractionStage string

const (
	StageContent   ExtractionStage = "content"
	StageSentiment ExtractionStage = "sentiment"
)

// ExtractionError 正文或情绪提取失败，可降级
type ExtractionError struct {
	Stage  ExtractionStage
	Target string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s extraction failed for %s: %v", e.Stage, e.Target, e.Err)
}
func (e *ExtractionError) Unwrap() error { return e.Err }

// ModelCallError 模型调用失败（限流、超时、输出格式错误）
type ModelCallError struct {
	Op          string
	RateLimited bool
	Err         error
}

func (e *ModelCallError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("model call %s rate limited: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("model call %s: %v", e.Op, e.Err)
}
func (e *ModelCallError) Unwrap() error { return e.Err }

// QueryError 问答失败，返回给调用方渲染
type QueryError struct {
	Reason string
	Err    error
}

func (e *QueryError) Error() string {
	if e.Err == nil {
		return "query failed: " + e.Reason
	}
	return fmt.Sprintf("query failed: %s: %v", e.Reason, e.Err)
}
func (e *QueryError) Unwrap() error { return e.Err }

// PersistenceError 单次写入失败
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
