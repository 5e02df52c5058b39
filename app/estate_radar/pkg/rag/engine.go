// Package rag 基于向量检索结果回答问题，答案只能来自检索到的文章片段。
package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/retry"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/vectorindex"
)

// InsufficientData 索引为空时的固定回答
const InsufficientData = "No relevant articles found. Try ingesting some news first."

const systemPrompt = "You are a real estate market analyst. Answer questions using ONLY the provided article excerpts. " +
	"Be specific and cite which articles support your answer. If the context doesn't contain relevant information, say so."

// Retriever 相似片段检索
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]vectorindex.Hit, error)
}

// Options 问答参数
type Options struct {
	TopK        int
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Engine 检索增强问答
type Engine struct {
	chat      model.BaseChatModel
	retriever Retriever
	policy    retry.Policy
	limiter   *rate.Limiter
	opts      Options
}

// New limiter 为 nil 时不限流
func New(chat model.BaseChatModel, retriever Retriever, policy retry.Policy, limiter *rate.Limiter, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Temperature <= 0 {
		opts.Temperature = 0.2
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 600
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Engine{chat: chat, retriever: retriever, policy: policy, limiter: limiter, opts: opts}
}

// Answer 回答问题并给出引用的文章。
// 检索不到任何片段时直接返回 InsufficientData，不调用模型；其它失败返回 *dm.QueryError
func (e *Engine) Answer(ctx context.Context, question string) (*dm.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &dm.QueryError{Reason: "empty question"}
	}

	hits, err := e.retriever.Search(ctx, question, e.opts.TopK)
	if err != nil {
		return nil, &dm.QueryError{Reason: "retrieval failed", Err: err}
	}
	if len(hits) == 0 {
		logger.Log.Infof("问答检索结果为空: %q", question)
		return &dm.Answer{Text: InsufficientData, CitedArticleIDs: []uint{}, Sources: []dm.Source{}, Insufficient: true}, nil
	}

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(buildPrompt(hits, question)),
	}
	text, err := retry.DoValue(ctx, e.policy, "rag answer", func(ctx context.Context) (string, error) {
		return e.generate(ctx, messages)
	})
	if err != nil {
		return nil, &dm.QueryError{
			Reason: "model call failed",
			Err:    &dm.ModelCallError{Op: "answer", RateLimited: retry.IsRateLimitError(err), Err: err},
		}
	}

	ans := &dm.Answer{Text: text}
	seen := make(map[uint]bool)
	for _, h := range hits {
		if seen[h.ArticleID] {
			continue
		}
		seen[h.ArticleID] = true
		ans.CitedArticleIDs = append(ans.CitedArticleIDs, h.ArticleID)
		ans.Sources = append(ans.Sources, dm.Source{
			ArticleID: h.ArticleID,
			Title:     h.Title,
			URL:       h.URL,
			Relevance: h.Relevance,
		})
	}
	logger.Log.Infof("问答完成，引用 %d 篇文章", len(ans.CitedArticleIDs))
	return ans, nil
}

func (e *Engine) generate(ctx context.Context, messages []*schema.Message) (string, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	resp, err := e.chat.Generate(callCtx, messages,
		model.WithTemperature(e.opts.Temperature),
		model.WithMaxTokens(e.opts.MaxTokens),
	)
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty response from language model")
	}
	return strings.TrimSpace(resp.Content), nil
}

func buildPrompt(hits []vectorindex.Hit, question string) string {
	var sb strings.Builder
	sb.WriteString("Articles:\n")
	for i, h := range hits {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] (relevance: %.3f)\n%s", h.Title, h.Relevance, h.Text)
	}
	fmt.Fprintf(&sb, "\n\nQuestion: %s", question)
	return sb.String()
}
