// Package sentiment 调用语言模型抽取文章中各市场的情绪。
package sentiment

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/fingerprint"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/llmcache"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/market"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/retry"
)

const systemPrompt = "You extract structured real estate market sentiment from news. Respond ONLY with valid JSON."

const promptTpl = `Extract real estate sentiment from this article.

RULES:
1. Only extract US cities/markets from this list: %s
2. If no specific US market is mentioned, use "National"
3. sentiment: -1.0 (very bearish) to +1.0 (very bullish)
4. confidence: 0.0 to 1.0 based on how clear the sentiment is
5. topics: at most 3 short topics, each under 50 characters
6. rationale: one sentence explaining the sentiment

Article:
%s

Respond ONLY with valid JSON:
{"extractions": [{"market": "CityName", "sentiment": 0.0, "confidence": 0.8, "rationale": "...", "topics": ["topic1"]}]}`

// Options 抽取参数
type Options struct {
	MaxContentLength int
	NeutralBand      float64
	Temperature      float32
	MaxTokens        int
}

// Extractor 带缓存的情绪抽取器，可并发使用
type Extractor struct {
	chat     model.BaseChatModel
	cache    *llmcache.Cache
	registry *market.Registry
	policy   retry.Policy
	limiter  *rate.Limiter
	opts     Options
}

// NewExtractor limiter 为 nil 时不限流
func NewExtractor(chat model.BaseChatModel, cache *llmcache.Cache, registry *market.Registry,
	policy retry.Policy, limiter *rate.Limiter, opts Options) *Extractor {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = 12000
	}
	if opts.NeutralBand <= 0 {
		opts.NeutralBand = 0.15
	}
	if opts.Temperature <= 0 {
		opts.Temperature = 0.1
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 800
	}
	return &Extractor{
		chat:     chat,
		cache:    cache,
		registry: registry,
		policy:   policy,
		limiter:  limiter,
		opts:     opts,
	}
}

// Extract 返回文章涉及的市场情绪。
// 相同的规范化正文最多触发一次模型调用；重试耗尽后返回 *dm.ExtractionError
func (e *Extractor) Extract(ctx context.Context, text string) ([]dm.MarketSentiment, error) {
	content := truncate(strings.TrimSpace(text), e.opts.MaxContentLength)
	if content == "" {
		return nil, &dm.ExtractionError{Stage: dm.StageSentiment, Err: fmt.Errorf("empty content")}
	}
	fp := fingerprint.OfText(content)

	payload, hit, err := e.cache.GetOrCompute(ctx, fp, func(ctx context.Context) (string, error) {
		return retry.DoValue(ctx, e.policy, "sentiment "+fp.Short(), func(ctx context.Context) (string, error) {
			return e.callModel(ctx, content)
		})
	})
	if err != nil {
		return nil, &dm.ExtractionError{
			Stage:  dm.StageSentiment,
			Target: fp.Short(),
			Err:    &dm.ModelCallError{Op: "sentiment", RateLimited: retry.IsRateLimitError(err), Err: err},
		}
	}

	// 缓存中只会有能解析的输出
	parsed, ok := Parse(payload, e.registry, e.opts.NeutralBand).(ParsedSentiment)
	if !ok {
		return nil, &dm.ExtractionError{Stage: dm.StageSentiment, Target: fp.Short(), Err: fmt.Errorf("cached payload unparsable")}
	}
	if len(parsed.Dropped) > 0 {
		logger.Log.Debugf("情绪抽取 %s 丢弃 %d 条: %s", fp.Short(), len(parsed.Dropped), strings.Join(parsed.Dropped, "; "))
	}
	logger.Log.WithField("cache_hit", hit).Debugf("情绪抽取 %s 得到 %d 个市场", fp.Short(), len(parsed.Sentiments))
	return parsed.Sentiments, nil
}

// callModel 调用一次模型，输出无法解析时返回错误以便重试
func (e *Extractor) callModel(ctx context.Context, content string) (string, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(fmt.Sprintf(promptTpl, strings.Join(e.registry.Names(), ", "), content)),
	}
	resp, err := e.chat.Generate(ctx, messages,
		model.WithTemperature(e.opts.Temperature),
		model.WithMaxTokens(e.opts.MaxTokens),
	)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fmt.Errorf("empty model response")
	}

	if failure, bad := Parse(resp.Content, e.registry, e.opts.NeutralBand).(ParseFailure); bad {
		logger.Log.Warnf("模型输出格式错误 (%d 字符): %v", utf8.RuneCountInString(resp.Content), failure.Err)
		return "", failure
	}
	return resp.Content, nil
}
