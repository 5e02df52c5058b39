// Package llm 按配置创建对话模型和向量化模型。
package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
)

// NewChatModel 根据 provider 创建对话模型
func NewChatModel(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is missing")
	}

	switch cfg.Provider {
	case "", "openai":
		temperature := cfg.Temperature
		maxTokens := cfg.MaxTokens
		cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("LLM 初始化失败: %w", err)
		}
		return cm, nil

	case "anthropic":
		return NewClaudeModel(cfg), nil

	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// NewEmbedder 根据 provider 创建向量化模型
func NewEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (embedding.Embedder, error) {
	switch cfg.Provider {
	case "", "gemini":
		return NewGeminiEmbedder(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
