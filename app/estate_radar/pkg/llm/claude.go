package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
)

// ClaudeModel 把 Anthropic Messages API 适配为 eino BaseChatModel
type ClaudeModel struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float32
}

var _ model.BaseChatModel = (*ClaudeModel)(nil)

// NewClaudeModel 创建 Claude 模型
func NewClaudeModel(cfg config.LLMConfig) *ClaudeModel {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ClaudeModel{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

// Generate 实现 model.BaseChatModel
func (m *ClaudeModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	maxTokens := m.maxTokens
	temperature := m.temperature
	common := model.GetCommonOptions(&model.Options{MaxTokens: &maxTokens, Temperature: &temperature}, opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: int64(*common.MaxTokens),
	}
	if common.Temperature != nil && *common.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(*common.Temperature))
	}

	var system []string
	for _, msg := range input {
		switch msg.Role {
		case schema.System:
			system = append(system, msg.Content)
		case schema.Assistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude api call failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("no text content in claude response")
	}
	return schema.AssistantMessage(sb.String(), nil), nil
}

// Stream 不支持流式输出
func (m *ClaudeModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("claude adapter does not support streaming")
}
