package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"
	"google.golang.org/genai"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
)

// GeminiEmbedder 使用 Gemini embedding 接口实现 eino Embedder
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int32
}

var _ embedding.Embedder = (*GeminiEmbedder)(nil)

// NewGeminiEmbedder 创建 Gemini 向量化模型
func NewGeminiEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is missing")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: cfg.Model, dimension: int32(cfg.Dimension)}, nil
}

// EmbedStrings 批量向量化，返回顺序与输入一致
func (e *GeminiEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}

	var cfg *genai.EmbedContentConfig
	if e.dimension > 0 {
		dim := e.dimension
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: want %d", len(texts))
	}

	out := make([][]float64, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vec := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}
