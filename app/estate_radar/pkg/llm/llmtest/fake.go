// Package llmtest 提供测试用的模型替身。
package llmtest

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModel 记录调用次数的对话模型替身。
// Handler 非空时优先使用；否则按顺序返回 Responses，用完后重复最后一条
type ChatModel struct {
	Handler   func(ctx context.Context, input []*schema.Message) (string, error)
	Responses []string
	Err       error

	calls atomic.Int32
	mu    sync.Mutex
	last  []*schema.Message
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// Calls 已发生的 Generate 次数
func (m *ChatModel) Calls() int { return int(m.calls.Load()) }

// LastInput 最近一次调用的消息
func (m *ChatModel) LastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Generate 实现 model.BaseChatModel
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	n := int(m.calls.Add(1))
	m.mu.Lock()
	m.last = input
	m.mu.Unlock()

	if m.Handler != nil {
		out, err := m.Handler(ctx, input)
		if err != nil {
			return nil, err
		}
		return schema.AssistantMessage(out, nil), nil
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	idx := n - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return schema.AssistantMessage(m.Responses[idx], nil), nil
}

// Stream 不支持
func (m *ChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

// Embedder 词袋哈希向量，同样的词得到相近的向量
type Embedder struct {
	Dim int
	Err error

	calls atomic.Int32
}

var _ embedding.Embedder = (*Embedder)(nil)

// Calls 已发生的 EmbedStrings 次数
func (e *Embedder) Calls() int { return int(e.calls.Load()) }

// EmbedStrings 实现 embedding.Embedder
func (e *Embedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	e.calls.Add(1)
	if e.Err != nil {
		return nil, e.Err
	}
	dim := e.Dim
	if dim <= 0 {
		dim = 64
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec := make([]float64, dim)
		for _, w := range strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		}) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			vec[int(h.Sum32())%dim]++
		}
		var norm float64
		for _, v := range vec {
			norm += v * v
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for j := range vec {
				vec[j] /= norm
			}
		}
		out[i] = vec
	}
	return out, nil
}
