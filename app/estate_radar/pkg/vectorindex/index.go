// Package vectorindex 把文章切片向量化后存入 badgerhold，提供相似度检索。
// 关系库是权威数据，索引可以随时从关系库重建。
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/timshannon/badgerhold/v4"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/retry"
)

const embedBatch = 32

// Chunk 一个已向量化的正文片段
type Chunk struct {
	ID          string
	Fingerprint string `badgerhold:"index"`
	ArticleID   uint
	Title       string
	URL         string
	Text        string
	Vector      []float64
}

// Hit 检索结果，Relevance 在 [0,1]
type Hit struct {
	Chunk
	Relevance float64
}

// Index 向量索引，可并发使用
type Index struct {
	store    *badgerhold.Store
	embedder embedding.Embedder
	chunker  Chunker
	policy   retry.Policy
}

// Open 打开（或创建）dir 下的索引
func Open(dir string, embedder embedding.Embedder, chunker Chunker, policy retry.Policy) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	return &Index{store: store, embedder: embedder, chunker: chunker, policy: policy}, nil
}

// Close 关闭底层存储
func (ix *Index) Close() error {
	if ix.store == nil {
		return nil
	}
	return ix.store.Close()
}

// Upsert 重新切分并写入文章的全部片段，返回片段数
func (ix *Index) Upsert(ctx context.Context, a dm.Article) (int, error) {
	texts := ix.chunker.Split(a.Body)

	var vectors [][]float64
	for i := 0; i < len(texts); i += embedBatch {
		batch := texts[i:min(i+embedBatch, len(texts))]
		out, err := retry.DoValue(ctx, ix.policy, "embed "+a.Fingerprint[:min(12, len(a.Fingerprint))], func(ctx context.Context) ([][]float64, error) {
			return ix.embedder.EmbedStrings(ctx, batch)
		})
		if err != nil {
			return 0, &dm.ModelCallError{Op: "embed", RateLimited: retry.IsRateLimitError(err), Err: err}
		}
		if len(out) != len(batch) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d texts", len(out), len(batch))
		}
		vectors = append(vectors, out...)
	}

	if err := ix.Delete(a.Fingerprint); err != nil {
		return 0, err
	}
	for i, text := range texts {
		c := Chunk{
			ID:          fmt.Sprintf("%s_%d", a.Fingerprint, i),
			Fingerprint: a.Fingerprint,
			ArticleID:   a.ID,
			Title:       a.Title,
			URL:         a.URL,
			Text:        text,
			Vector:      vectors[i],
		}
		if err := ix.store.Upsert(c.ID, c); err != nil {
			return i, fmt.Errorf("write chunk %s: %w", c.ID, err)
		}
	}
	logger.Log.Debugf("向量索引写入 %s: %d 个片段", a.URL, len(texts))
	return len(texts), nil
}

// Delete 删除某篇文章的全部片段
func (ix *Index) Delete(fp string) error {
	err := ix.store.DeleteMatching(&Chunk{}, badgerhold.Where("Fingerprint").Eq(fp).Index("Fingerprint"))
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// Reset 清空索引
func (ix *Index) Reset() error {
	err := ix.store.DeleteMatching(&Chunk{}, allChunks())
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("reset index: %w", err)
	}
	return nil
}

// Count 片段总数
func (ix *Index) Count() (int64, error) {
	n, err := ix.store.Count(&Chunk{}, allChunks())
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// Search 返回与 query 最相近的 k 个片段，空索引返回空切片
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	n, err := ix.Count()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	vecs, err := retry.DoValue(ctx, ix.policy, "embed query", func(ctx context.Context) ([][]float64, error) {
		return ix.embedder.EmbedStrings(ctx, []string{strings.TrimSpace(query)})
	})
	if err != nil {
		return nil, &dm.ModelCallError{Op: "embed", RateLimited: retry.IsRateLimitError(err), Err: err}
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vecs))
	}
	qv := vecs[0]

	hits := make([]Hit, 0, k+1)
	err = ix.store.ForEach(allChunks(), func(c *Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := (cosine(qv, c.Vector) + 1) / 2
		hits = append(hits, Hit{Chunk: *c, Relevance: math.Max(0, math.Min(1, rel))})
		if len(hits) > k {
			sort.SliceStable(hits, func(i, j int) bool { return hits[i].Relevance > hits[j].Relevance })
			hits = hits[:k]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan index: %w", err)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Relevance > hits[j].Relevance })
	return hits, nil
}

// allChunks 匹配全部片段
func allChunks() *badgerhold.Query {
	return badgerhold.Where("ID").Ne("")
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
