package vectorindex

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/llm/llmtest"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/retry"
)

func testPolicy() retry.Policy {
	p := retry.Default()
	p.MaxAttempts = 2
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func openTestIndex(t *testing.T, emb *llmtest.Embedder) *Index {
	t.Helper()
	ix, err := Open(t.TempDir(), emb, Chunker{Size: 500, Overlap: 100, MinLength: 50}, testPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func article(id uint, fp, body string) dm.Article {
	return dm.Article{ID: id, Fingerprint: fp, Title: "t" + fp, URL: "https://example.com/" + fp, Body: body}
}

func TestIndex_UpsertSearch(t *testing.T) {
	ix := openTestIndex(t, &llmtest.Embedder{Dim: 128})
	ctx := context.Background()

	hits, err := ix.Search(ctx, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	housing := strings.Repeat("Austin home prices fell as housing inventory rose across Texas suburbs. ", 3)
	rates := strings.Repeat("The Federal Reserve held interest rates steady and bond yields moved lower. ", 3)

	n, err := ix.Upsert(ctx, article(1, "fp-housing", housing))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = ix.Upsert(ctx, article(2, "fp-rates", rates))
	require.NoError(t, err)

	count, err := ix.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	hits, err = ix.Search(ctx, "Austin housing inventory prices", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint(1), hits[0].ArticleID)
	assert.GreaterOrEqual(t, hits[0].Relevance, 0.0)
	assert.LessOrEqual(t, hits[0].Relevance, 1.0)

	hits, err = ix.Search(ctx, "Austin housing", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.GreaterOrEqual(t, hits[0].Relevance, hits[1].Relevance)
}

func TestIndex_UpsertReplacesChunks(t *testing.T) {
	ix := openTestIndex(t, &llmtest.Embedder{})
	ctx := context.Background()

	long := strings.Repeat("Seattle rents rose sharply this spring as tech hiring returned. ", 20)
	n, err := ix.Upsert(ctx, article(1, "fp-seattle", long))
	require.NoError(t, err)
	require.Greater(t, n, 1)

	n, err = ix.Upsert(ctx, article(1, "fp-seattle", strings.Repeat("Seattle rents flat. ", 5)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := ix.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	require.NoError(t, ix.Reset())
	count, err = ix.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIndex_EmbedFailure(t *testing.T) {
	emb := &llmtest.Embedder{Err: errors.New("quota exceeded")}
	ix := openTestIndex(t, emb)

	_, err := ix.Upsert(context.Background(), article(1, "fp", strings.Repeat("Denver condo sales slowed. ", 5)))
	require.Error(t, err)
	var mce *dm.ModelCallError
	require.True(t, errors.As(err, &mce))
	assert.True(t, mce.RateLimited)
	assert.Equal(t, 2, emb.Calls())
}
