package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/fingerprint"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/market"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(config.DBConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.SeedMarkets(context.Background(), market.NewRegistry().All()))
	return s
}

func newArticle(url, body string, published time.Time) *dm.Article {
	return &dm.Article{
		Fingerprint: fingerprint.Of(url, body).String(),
		Source:      "Test",
		URL:         url,
		Title:       "title " + url,
		Body:        body,
		PublishedAt: published,
	}
}

func TestSeedMarkets_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SeedMarkets(ctx, market.NewRegistry().All()))

	markets, err := s.Markets(ctx)
	require.NoError(t, err)
	assert.Len(t, markets, len(market.NewRegistry().All()))
}

func TestInsertArticle_DedupByFingerprintAndURL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newArticle("https://example.com/a?utm_source=x", "Austin prices rise", day)
	records, err := s.InsertArticle(ctx, a, []dm.MarketSentiment{
		{Market: "Austin", Label: dm.Bullish, Score: 0.5, Confidence: 0.9, Topics: []string{"prices", "inventory"}},
		{Market: "Springfield", Label: dm.Bullish, Score: 0.5, Confidence: 0.9},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotZero(t, a.ID)
	assert.Equal(t, "Austin", records[0].Market)
	assert.Equal(t, []string{"prices", "inventory"}, records[0].Topics)

	known, err := s.IsKnown(ctx, fingerprint.Fingerprint(a.Fingerprint))
	require.NoError(t, err)
	assert.True(t, known)

	known, err = s.KnownURL(ctx, "https://www.example.com/a/")
	require.NoError(t, err)
	assert.True(t, known)

	_, err = s.InsertArticle(ctx, newArticle("https://example.com/a?utm_source=x", "Austin prices rise", day), nil)
	assert.ErrorIs(t, err, dm.ErrDuplicateArticle)

	// 同 URL 不同正文
	_, err = s.InsertArticle(ctx, newArticle("https://example.com/a", "edited body", day), nil)
	assert.ErrorIs(t, err, dm.ErrDuplicateArticle)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Articles)
	assert.EqualValues(t, 1, st.Sentiments)
}

func TestInsertArticle_ConcurrentSameFingerprint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted, dup := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.InsertArticle(ctx, newArticle("https://example.com/race", "same body", day), nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				inserted++
			case errors.Is(err, dm.ErrDuplicateArticle):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Equal(t, 7, dup)
}

func TestReprocessFlow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newArticle("https://example.com/pending", "Miami condo glut", day)
	a.NeedsReprocess = true
	records, err := s.InsertArticle(ctx, a, nil)
	require.NoError(t, err)
	assert.Empty(t, records)

	pending, err := s.PendingReprocess(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, "Miami condo glut", pending[0].Body)

	sentiments := []dm.MarketSentiment{{Market: "Miami", Label: dm.Bearish, Score: -0.5, Confidence: 0.7}}
	records, err = s.AddSentiments(ctx, a.ID, sentiments)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// 重复补写被忽略
	records, err = s.AddSentiments(ctx, a.ID, sentiments)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, s.MarkReprocessed(ctx, a.ID, day.Add(time.Hour)))
	pending, err = s.PendingReprocess(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := s.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReprocessedAt)
	assert.False(t, got.NeedsReprocess)

	_, err = s.AddSentiments(ctx, 9999, sentiments)
	assert.ErrorIs(t, err, dm.ErrNotFound)
}

func TestListArticlesAndSentimentRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := "Austin"
		if i%2 == 1 {
			m = "Denver"
		}
		a := newArticle(fmt.Sprintf("https://example.com/%d", i), fmt.Sprintf("body %d", i), day.Add(time.Duration(i)*24*time.Hour))
		_, err := s.InsertArticle(ctx, a, []dm.MarketSentiment{{Market: m, Label: dm.Neutral, Score: float64(i) / 10, Confidence: 0.5}})
		require.NoError(t, err)
	}

	all, err := s.ListArticles(ctx, dm.ArticleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.True(t, all[0].PublishedAt.After(all[4].PublishedAt))

	denver, err := s.ListArticles(ctx, dm.ArticleFilter{Market: "Denver"})
	require.NoError(t, err)
	assert.Len(t, denver, 2)

	limited, err := s.ListArticles(ctx, dm.ArticleFilter{Limit: 2, Since: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	records, err := s.SentimentRecords(ctx, "Austin", day, day.Add(4*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.InDelta(t, 0.0, records[0].Score, 1e-9)
	assert.InDelta(t, 0.2, records[1].Score, 1e-9)

	latest, ok, err := s.LatestSentimentTime(ctx, "Austin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, latest.Equal(day.Add(4*24*time.Hour)))

	_, ok, err = s.LatestSentimentTime(ctx, "Boston")
	require.NoError(t, err)
	assert.False(t, ok)

	var visited int
	require.NoError(t, s.EachArticle(ctx, 2, func(a dm.Article) error {
		visited++
		assert.NotEmpty(t, a.Body)
		return nil
	}))
	assert.Equal(t, 5, visited)
}

func TestAlerts_DedupAndAcknowledge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := dm.Window{Start: day, End: day.Add(24 * time.Hour)}
	first := &dm.Alert{Market: "Austin", Window: w, Baseline: 0.1, Observed: -0.6, Deviation: -3.5, Severity: "high"}
	created, err := s.CreateAlertIfNoActive(ctx, first)
	require.NoError(t, err)
	require.True(t, created)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, dm.AlertActive, first.Status)

	overlapping := &dm.Alert{Market: "Austin", Window: dm.Window{Start: day.Add(12 * time.Hour), End: day.Add(36 * time.Hour)}}
	created, err = s.CreateAlertIfNoActive(ctx, overlapping)
	require.NoError(t, err)
	assert.False(t, created)

	other := &dm.Alert{Market: "Denver", Window: w, Severity: "medium"}
	created, err = s.CreateAlertIfNoActive(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	active, err := s.ListActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	ackAt := day.Add(48 * time.Hour)
	acked, err := s.AcknowledgeAlert(ctx, first.ID, ackAt)
	require.NoError(t, err)
	assert.Equal(t, dm.AlertAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedAt)

	again, err := s.AcknowledgeAlert(ctx, first.ID, ackAt.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, again.AcknowledgedAt)
	assert.True(t, again.AcknowledgedAt.Equal(ackAt))

	_, err = s.AcknowledgeAlert(ctx, "missing", ackAt)
	assert.ErrorIs(t, err, dm.ErrNotFound)

	// 确认之后同一窗口可以重新告警
	created, err = s.CreateAlertIfNoActive(ctx, &dm.Alert{Market: "Austin", Window: w})
	require.NoError(t, err)
	assert.True(t, created)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.ActiveAlerts)
}

func TestTopicsScan(t *testing.T) {
	var tp Topics
	require.NoError(t, tp.Scan(`["a","b"]`))
	assert.Equal(t, Topics{"a", "b"}, tp)

	require.NoError(t, tp.Scan([]byte(`{rates,"home sales"}`)))
	assert.Equal(t, Topics{"rates", "home sales"}, tp)

	require.NoError(t, tp.Scan(nil))
	assert.Nil(t, tp)

	v, err := Topics(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}
