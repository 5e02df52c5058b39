package trend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/fingerprint"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/market"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/storage"
)

var day0 = time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	store *storage.Storage
	n     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(config.DBConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "trend.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.SeedMarkets(context.Background(), market.NewRegistry().All()))
	return &fixture{t: t, store: s}
}

func (f *fixture) add(published time.Time, sentiments ...dm.MarketSentiment) {
	f.t.Helper()
	f.n++
	url := fmt.Sprintf("https://news.example.com/%d", f.n)
	body := fmt.Sprintf("article body %d", f.n)
	_, err := f.store.InsertArticle(context.Background(), &dm.Article{
		Fingerprint: fingerprint.Of(url, body).String(),
		Source:      "Test",
		URL:         url,
		Title:       "t",
		Body:        body,
		PublishedAt: published,
	}, sentiments)
	require.NoError(f.t, err)
}

func s(market string, score float64, topics ...string) dm.MarketSentiment {
	return dm.MarketSentiment{
		Market:     market,
		Label:      dm.LabelFor(score, 0.15),
		Score:      score,
		Confidence: 0.8,
		Topics:     topics,
	}
}

func TestComputeTrend_UnweightedMean(t *testing.T) {
	f := newFixture(t)
	f.add(day0.Add(1*time.Hour), s("Austin", 0.2, "prices"))
	f.add(day0.Add(5*time.Hour), s("Austin", -0.4, "inventory", "prices"))
	f.add(day0.Add(9*time.Hour), s("Austin", 0.6, "rates"))
	f.add(day0.Add(25*time.Hour), s("Austin", -1.0))
	f.add(day0.Add(2*time.Hour), s("Denver", 0.9))

	e := New(f.store, config.TrendConfig{})
	p, err := e.ComputeTrend(context.Background(), "Austin", e.WindowAt(day0.Add(3*time.Hour)))
	require.NoError(t, err)

	assert.InDelta(t, 0.1333, p.AvgScore, 1e-3)
	assert.InDelta(t, 0.8, p.AvgConfidence, 1e-9)
	assert.Equal(t, 3, p.Count)
	assert.Equal(t, dm.Neutral, p.Label)
	assert.Equal(t, []string{"prices", "inventory", "rates"}, p.TopTopics)
	assert.True(t, p.Window.Start.Equal(day0))
}

func TestComputeTrend_UnknownMarket(t *testing.T) {
	f := newFixture(t)
	e := New(f.store, config.TrendConfig{})
	_, err := e.ComputeTrend(context.Background(), "Springfield", e.WindowAt(day0))
	assert.True(t, errors.Is(err, dm.ErrNotFound))
}

func TestHistory_DailyBuckets(t *testing.T) {
	f := newFixture(t)
	f.add(day0.Add(2*time.Hour), s("Miami", 0.4))
	f.add(day0.Add(3*time.Hour), s("Miami", 0.2))
	f.add(day0.Add(50*time.Hour), s("Miami", -0.5))

	e := New(f.store, config.TrendConfig{})
	points, err := e.History(context.Background(), "Miami", day0, day0.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.True(t, points[0].Window.Start.Equal(day0))
	assert.InDelta(t, 0.3, points[0].AvgScore, 1e-9)
	assert.Equal(t, 2, points[0].Count)
	assert.Equal(t, dm.Bullish, points[0].Label)

	assert.True(t, points[1].Window.Start.Equal(day0.Add(48*time.Hour)))
	assert.Equal(t, dm.Bearish, points[1].Label)

	_, err = e.History(context.Background(), "Miami", day0, day0)
	assert.Error(t, err)
}

func TestSummaryAndAllMarkets(t *testing.T) {
	f := newFixture(t)
	now := day0.Add(12 * time.Hour)
	f.add(now.Add(-40*24*time.Hour), s("Seattle", -0.2))
	f.add(now.Add(-2*24*time.Hour), s("Seattle", 0.4, "tech", "jobs"), s("Denver", 0.1))
	f.add(now.Add(-1*24*time.Hour), s("Seattle", 0.2, "tech"))

	e := New(f.store, config.TrendConfig{}, WithClock(func() time.Time { return now }))

	sum, err := e.Summary(context.Background(), "Seattle", 0)
	require.NoError(t, err)
	assert.Equal(t, 30, sum.Days)
	assert.Equal(t, "West", sum.Region)
	assert.InDelta(t, 0.3, sum.AvgScore, 1e-9)
	assert.InDelta(t, 0.5, sum.Change, 1e-9)
	assert.Equal(t, 2, sum.ArticleCount)
	assert.Equal(t, []string{"tech", "jobs"}, sum.TopTopics)

	all, err := e.AllMarkets(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Seattle", all[0].Market)
	assert.Equal(t, "Denver", all[1].Market)

	sum, err = e.Summary(context.Background(), "Seattle", 1000)
	require.NoError(t, err)
	assert.Equal(t, 365, sum.Days)
}

func TestDetectAnomalies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		score := 0.1
		if i%2 == 0 {
			score = -0.1
		}
		f.add(day0.Add(-time.Duration(i)*24*time.Hour), s("Phoenix", score))
	}
	f.add(day0.Add(4*time.Hour), s("Phoenix", 0.5))

	e := New(f.store, config.TrendConfig{})
	alerts, err := e.DetectAnomalies(ctx, "Phoenix")
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.InDelta(t, 0.0, a.Baseline, 1e-9)
	assert.InDelta(t, 0.5, a.Observed, 1e-9)
	assert.InDelta(t, 5.0, a.Deviation, 1e-6)
	assert.Equal(t, "high", a.Severity)
	assert.Equal(t, "Unusual sentiment shift detected in Phoenix", a.Message)
	assert.True(t, a.Window.Start.Equal(day0))
	require.NotNil(t, a.ArticleID)

	raised, err := e.RaiseAlerts(ctx, []string{"Phoenix", "Denver"})
	require.NoError(t, err)
	assert.Equal(t, 1, raised)

	raised, err = e.RaiseAlerts(ctx, []string{"Phoenix"})
	require.NoError(t, err)
	assert.Equal(t, 0, raised)

	active, err := f.store.ListActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestDetectAnomalies_SparseBaseline(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 3; i++ {
		f.add(day0.Add(-time.Duration(i)*24*time.Hour), s("Boston", 0))
	}
	f.add(day0.Add(time.Hour), s("Boston", -0.9))

	e := New(f.store, config.TrendConfig{})
	alerts, err := e.DetectAnomalies(context.Background(), "Boston")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDetectAnomalies_WithinThreshold(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 6; i++ {
		f.add(day0.Add(-time.Duration(i)*24*time.Hour), s("Chicago", 0.1))
	}
	f.add(day0.Add(time.Hour), s("Chicago", 0.25))

	e := New(f.store, config.TrendConfig{})
	alerts, err := e.DetectAnomalies(context.Background(), "Chicago")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

// slowAlertStore 查重和写入之间留出空档，只有调用方串行时才不会重复写入
type slowAlertStore struct {
	*storage.Storage
	mu     sync.Mutex
	active map[string]int
}

func (s *slowAlertStore) CreateAlertIfNoActive(ctx context.Context, a *dm.Alert) (bool, error) {
	s.mu.Lock()
	n := s.active[a.Market]
	s.mu.Unlock()
	if n > 0 {
		return false, nil
	}
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	s.active[a.Market]++
	s.mu.Unlock()
	return true, nil
}

func TestRaiseAlerts_ConcurrentCallersCreateOneAlert(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 6; i++ {
		f.add(day0.Add(-time.Duration(i)*24*time.Hour), s("Phoenix", 0))
	}
	f.add(day0.Add(4*time.Hour), s("Phoenix", 0.8))

	store := &slowAlertStore{Storage: f.store, active: map[string]int{}}
	e := New(store, config.TrendConfig{})

	var (
		wg     sync.WaitGroup
		raised atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.RaiseAlerts(context.Background(), []string{"Phoenix"})
			assert.NoError(t, err)
			raised.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, raised.Load())
	assert.Equal(t, 1, store.active["Phoenix"])
}
