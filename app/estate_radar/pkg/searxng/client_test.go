package searxng

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/search"
)

func TestClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "news", r.URL.Query().Get("categories"))
		assert.Equal(t, "radar-test", r.Header.Get("User-Agent"))

		_, _ = w.Write([]byte(`{"query":"housing","results":[
			{"title":"A","url":"https://example.com/a","content":"a","publishedDate":"2026-02-10T00:00:00"},
			{"title":"B","url":"https://example.com/b","content":"b","publishedDate":null},
			{"title":"C","url":"https://example.com/c","content":"c"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5, "radar-test")
	resp, err := c.Search(context.Background(), &search.Request{Query: "housing", MaxResults: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.NotNil(t, resp.Results[0].PublishedAt)
	assert.Nil(t, resp.Results[1].PublishedAt)
	assert.Equal(t, "SearXNG", resp.Results[1].Source)
}

func TestClient_SearchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 5, "").Search(context.Background(), &search.Request{Query: "x"})
	assert.ErrorContains(t, err, "429")
}
