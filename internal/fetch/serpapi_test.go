package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *SerpAPIFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f, err := NewSerpAPIFetcher("test-key", 2*time.Second, WithEndpoint(srv.URL))
	require.NoError(t, err)
	return f
}

func TestSerpAPIFetchFormatsResults(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("api_key"))
		assert.Equal(t, "google", r.URL.Query().Get("engine"))
		assert.Contains(t, r.URL.Query().Get("q"), "capital of France")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"answer_box": {"answer": "Paris"},
			"knowledge_graph": {"title": "Paris", "description": "Capital of France", "type": "City"},
			"organic_results": [
				{"title": "Paris - Wikipedia", "link": "https://en.wikipedia.org/wiki/Paris", "snippet": "Paris is the capital of France."}
			]
		}`))
	})

	resp, err := f.Fetch(context.Background(), searchscale.FetchRequest{
		Goal:     "capital of France",
		Strategy: searchscale.StrategyDirect,
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Content, "## Answer Box")
	assert.Contains(t, resp.Content, "Paris")
	assert.Contains(t, resp.Content, "## Knowledge Graph")
	assert.Contains(t, resp.Content, "## Organic Results")
	assert.Contains(t, resp.Content, "https://en.wikipedia.org/wiki/Paris")
}

func TestSerpAPIFetchConstraintsFoldedIntoQuery(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("q"), `"voice actor"`)
		w.Write([]byte(`{"organic_results": [{"title": "hit", "link": "https://example.com"}]}`))
	})

	_, err := f.Fetch(context.Background(), searchscale.FetchRequest{
		Goal:        "anime protagonist",
		Strategy:    searchscale.StrategyAnchorExpand,
		Constraints: `"voice actor"`,
	})
	require.NoError(t, err)
}

func TestSerpAPIFetchServerErrorIsTransient(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := f.Fetch(context.Background(), searchscale.FetchRequest{Goal: "anything"})
	require.Error(t, err)
	assert.Equal(t, searchscale.ErrCodeTransientFetch, searchscale.ErrorCode(err))
	assert.True(t, searchscale.IsTransient(err))
}

func TestSerpAPIFetchClientErrorIsPermanent(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	})

	_, err := f.Fetch(context.Background(), searchscale.FetchRequest{Goal: "anything"})
	require.Error(t, err)
	assert.Equal(t, searchscale.ErrCodePermanentFetch, searchscale.ErrorCode(err))
	assert.False(t, searchscale.IsTransient(err))
}

func TestSerpAPIFetchRateLimitIsTransient(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := f.Fetch(context.Background(), searchscale.FetchRequest{Goal: "anything"})
	require.Error(t, err)
	assert.True(t, searchscale.IsTransient(err))
}

func TestNewSerpAPIFetcherRequiresKey(t *testing.T) {
	_, err := NewSerpAPIFetcher("", time.Second)
	require.Error(t, err)
	assert.Equal(t, searchscale.ErrCodeConfiguration, searchscale.ErrorCode(err))
}
