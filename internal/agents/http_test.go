package agents

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
)

func TestHTTPQuerierDecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/SECURITY/results", r.URL.Path)
		assert.Equal(t, "PRD-1", r.URL.Query().Get("work_item_id"))
		assert.Equal(t, "2", r.URL.Query().Get("level"))
		assert.Equal(t, "sess-1", r.Header.Get("X-Kensa-Session-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"warning","confidence":72.5,"findings":{"recommendation":"rotate keys"}}`))
	}))
	defer srv.Close()

	q := NewHTTPQuerier(srv.URL + "/")
	p, err := q.Query(context.Background(), model.AgentSecurity, model.QueryParams{
		SessionID:  "sess-1",
		WorkItemID: "PRD-1",
		Level:      model.LevelIssuesOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, model.AgentWarning, p.Status)
	require.NotNil(t, p.Confidence)
	assert.InDelta(t, 72.5, *p.Confidence, 0.001)
	assert.Equal(t, "rotate keys", p.Recommendation())
}

func TestHTTPQuerierNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "analyzer unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPQuerier(srv.URL).Query(context.Background(), model.AgentTesting, model.QueryParams{WorkItemID: "PRD-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "analyzer unavailable")
}

func TestHTTPQuerierHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPQuerier(srv.URL, WithHTTPClient(srv.Client())).
		Query(ctx, model.AgentCost, model.QueryParams{WorkItemID: "PRD-3"})
	require.Error(t, err)
}

func TestHTTPQuerierBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewHTTPQuerier(srv.URL).Query(context.Background(), model.AgentAPI, model.QueryParams{WorkItemID: "PRD-4"})
	require.ErrorContains(t, err, "decode response")
}
