package chunkstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

var query = accuracy.ProcessedQuery{
	RawText:          "refund policy",
	NormalizedTokens: []string{"refund", "policy"},
	ExpandedTerms:    []string{"policy", "refund", "reimbursement"},
	IntentTag:        accuracy.IntentGeneral,
}

func TestHTTPStoreFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/candidates", r.URL.Path)

		var req candidatesRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refund policy", req.Query)
		assert.Equal(t, []string{"policy", "refund", "reimbursement"}, req.Terms)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[
			{"id":"c1","source_ref":"doc-1","raw_signals":{"semantic_sim":0.9,"keyword_overlap":0.8,"recency_score":0.5},"composite_score":7,"rank":3},
			{"id":"c2","source_ref":"doc-2","raw_signals":{"semantic_sim":0.4,"keyword_overlap":0.3,"recency_score":0.6}}
		]}`))
	}))
	defer srv.Close()

	got, err := NewHTTPStore(srv.URL+"/", time.Second).FetchCandidates(context.Background(), query)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "doc-1", got[0].SourceRef)
	assert.InDelta(t, 0.9, got[0].RawSignals.SemanticSim, 1e-12)
	// Derived fields are never trusted from the provider.
	assert.Zero(t, got[0].CompositeScore)
	assert.Zero(t, got[0].Rank)
}

func TestHTTPStoreErrorsAreUpstreamUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"bad body", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not json")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := NewHTTPStore(srv.URL, time.Second).FetchCandidates(context.Background(), query)
			assert.ErrorIs(t, err, accuracy.ErrUpstreamUnavailable)
		})
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	_, err := NewHTTPStore(srv.URL, time.Second).FetchCandidates(context.Background(), query)
	assert.ErrorIs(t, err, accuracy.ErrUpstreamUnavailable)
}

func TestFixtureStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
candidates:
  - id: A
    source_ref: doc-a
    raw_signals: {semantic_sim: 0.9, keyword_overlap: 0.8, recency_score: 0.5}
  - id: B
    source_ref: doc-b
    raw_signals: {semantic_sim: 0.4, keyword_overlap: 0.3, recency_score: 0.6}
queries:
  "refund policy":
    - id: R
      source_ref: policies
      raw_signals: {semantic_sim: 1, keyword_overlap: 1, recency_score: 1}
`), 0o644))

	s, err := LoadFixture(path)
	require.NoError(t, err)

	got, err := s.FetchCandidates(context.Background(), query)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "R", got[0].ID)

	other, err := s.FetchCandidates(context.Background(), accuracy.ProcessedQuery{RawText: "anything"})
	require.NoError(t, err)
	require.Len(t, other, 2)
	other[0].ID = "mutated"

	again, err := s.FetchCandidates(context.Background(), accuracy.ProcessedQuery{RawText: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "A", again[0].ID)
}

func TestLoadFixtureRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("candidates:\n  - source_ref: x\n"), 0o644))
	_, err := LoadFixture(path)
	assert.Error(t, err)
}
