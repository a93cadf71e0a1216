// Package chunkstore adapts external chunk providers to the engine's
// ChunkStore port. Providers return candidates with pre-normalized signals;
// nothing here rescales them.
package chunkstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region http-store
// HTTPStore fetches candidates from a remote retrieval service.
type HTTPStore struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPStore creates a client with the given request timeout.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type candidatesRequest struct {
	Query  string   `json:"query"`
	Tokens []string `json:"tokens"`
	Terms  []string `json:"terms"`
	Intent string   `json:"intent"`
}

type candidatesResponse struct {
	Candidates []accuracy.ChunkCandidate `json:"candidates"`
}

// FetchCandidates posts the processed query and decodes the candidate list.
// Transport failures and non-2xx responses wrap accuracy.ErrUpstreamUnavailable.
func (s *HTTPStore) FetchCandidates(ctx context.Context, q accuracy.ProcessedQuery) ([]accuracy.ChunkCandidate, error) {
	body, err := json.Marshal(candidatesRequest{
		Query:  q.RawText,
		Tokens: q.NormalizedTokens,
		Terms:  q.ExpandedTerms,
		Intent: string(q.IntentTag),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v1/candidates", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch candidates: %v", accuracy.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: chunk store returned status %d", accuracy.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out candidatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode candidates: %v", accuracy.ErrUpstreamUnavailable, err)
	}
	for i := range out.Candidates {
		out.Candidates[i].CompositeScore = 0
		out.Candidates[i].Rank = 0
	}
	return out.Candidates, nil
}

// #endregion http-store
