package chunkstore

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region fixture-store
// FixtureStore serves a fixed candidate set read from YAML. Used for local
// runs, replay and tests. Every query receives a copy of the same set unless
// the file lists per-query overrides.
type FixtureStore struct {
	Default []accuracy.ChunkCandidate
	ByQuery map[string][]accuracy.ChunkCandidate
}

type fixtureFile struct {
	Candidates []accuracy.ChunkCandidate            `yaml:"candidates"`
	Queries    map[string][]accuracy.ChunkCandidate `yaml:"queries"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*FixtureStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	for _, c := range f.Candidates {
		if c.ID == "" {
			return nil, fmt.Errorf("parse fixture %s: candidate without id", path)
		}
	}
	return &FixtureStore{Default: f.Candidates, ByQuery: f.Queries}, nil
}

// FetchCandidates returns a copy of the candidates for the query's raw text,
// falling back to the default set.
func (s *FixtureStore) FetchCandidates(ctx context.Context, q accuracy.ProcessedQuery) ([]accuracy.ChunkCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, ok := s.ByQuery[q.RawText]
	if !ok {
		src = s.Default
	}
	out := make([]accuracy.ChunkCandidate, len(src))
	copy(out, src)
	return out, nil
}

// #endregion fixture-store
