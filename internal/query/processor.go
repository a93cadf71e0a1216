// Package query turns raw query text into a ProcessedQuery: normalized
// tokens, dictionary expansion and a rule-based intent tag.
package query

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region processor
// Processor is a pure function of (raw text, dictionary contents). The memo
// is keyed by dictionary version so a reload never serves stale expansions.
type Processor struct {
	dict  Dictionary
	cache *lru.Cache[string, accuracy.ProcessedQuery]
}

// NewProcessor creates a processor. dict may be nil (no expansion).
// cacheSize <= 0 disables memoization.
func NewProcessor(dict Dictionary, cacheSize int) (*Processor, error) {
	p := &Processor{dict: dict}
	if cacheSize > 0 {
		c, err := lru.New[string, accuracy.ProcessedQuery](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("query cache: %w", err)
		}
		p.cache = c
	}
	return p, nil
}

// #endregion processor

// #region process
// Process normalizes, tokenizes, expands and classifies raw.
// Empty or whitespace-only input returns accuracy.ErrInvalidQuery.
func (p *Processor) Process(raw string) (accuracy.ProcessedQuery, error) {
	normalized := normalize(raw)
	if normalized == "" {
		return accuracy.ProcessedQuery{}, fmt.Errorf("%w: empty query", accuracy.ErrInvalidQuery)
	}

	version := ""
	if p.dict != nil {
		version = p.dict.Version()
	}
	key := version + "\x00" + raw
	if p.cache != nil {
		if pq, ok := p.cache.Get(key); ok {
			return clone(pq), nil
		}
	}

	tokens := tokenize(normalized)
	pq := accuracy.ProcessedQuery{
		RawText:           raw,
		NormalizedTokens:  tokens,
		ExpandedTerms:     p.expand(tokens),
		IntentTag:         ClassifyIntent(normalized),
		DictionaryVersion: version,
	}

	if p.cache != nil {
		p.cache.Add(key, clone(pq))
	}
	return pq, nil
}

// expand returns the sorted union of tokens and their synonyms.
func (p *Processor) expand(tokens []string) []string {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
		if p.dict == nil {
			continue
		}
		for _, syn := range p.dict.Synonyms(t) {
			if syn = strings.TrimSpace(syn); syn != "" {
				set[syn] = struct{}{}
			}
		}
	}
	terms := make([]string, 0, len(set))
	for t := range set {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}

func clone(pq accuracy.ProcessedQuery) accuracy.ProcessedQuery {
	pq.NormalizedTokens = slices.Clone(pq.NormalizedTokens)
	pq.ExpandedTerms = slices.Clone(pq.ExpandedTerms)
	return pq
}

// #endregion process
