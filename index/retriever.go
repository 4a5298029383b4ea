package index

import (
	"context"
	"fmt"

	"github.com/fabfab/document-portal/errs"
)

// SearchType selects how a Retriever ranks entries.
type SearchType string

const (
	// SearchSimilarity returns the k entries closest to the query by cosine.
	SearchSimilarity SearchType = "similarity"
	// SearchMMR re-ranks the FetchK closest entries by maximal marginal
	// relevance, trading query similarity against redundancy.
	SearchMMR SearchType = "mmr"
	// SearchScoreThreshold is similarity search dropping entries scoring
	// below ScoreThreshold.
	SearchScoreThreshold SearchType = "similarity_score_threshold"
)

const defaultMMRLambda = 0.5

// RetrieverOption tunes a Retriever.
type RetrieverOption func(*Retriever)

// WithFetchK sets the MMR candidate pool size. The default is 4k.
func WithFetchK(n int) RetrieverOption {
	return func(r *Retriever) { r.fetchK = n }
}

// WithLambda sets the MMR balance between relevance (1) and diversity (0).
func WithLambda(lambda float64) RetrieverOption {
	return func(r *Retriever) { r.lambda = lambda }
}

// WithScoreThreshold sets the minimum cosine similarity for threshold search.
func WithScoreThreshold(threshold float64) RetrieverOption {
	return func(r *Retriever) { r.threshold = threshold }
}

// Retriever is a read-only view over an Index.
type Retriever struct {
	index      *Index
	k          int
	searchType SearchType
	fetchK     int
	lambda     float64
	threshold  float64
}

// AsRetriever returns a retriever yielding at most k entries per query.
func (ix *Index) AsRetriever(k int, searchType SearchType, opts ...RetrieverOption) (*Retriever, error) {
	if k <= 0 {
		return nil, errs.Configuration("build retriever", fmt.Errorf("k must be positive, got %d", k))
	}
	if searchType == "" {
		searchType = SearchSimilarity
	}
	switch searchType {
	case SearchSimilarity, SearchMMR, SearchScoreThreshold:
	default:
		return nil, errs.Configuration("build retriever", fmt.Errorf("unsupported search type %q", searchType))
	}

	r := &Retriever{
		index:      ix,
		k:          k,
		searchType: searchType,
		fetchK:     4 * k,
		lambda:     defaultMMRLambda,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fetchK < k {
		r.fetchK = k
	}
	if r.lambda < 0 || r.lambda > 1 {
		return nil, errs.Configuration("build retriever", fmt.Errorf("lambda must be in [0, 1], got %v", r.lambda))
	}
	return r, nil
}

// K returns the retriever's result bound.
func (r *Retriever) K() int { return r.k }

// SearchType returns the configured ranking strategy.
func (r *Retriever) SearchType() SearchType { return r.searchType }

// Retrieve embeds query and returns at most k ranked entries.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Match, error) {
	vectors, err := r.index.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, errs.Embedding("embed query", err)
	}
	if len(vectors) != 1 {
		return nil, errs.Embedding("embed query", fmt.Errorf("expected 1 embedding, got %d", len(vectors)))
	}
	return r.RetrieveByVector(ctx, vectors[0])
}

// RetrieveByVector ranks entries against an already embedded query.
func (r *Retriever) RetrieveByVector(ctx context.Context, query []float32) ([]Match, error) {
	switch r.searchType {
	case SearchMMR:
		candidates, err := r.index.store.Search(ctx, query, r.fetchK)
		if err != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		return maximalMarginalRelevance(candidates, r.k, r.lambda), nil

	case SearchScoreThreshold:
		matches, err := r.index.store.Search(ctx, query, r.k)
		if err != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		kept := matches[:0]
		for _, m := range matches {
			if m.Score >= r.threshold {
				kept = append(kept, m)
			}
		}
		return kept, nil

	default:
		matches, err := r.index.store.Search(ctx, query, r.k)
		if err != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		return matches, nil
	}
}

// maximalMarginalRelevance picks k candidates, each maximising
// lambda*sim(query) - (1-lambda)*max sim(already picked). Candidates arrive
// ranked by query similarity, so the first pick is the closest entry.
func maximalMarginalRelevance(candidates []Match, k int, lambda float64) []Match {
	if len(candidates) <= 1 || k <= 0 {
		if len(candidates) > k {
			return candidates[:k]
		}
		return candidates
	}

	picked := make([]Match, 0, k)
	used := make([]bool, len(candidates))
	for len(picked) < k && len(picked) < len(candidates) {
		best, bestScore := -1, 0.0
		for i, c := range candidates {
			if used[i] {
				continue
			}
			redundancy := 0.0
			for j, p := range picked {
				sim := cosine(c.Vector, p.Vector)
				if j == 0 || sim > redundancy {
					redundancy = sim
				}
			}
			score := lambda*c.Score - (1-lambda)*redundancy
			if best == -1 || score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		picked = append(picked, candidates[best])
	}
	return picked
}
