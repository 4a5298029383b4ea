// Package embeddingstest provides deterministic embedders for tests.
package embeddingstest

import (
	"context"
	"strings"
	"sync"

	"github.com/fabfab/document-portal/embeddings"
)

// Letters embeds text as its a-z letter histogram, so texts sharing letters
// score as similar.
type Letters struct {
	Err error

	mu    sync.Mutex
	texts int
}

func (e *Letters) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	e.mu.Lock()
	e.texts += len(texts)
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 26)
		for _, r := range strings.ToLower(text) {
			if r >= 'a' && r <= 'z' {
				vec[r-'a']++
			}
		}
		out[i] = vec
	}
	return out, nil
}

// Embedded returns how many texts have been embedded.
func (e *Letters) Embedded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.texts
}

var _ embeddings.Embedder = (*Letters)(nil)
