package index

import (
	"context"
	"math"
	"sort"
)

// Entry is one persisted, embedded chunk.
type Entry struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	Text        string            `json:"text"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Vector      []float32         `json:"vector"`
}

// Match is an Entry ranked against a query. Score is the cosine similarity.
type Match struct {
	Entry
	Score float64
}

// Store is the persistence backend of a single index. Implementations keep
// the set of persisted fingerprints in memory after Load and update it only
// once an Append is durable.
type Store interface {
	// Load reads persisted state. It reports false when nothing has been
	// persisted yet.
	Load(ctx context.Context) (bool, error)
	// Seen reports whether an entry with fingerprint is persisted.
	Seen(fingerprint string) bool
	// Len returns the number of persisted entries.
	Len() int
	// Append persists entries and their fingerprints as one unit.
	Append(ctx context.Context, entries []Entry) error
	// Search returns at most limit entries by descending cosine similarity.
	Search(ctx context.Context, query []float32, limit int) ([]Match, error)
	// Location names the store in logs and errors.
	Location() string
}

// StoreOpener returns the Store persisted at location.
type StoreOpener func(location string) Store

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankEntries scores every entry against query and keeps the best limit.
// Ties keep insertion order.
func rankEntries(entries []Entry, query []float32, limit int) []Match {
	matches := make([]Match, len(entries))
	for i, e := range entries {
		matches[i] = Match{Entry: e, Score: cosine(query, e.Vector)}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
