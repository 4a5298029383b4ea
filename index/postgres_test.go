package index

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/document-portal/config"
	"github.com/fabfab/document-portal/database"
	"github.com/fabfab/document-portal/errs"
)

func TestPostgresStoreNilPoolIsIndexLoadError(t *testing.T) {
	store := NewPostgresStore(nil, "sessions/a", nil)

	ok, err := store.Load(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, errs.ErrIndexLoad)
	assert.Equal(t, "postgres:sessions/a", store.Location())
}

func TestPostgresStoreSearchRanking(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database connectivity checks")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	ctx := context.Background()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	require.NoError(t, err)
	defer pool.Close()

	dim := cfg.Embeddings.Dimension
	require.Positive(t, dim, "EMBEDDING_DIMENSION must be set")
	require.NoError(t, database.EnsureIndexSchema(ctx, pool, dim))

	namespace := "it-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DELETE FROM index_entries WHERE namespace = $1", namespace)
	})

	makeVector := func(a, b float32) []float32 {
		vec := make([]float32, dim)
		vec[0] = a
		if dim > 1 {
			vec[1] = b
		}
		return vec
	}

	store := NewPostgresStore(pool, namespace, nil)
	ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	entries := []Entry{
		{ID: uuid.NewString(), Fingerprint: "a.pdf::1#0", Text: "Chunk A", Metadata: map[string]string{"source": "a.pdf"}, Vector: makeVector(1, 0)},
		{ID: uuid.NewString(), Fingerprint: "b.pdf::1#0", Text: "Chunk B", Metadata: map[string]string{"source": "b.pdf"}, Vector: makeVector(0.2, 1)},
	}
	require.NoError(t, store.Append(ctx, entries))
	// Replaying the same fingerprints is a no-op.
	require.NoError(t, store.Append(ctx, entries))
	assert.True(t, store.Seen("a.pdf::1#0"))

	reopened := NewPostgresStore(pool, namespace, nil)
	ok, err = reopened.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, reopened.Len())

	matches, err := reopened.Search(ctx, makeVector(0.9, 0.1), 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "Chunk A", matches[0].Text)
	assert.Equal(t, "a.pdf", matches[0].Metadata["source"])
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
}
