package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureIndexSchema creates the pgvector extension and the index_entries
// table used by the postgres index backend.
func EnsureIndexSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS index_entries (
			id UUID PRIMARY KEY,
			namespace TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(namespace, fingerprint)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_index_entries_namespace ON index_entries(namespace)",
		"CREATE INDEX IF NOT EXISTS idx_index_entries_embedding ON index_entries USING hnsw (embedding vector_cosine_ops)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}

// ClearIndex truncates index_entries and returns the number of removed rows.
func ClearIndex(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	var count int64
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM index_entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("count index_entries: %w", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE index_entries"); err != nil {
		return 0, fmt.Errorf("truncate index_entries: %w", err)
	}
	return count, nil
}
