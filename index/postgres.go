package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/logging"
)

// PostgresStore keeps every index in the shared index_entries table, one
// namespace per index location. An entry row doubles as its ledger row, so a
// committed transaction persists both together.
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
	logger    *zap.Logger

	mu   sync.RWMutex
	seen map[string]bool
}

func NewPostgresStore(pool *pgxpool.Pool, namespace string, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:      pool,
		namespace: namespace,
		logger:    logging.OrNop(logger),
		seen:      make(map[string]bool),
	}
}

// PostgresStores opens a PostgresStore per location, using it as namespace.
func PostgresStores(pool *pgxpool.Pool, logger *zap.Logger) StoreOpener {
	return func(location string) Store {
		return NewPostgresStore(pool, location, logger)
	}
}

func (s *PostgresStore) Location() string { return "postgres:" + s.namespace }

func (s *PostgresStore) Load(ctx context.Context) (bool, error) {
	if s.pool == nil {
		return false, errs.IndexLoad("load index", s.Location(), fmt.Errorf("postgres pool is nil"))
	}

	rows, err := s.pool.Query(ctx, "SELECT fingerprint FROM index_entries WHERE namespace = $1", s.namespace)
	if err != nil {
		return false, errs.IndexLoad("query fingerprints", s.Location(), err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return false, errs.IndexLoad("scan fingerprint", s.Location(), err)
		}
		seen[fp] = true
	}
	if err := rows.Err(); err != nil {
		return false, errs.IndexLoad("query fingerprints", s.Location(), err)
	}

	s.mu.Lock()
	s.seen = seen
	s.mu.Unlock()
	return len(seen) > 0, nil
}

func (s *PostgresStore) Seen(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seen[fingerprint]
}

func (s *PostgresStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

func (s *PostgresStore) Append(ctx context.Context, entries []Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Warn("rollback error", zap.Error(rbErr))
			}
		}
	}()

	for i, e := range entries {
		id, parseErr := uuid.Parse(e.ID)
		if parseErr != nil {
			id = uuid.New()
		}
		metadata, marshalErr := json.Marshal(e.Metadata)
		if marshalErr != nil {
			return fmt.Errorf("encode metadata %d: %w", i, marshalErr)
		}

		if _, err = tx.Exec(ctx, `
			INSERT INTO index_entries (id, namespace, fingerprint, content, metadata, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, NOW())
			ON CONFLICT (namespace, fingerprint) DO NOTHING
		`, id, s.namespace, e.Fingerprint, e.Text, string(metadata), pgvector.NewVector(e.Vector)); err != nil {
			return fmt.Errorf("insert entry %d: %w", i, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.mu.Lock()
	for _, e := range entries {
		s.seen[e.Fingerprint] = true
	}
	s.mu.Unlock()
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, query []float32, limit int) ([]Match, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, fingerprint, content, metadata, embedding, 1 - (embedding <=> $2::vector) AS score
		FROM index_entries
		WHERE namespace = $1
		ORDER BY embedding <=> $2::vector
		LIMIT $3
	`, s.namespace, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("query similar entries: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, limit)
	for rows.Next() {
		var (
			m        Match
			id       uuid.UUID
			metadata []byte
			vec      pgvector.Vector
		)
		if err := rows.Scan(&id, &m.Fingerprint, &m.Text, &metadata, &vec, &m.Score); err != nil {
			return nil, fmt.Errorf("scan similar entry: %w", err)
		}
		m.ID = id.String()
		m.Vector = vec.Slice()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}

var _ Store = (*PostgresStore)(nil)
