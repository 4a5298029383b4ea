package chat

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/document-portal/knowledge"
)

// GraphStore mirrors indexed sessions into a knowledge graph and reads
// per-document statistics back.
type GraphStore interface {
	SyncSession(ctx context.Context, sess knowledge.Session) error
	ChunkCounts(ctx context.Context, sessionID string, sources []string) (map[string]int, error)
}

type Neo4jGraphStore struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jGraphStore(driver neo4j.DriverWithContext) *Neo4jGraphStore {
	return &Neo4jGraphStore{driver: driver}
}

func (s *Neo4jGraphStore) SyncSession(ctx context.Context, sess knowledge.Session) error {
	return knowledge.SyncSession(ctx, s.driver, sess)
}

func (s *Neo4jGraphStore) ChunkCounts(ctx context.Context, sessionID string, sources []string) (map[string]int, error) {
	return knowledge.ChunkCounts(ctx, s.driver, sessionID, sources)
}

var _ GraphStore = (*Neo4jGraphStore)(nil)
