// Package knowledge mirrors indexed chat sessions into Neo4j as
// Session -> Document -> Chunk nodes.
package knowledge

import (
	"context"
	"fmt"
	"strconv"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/document-portal/index"
	"github.com/fabfab/document-portal/ingestion"
)

type Session struct {
	ID        string
	Documents []Document
}

type Document struct {
	Source   string
	Title    string
	FileType string
	Chunks   []Chunk
}

type Chunk struct {
	Fingerprint string
	Position    int
	Page        string
	Text        string
}

// FromChunks groups chunks by source document, keeping first-seen order.
func FromChunks(sessionID string, chunks []ingestion.Chunk) Session {
	sess := Session{ID: sessionID}
	bySource := make(map[string]int)
	for _, c := range chunks {
		src := c.Source()
		i, ok := bySource[src]
		if !ok {
			i = len(sess.Documents)
			bySource[src] = i
			sess.Documents = append(sess.Documents, Document{
				Source:   src,
				Title:    c.Metadata[ingestion.MetaTitle],
				FileType: c.Metadata[ingestion.MetaFileType],
			})
		}
		sess.Documents[i].Chunks = append(sess.Documents[i].Chunks, Chunk{
			Fingerprint: index.Fingerprint(c.Text, c.Metadata),
			Position:    c.Position,
			Page:        c.Metadata[ingestion.MetaPage],
			Text:        c.Text,
		})
	}
	return sess
}

// DocumentID scopes a source name to its session.
func DocumentID(sessionID, source string) string {
	return sessionID + "|" + source
}

// SyncSession upserts the session, its documents and their chunks. Existing
// chunks are kept, so re-syncing an extended session only adds nodes.
func SyncSession(ctx context.Context, driver neo4j.DriverWithContext, sess Session) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if sess.ID == "" {
		return fmt.Errorf("session id is empty")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (s:Session {id: $id})
			SET s.updated_at = datetime()
		`, map[string]any{"id": sess.ID}); err != nil {
			return nil, fmt.Errorf("upsert session node: %w", err)
		}

		for _, doc := range sess.Documents {
			docID := DocumentID(sess.ID, doc.Source)
			if _, err := tx.Run(ctx, `
				MATCH (s:Session {id: $session_id})
				MERGE (d:Document {id: $doc_id})
				SET d.source = $source,
				    d.title = $title,
				    d.file_type = $file_type
				MERGE (s)-[:HAS_DOCUMENT]->(d)
			`, map[string]any{
				"session_id": sess.ID,
				"doc_id":     docID,
				"source":     doc.Source,
				"title":      doc.Title,
				"file_type":  doc.FileType,
			}); err != nil {
				return nil, fmt.Errorf("upsert document node: %w", err)
			}

			rows := make([]map[string]any, 0, len(doc.Chunks))
			for _, chunk := range doc.Chunks {
				rows = append(rows, map[string]any{
					"id":       sess.ID + "|" + chunk.Fingerprint,
					"position": chunk.Position,
					"page":     chunk.Page,
					"text":     chunk.Text,
				})
			}
			if len(rows) == 0 {
				continue
			}
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				UNWIND $chunks AS chunk
				MERGE (c:Chunk {id: chunk.id})
				SET c.position = chunk.position,
				    c.page = chunk.page,
				    c.text = chunk.text
				MERGE (d)-[:HAS_CHUNK {order: chunk.position}]->(c)
			`, map[string]any{"doc_id": docID, "chunks": rows}); err != nil {
				return nil, fmt.Errorf("upsert chunk nodes: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// Purge removes every node this package writes.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (c:Chunk) DETACH DELETE c",
		"MATCH (d:Document) DETACH DELETE d",
		"MATCH (s:Session) DETACH DELETE s",
	}
	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ChunkCounts returns the number of indexed chunks per source in a session.
func ChunkCounts(ctx context.Context, driver neo4j.DriverWithContext, sessionID string, sources []string) (map[string]int, error) {
	if driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(sources) == 0 {
		return map[string]int{}, nil
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:Session {id: $session_id})-[:HAS_DOCUMENT]->(d:Document)
		WHERE d.source IN $sources
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		RETURN d.source AS source, count(DISTINCT c) AS chunkCount
	`, map[string]any{"session_id": sessionID, "sources": sources})
	if err != nil {
		return nil, fmt.Errorf("run neo4j chunk count query: %w", err)
	}

	counts := make(map[string]int, len(sources))
	for result.Next(ctx) {
		record := result.Record()
		sourceVal, _ := record.Get("source")
		countVal, _ := record.Get("chunkCount")
		source, ok := sourceVal.(string)
		if !ok {
			continue
		}
		n, _ := toInt(countVal)
		counts[source] = n
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j chunk count result error: %w", err)
	}
	return counts, nil
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}
