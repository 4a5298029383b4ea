package ingestion

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fabfab/document-portal/errs"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunk is a character window of a Document. Metadata is a copy of the
// parent's, with row_id made unique per chunk.
type Chunk struct {
	Text     string
	Metadata map[string]string
	// Position is the chunk's ordinal within its parent document.
	Position int
	// Offset is the rune offset of Text within the parent document.
	Offset int
}

// Source returns the chunk's source path, or "" when unknown.
func (c Chunk) Source() string {
	return c.Metadata[MetaSource]
}

// Split cuts every document into windows of size runes, each starting
// size-overlap runes after the previous one. Output order follows input
// order. Documents with no visible text produce no chunks.
func Split(docs []Document, size, overlap int) ([]Chunk, error) {
	if size <= 0 {
		return nil, errs.Configuration("split documents", fmt.Errorf("chunk_size must be positive, got %d", size))
	}
	if overlap < 0 || overlap >= size {
		return nil, errs.Configuration("split documents", fmt.Errorf("chunk_overlap must be in [0, %d), got %d", size, overlap))
	}

	step := size - overlap
	chunks := make([]Chunk, 0, len(docs))
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			continue
		}

		runes := []rune(doc.Text)
		base := rowBase(doc.Metadata)
		for position, start := 0, 0; ; position, start = position+1, start+step {
			end := start + size
			if end > len(runes) {
				end = len(runes)
			}

			md := make(map[string]string, len(doc.Metadata)+1)
			for k, v := range doc.Metadata {
				md[k] = v
			}
			md[MetaRowID] = base + "#" + strconv.Itoa(position)

			chunks = append(chunks, Chunk{
				Text:     string(runes[start:end]),
				Metadata: md,
				Position: position,
				Offset:   start,
			})
			if end == len(runes) {
				break
			}
		}
	}
	return chunks, nil
}

// rowBase identifies the parent record within its source, so chunks of
// different pages never share a row id.
func rowBase(md map[string]string) string {
	if id, ok := md[MetaRowID]; ok {
		return id
	}
	return md[MetaPage]
}
