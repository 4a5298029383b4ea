package chat

import "github.com/fabfab/document-portal/index"

// Source is one document that contributed passages to an answer.
type Source struct {
	Source   string   `json:"source"`
	FileName string   `json:"file_name,omitempty"`
	Pages    []string `json:"pages,omitempty"`
	Snippet  string   `json:"snippet"`
	Score    float64  `json:"score"`
	// ChunkCount is the number of chunks the knowledge graph holds for the
	// document. Zero when the graph is disabled.
	ChunkCount int `json:"chunk_count,omitempty"`
}

// Response is the outcome of one chain invocation.
type Response struct {
	Answer   string        `json:"answer"`
	Question string        `json:"standalone_question"`
	Sources  []Source      `json:"sources"`
	Passages []index.Match `json:"-"`
}
