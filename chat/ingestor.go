package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/index"
	"github.com/fabfab/document-portal/ingestion"
	"github.com/fabfab/document-portal/session"
)

// BuildOptions control how uploads are split and exposed.
type BuildOptions struct {
	SessionID      string
	UseSessionDirs bool
	ChunkSize      int
	ChunkOverlap   int
	K              int
	SearchType     index.SearchType
	Retriever      []index.RetrieverOption
}

// DefaultBuildOptions mirrors the HTTP form defaults.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		UseSessionDirs: true,
		ChunkSize:      ingestion.DefaultChunkSize,
		ChunkOverlap:   ingestion.DefaultChunkOverlap,
		K:              DefaultIndexK,
	}
}

// BuildResult describes an index after BuildRetriever.
type BuildResult struct {
	SessionID string
	UploadDir string
	IndexDir  string
	// Added counts the chunks this call embedded and persisted.
	Added     int
	Total     int
	Retriever *index.Retriever
}

// BuildRetriever saves uploads into the session's upload directory, splits
// them and adds the chunks to the session's index, creating it when needed.
// Chunks already indexed are skipped, so repeating a call adds nothing.
func (s *Service) BuildRetriever(ctx context.Context, uploads []session.Upload, opts BuildOptions) (BuildResult, error) {
	uploadSess, err := session.Resolve(s.uploadBase, opts.SessionID, opts.UseSessionDirs)
	if err != nil {
		return BuildResult{}, err
	}
	indexSess, err := session.Resolve(s.indexBase, uploadSess.ID, opts.UseSessionDirs)
	if err != nil {
		return BuildResult{}, err
	}
	s.logger.Info("chat ingestor initialized",
		zap.String("session_id", uploadSess.ID),
		zap.String("temp_dir", uploadSess.Dir),
		zap.String("faiss_dir", indexSess.Dir),
		zap.Bool("sessionized", opts.UseSessionDirs),
	)

	paths, err := session.SaveUploads(uploadSess.Dir, uploads, ingestion.Supported, s.logger)
	if err != nil {
		return BuildResult{}, err
	}
	if len(paths) == 0 {
		return BuildResult{}, errNoDocuments
	}

	docs, err := s.loader.Load(ctx, paths)
	if err != nil {
		return BuildResult{}, err
	}
	chunks, err := ingestion.Split(docs, opts.ChunkSize, opts.ChunkOverlap)
	if err != nil {
		return BuildResult{}, err
	}
	s.logger.Info("documents split", zap.Int("chunks", len(chunks)), zap.Int("chunk_size", opts.ChunkSize), zap.Int("chunk_overlap", opts.ChunkOverlap))

	ix, seeded, err := s.manager.LoadOrCreate(ctx, indexSess.Dir, chunks)
	if err != nil {
		return BuildResult{}, err
	}
	added, err := ix.Add(ctx, chunks)
	if err != nil {
		return BuildResult{}, err
	}
	added += seeded

	s.syncGraph(ctx, graphScope(uploadSess.ID, opts.UseSessionDirs), chunks)

	retriever, err := newRetriever(ix, opts.K, opts.SearchType, opts.Retriever)
	if err != nil {
		return BuildResult{}, err
	}

	s.logger.Info("index updated", zap.Int("added", added), zap.String("index", ix.Location()), zap.Int("entries", ix.Len()))
	return BuildResult{
		SessionID: uploadSess.ID,
		UploadDir: uploadSess.Dir,
		IndexDir:  indexSess.Dir,
		Added:     added,
		Total:     ix.Len(),
		Retriever: retriever,
	}, nil
}
