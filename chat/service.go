// Package chat builds per-session retrievers from uploaded documents and
// answers questions over them.
package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/index"
	"github.com/fabfab/document-portal/ingestion"
	"github.com/fabfab/document-portal/knowledge"
	"github.com/fabfab/document-portal/llm"
	"github.com/fabfab/document-portal/logging"
	"github.com/fabfab/document-portal/session"
)

const (
	DefaultIndexK = 3
	DefaultQueryK = 5
)

// sharedGraphScope keys graph data written without session directories.
const sharedGraphScope = "shared"

// Service wires the loader, index manager, model and optional graph together.
type Service struct {
	manager    *index.Manager
	loader     *ingestion.Loader
	llm        llm.Client
	graph      GraphStore
	uploadBase string
	indexBase  string
	logger     *zap.Logger
}

type Config struct {
	UploadBase string
	IndexBase  string
}

type Option func(*Service)

// WithGraphStore mirrors every indexed session into graph.
func WithGraphStore(graph GraphStore) Option {
	return func(s *Service) { s.graph = graph }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(logger) }
}

func NewService(manager *index.Manager, llmClient llm.Client, cfg Config, opts ...Option) *Service {
	s := &Service{
		manager:    manager,
		llm:        llmClient,
		uploadBase: cfg.UploadBase,
		indexBase:  cfg.IndexBase,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loader = ingestion.NewLoader(s.logger)
	return s
}

// QueryOptions select the index a question runs against.
type QueryOptions struct {
	SessionID      string
	UseSessionDirs bool
	K              int
	SearchType     index.SearchType
	History        []llm.Message
}

// QueryResult is a chain response with the parameters it ran with.
type QueryResult struct {
	Response
	SessionID string `json:"session_id"`
	K         int    `json:"k"`
}

// Query answers question from a previously built index. A missing session id
// under session directories is rejected before anything is loaded.
func (s *Service) Query(ctx context.Context, question string, opts QueryOptions) (QueryResult, error) {
	dir, err := session.ExistingDir(s.indexBase, opts.SessionID, opts.UseSessionDirs)
	if err != nil {
		return QueryResult{}, err
	}

	k := opts.K
	if k == 0 {
		k = DefaultQueryK
	}

	ix, err := s.manager.Load(ctx, dir)
	if err != nil {
		return QueryResult{}, err
	}
	retriever, err := ix.AsRetriever(k, opts.SearchType)
	if err != nil {
		return QueryResult{}, err
	}

	chainOpts := []ChainOption{WithChainLogger(s.logger)}
	if s.graph != nil {
		chainOpts = append(chainOpts, WithGraph(s.graph, graphScope(opts.SessionID, opts.UseSessionDirs)))
	}
	resp, err := NewChain(s.llm, retriever, chainOpts...).Invoke(ctx, question, opts.History)
	if err != nil {
		s.logger.Error("RAG chain failed", zap.String("session_id", opts.SessionID), zap.Error(err))
		return QueryResult{}, err
	}

	s.logger.Info("chat query handled successfully", zap.String("session_id", opts.SessionID))
	return QueryResult{Response: resp, SessionID: opts.SessionID, K: k}, nil
}

func graphScope(sessionID string, useSessionDirs bool) string {
	if !useSessionDirs {
		return sharedGraphScope
	}
	return sessionID
}

// newRetriever wraps ix in a retriever after validating k.
func newRetriever(ix *index.Index, k int, searchType index.SearchType, opts []index.RetrieverOption) (*index.Retriever, error) {
	if k == 0 {
		k = DefaultIndexK
	}
	r, err := ix.AsRetriever(k, searchType, opts...)
	if err != nil {
		return nil, fmt.Errorf("build retriever: %w", err)
	}
	return r, nil
}

// syncGraph mirrors chunks into the graph. Failures are logged, not returned.
func (s *Service) syncGraph(ctx context.Context, scope string, chunks []ingestion.Chunk) {
	if s.graph == nil || len(chunks) == 0 {
		return
	}
	if err := s.graph.SyncSession(ctx, knowledge.FromChunks(scope, chunks)); err != nil {
		s.logger.Warn("graph sync failed", zap.String("session_id", scope), zap.Error(err))
	}
}

var errNoDocuments = errs.InvalidInput("build retriever", fmt.Errorf("no supported documents were uploaded"))
