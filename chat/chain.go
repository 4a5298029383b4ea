package chat

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/index"
	"github.com/fabfab/document-portal/ingestion"
	"github.com/fabfab/document-portal/llm"
	"github.com/fabfab/document-portal/logging"
	"github.com/fabfab/document-portal/prompts"
)

// FallbackAnswer is returned when the model produces an empty answer.
const FallbackAnswer = "Sorry, I couldn't generate an answer."

const snippetLimit = 500

// Retriever returns the passages ranked for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]index.Match, error)
}

// ChainOption tunes a Chain.
type ChainOption func(*Chain)

// WithGraph annotates answer sources with chunk counts from graph.
func WithGraph(graph GraphStore, sessionID string) ChainOption {
	return func(c *Chain) {
		c.graph = graph
		c.sessionID = sessionID
	}
}

func WithChainLogger(logger *zap.Logger) ChainOption {
	return func(c *Chain) { c.logger = logging.OrNop(logger) }
}

// Chain answers questions over a retriever. It keeps no memory between
// invocations; prior turns are passed in explicitly.
type Chain struct {
	llm       llm.Client
	retriever Retriever
	graph     GraphStore
	sessionID string
	logger    *zap.Logger
}

func NewChain(client llm.Client, retriever Retriever, opts ...ChainOption) *Chain {
	c := &Chain{llm: client, retriever: retriever, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke rewrites question into a standalone question using history,
// retrieves passages for it, and answers from those passages.
func (c *Chain) Invoke(ctx context.Context, question string, history []llm.Message) (Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, errs.RAGChain("invoke chain", fmt.Errorf("question cannot be empty"))
	}
	if c.llm == nil {
		return Response{}, errs.RAGChain("invoke chain", fmt.Errorf("llm client is not configured"))
	}
	if c.retriever == nil {
		return Response{}, errs.RAGChain("invoke chain", fmt.Errorf("no retriever set before building chain"))
	}

	standalone, err := c.rewrite(ctx, question, history)
	if err != nil {
		return Response{}, errs.RAGChain("rewrite question", err)
	}

	passages, err := c.retriever.Retrieve(ctx, standalone)
	if err != nil {
		return Response{}, errs.RAGChain("retrieve passages", err)
	}

	system, err := prompts.Render(prompts.ContextQA, prompts.QAInput{Context: formatPassages(passages)})
	if err != nil {
		return Response{}, errs.RAGChain("build prompt", err)
	}

	answer, err := c.llm.Generate(ctx, conversation(system, history, question))
	if err != nil {
		return Response{}, errs.RAGChain("generate answer", err)
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		c.logger.Warn("no answer generated from RAG chain", zap.String("session_id", c.sessionID))
		answer = FallbackAnswer
	}

	sources := mergeSources(passages)
	c.annotate(ctx, sources)

	c.logger.Info("RAG chain invoked successfully",
		zap.String("session_id", c.sessionID),
		zap.Int("passages", len(passages)),
		zap.String("answer_preview", preview(answer, 200)),
	)
	return Response{Answer: answer, Question: standalone, Sources: sources, Passages: passages}, nil
}

// rewrite asks the model for a standalone form of question, falling back to
// question itself on an empty reply.
func (c *Chain) rewrite(ctx context.Context, question string, history []llm.Message) (string, error) {
	system, err := prompts.Render(prompts.ContextualizeQuestion, nil)
	if err != nil {
		return "", err
	}

	rewritten, err := c.llm.Generate(ctx, conversation(system, history, question))
	if err != nil {
		return "", err
	}
	if rewritten = strings.TrimSpace(rewritten); rewritten == "" {
		return question, nil
	}
	return rewritten, nil
}

func (c *Chain) annotate(ctx context.Context, sources []Source) {
	if c.graph == nil || len(sources) == 0 {
		return
	}

	names := make([]string, len(sources))
	for i := range sources {
		names[i] = sources[i].Source
	}
	counts, err := c.graph.ChunkCounts(ctx, c.sessionID, names)
	if err != nil {
		c.logger.Warn("graph insights error", zap.Error(err))
		return
	}
	for i := range sources {
		sources[i].ChunkCount = counts[sources[i].Source]
	}
}

func conversation(system string, history []llm.Message, question string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, history...)
	return append(messages, llm.Message{Role: llm.RoleUser, Content: question})
}

// formatPassages joins passage texts with blank lines, in ranked order.
func formatPassages(passages []index.Match) string {
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n\n")
}

// mergeSources groups passages by source, keeping each source's best score.
func mergeSources(passages []index.Match) []Source {
	grouped := make(map[string]*Source, len(passages))
	order := make([]string, 0, len(passages))
	for _, p := range passages {
		key := p.Metadata[ingestion.MetaSource]
		src, ok := grouped[key]
		if !ok {
			src = &Source{
				Source:   key,
				FileName: p.Metadata[ingestion.MetaFileName],
				Score:    p.Score,
			}
			grouped[key] = src
			order = append(order, key)
		} else if p.Score > src.Score {
			src.Score = p.Score
		}

		if page := p.Metadata[ingestion.MetaPage]; page != "" && !slices.Contains(src.Pages, page) {
			src.Pages = append(src.Pages, page)
		}

		snippet := preview(strings.TrimSpace(p.Text), snippetLimit)
		if src.Snippet == "" {
			src.Snippet = snippet
		} else if !strings.Contains(src.Snippet, snippet) {
			src.Snippet += "\n---\n" + snippet
		}
	}

	sources := make([]Source, 0, len(order))
	for _, key := range order {
		sources = append(sources, *grouped[key])
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})
	return sources
}

func preview(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
