package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/document-portal/embeddings/embeddingstest"
	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/index"
	"github.com/fabfab/document-portal/ingestion"
	"github.com/fabfab/document-portal/ingestion/ingestiontest"
	"github.com/fabfab/document-portal/knowledge"
	"github.com/fabfab/document-portal/llm"
	"github.com/fabfab/document-portal/llm/llmtest"
	"github.com/fabfab/document-portal/session"
)

type fakeGraph struct {
	mu       sync.Mutex
	synced   []knowledge.Session
	counts   map[string]int
	countErr error
}

func (g *fakeGraph) SyncSession(_ context.Context, sess knowledge.Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.synced = append(g.synced, sess)
	return nil
}

func (g *fakeGraph) ChunkCounts(_ context.Context, _ string, sources []string) (map[string]int, error) {
	if g.countErr != nil {
		return nil, g.countErr
	}
	out := make(map[string]int, len(sources))
	for _, s := range sources {
		out[s] = g.counts[filepath.Base(s)]
	}
	return out, nil
}

type staticRetriever struct {
	matches []index.Match
	err     error
	queries []string
}

func (r *staticRetriever) Retrieve(_ context.Context, query string) ([]index.Match, error) {
	r.queries = append(r.queries, query)
	return r.matches, r.err
}

func match(source, page, text string, score float64) index.Match {
	return index.Match{
		Entry: index.Entry{
			Text: text,
			Metadata: map[string]string{
				ingestion.MetaSource:   "/uploads/" + source,
				ingestion.MetaFileName: source,
				ingestion.MetaPage:     page,
			},
		},
		Score: score,
	}
}

type fixture struct {
	svc        *Service
	llm        *llmtest.Stub
	embedder   *embeddingstest.Letters
	uploadBase string
	indexBase  string
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{
		llm:        llmtest.RAG("The report covers apples."),
		embedder:   &embeddingstest.Letters{},
		uploadBase: filepath.Join(root, "data"),
		indexBase:  filepath.Join(root, "faiss_index"),
	}
	manager := index.NewManager(f.embedder, index.FileStores(nil))
	f.svc = NewService(manager, f.llm, Config{UploadBase: f.uploadBase, IndexBase: f.indexBase}, opts...)
	return f
}

func pageText(word string, n int) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func threePagePDF(t *testing.T) session.Upload {
	t.Helper()
	path := ingestiontest.WritePDF(t, t.TempDir(), "report.pdf",
		pageText("apples", 100),
		pageText("bananas", 100),
		pageText("cherries", 100),
	)
	return session.FileUpload(path)
}

func TestBuildRetrieverThreePagePDF(t *testing.T) {
	f := newFixture(t)

	opts := BuildOptions{UseSessionDirs: true, ChunkSize: 500, ChunkOverlap: 50, K: 3}
	result, err := f.svc.BuildRetriever(context.Background(), []session.Upload{threePagePDF(t)}, opts)
	require.NoError(t, err)

	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, filepath.Join(f.uploadBase, result.SessionID), result.UploadDir)
	assert.Equal(t, filepath.Join(f.indexBase, result.SessionID), result.IndexDir)
	assert.Greater(t, result.Added, 3)
	assert.Equal(t, result.Added, result.Total)
	assert.FileExists(t, filepath.Join(result.IndexDir, index.IndexFileName))
	assert.FileExists(t, filepath.Join(result.IndexDir, index.LedgerFileName))

	passages, err := result.Retriever.Retrieve(context.Background(), "bananas")
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	assert.LessOrEqual(t, len(passages), 3)
	for _, p := range passages {
		assert.Equal(t, "report.pdf", p.Metadata[ingestion.MetaFileName])
	}
	assert.Equal(t, "2", passages[0].Metadata[ingestion.MetaPage])
}

func TestBuildRetrieverIsIdempotent(t *testing.T) {
	f := newFixture(t)
	upload := threePagePDF(t)
	opts := BuildOptions{UseSessionDirs: true, SessionID: "session_fixed", ChunkSize: 500, ChunkOverlap: 50, K: 3}

	first, err := f.svc.BuildRetriever(context.Background(), []session.Upload{upload}, opts)
	require.NoError(t, err)
	embedded := f.embedder.Embedded()

	second, err := f.svc.BuildRetriever(context.Background(), []session.Upload{upload}, opts)
	require.NoError(t, err)

	assert.Equal(t, "session_fixed", second.SessionID)
	assert.Zero(t, second.Added)
	assert.Equal(t, first.Total, second.Total)
	assert.Equal(t, embedded, f.embedder.Embedded())
}

func TestBuildRetrieverWithoutSessionDirs(t *testing.T) {
	f := newFixture(t)
	upload := session.BytesUpload{FileName: "notes.txt", Data: []byte("plain notes about apples")}

	result, err := f.svc.BuildRetriever(context.Background(), []session.Upload{upload}, BuildOptions{ChunkSize: 100, ChunkOverlap: 10, K: 1})
	require.NoError(t, err)

	assert.Equal(t, f.uploadBase, result.UploadDir)
	assert.Equal(t, f.indexBase, result.IndexDir)
	assert.FileExists(t, filepath.Join(f.uploadBase, "notes.txt"))
	assert.FileExists(t, filepath.Join(f.indexBase, index.IndexFileName))
}

func TestBuildRetrieverRejectsOnlyUnsupported(t *testing.T) {
	f := newFixture(t)
	upload := session.BytesUpload{FileName: "table.csv", Data: []byte("a,b")}

	_, err := f.svc.BuildRetriever(context.Background(), []session.Upload{upload}, DefaultBuildOptions())
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestBuildRetrieverInvalidSplitting(t *testing.T) {
	f := newFixture(t)
	upload := session.BytesUpload{FileName: "notes.md", Data: []byte("# Notes\nbody")}

	opts := DefaultBuildOptions()
	opts.ChunkOverlap = opts.ChunkSize
	_, err := f.svc.BuildRetriever(context.Background(), []session.Upload{upload}, opts)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestBuildRetrieverSyncsGraph(t *testing.T) {
	graph := &fakeGraph{}
	f := newFixture(t, WithGraphStore(graph))

	result, err := f.svc.BuildRetriever(context.Background(), []session.Upload{threePagePDF(t)}, BuildOptions{UseSessionDirs: true, ChunkSize: 500, ChunkOverlap: 50, K: 3})
	require.NoError(t, err)

	require.Len(t, graph.synced, 1)
	synced := graph.synced[0]
	assert.Equal(t, result.SessionID, synced.ID)
	require.Len(t, synced.Documents, 1)
	assert.Len(t, synced.Documents[0].Chunks, result.Total)
}

func TestQueryAnswersFromIndex(t *testing.T) {
	graph := &fakeGraph{counts: map[string]int{"report.pdf": 7}}
	f := newFixture(t, WithGraphStore(graph))

	built, err := f.svc.BuildRetriever(context.Background(), []session.Upload{threePagePDF(t)}, BuildOptions{UseSessionDirs: true, ChunkSize: 500, ChunkOverlap: 50, K: 3})
	require.NoError(t, err)

	result, err := f.svc.Query(context.Background(), "what about apples?", QueryOptions{SessionID: built.SessionID, UseSessionDirs: true, K: 3})
	require.NoError(t, err)

	assert.Equal(t, "The report covers apples.", result.Answer)
	assert.Equal(t, built.SessionID, result.SessionID)
	assert.Equal(t, 3, result.K)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "report.pdf", result.Sources[0].FileName)
	assert.Equal(t, 7, result.Sources[0].ChunkCount)
	assert.LessOrEqual(t, len(result.Passages), 3)
}

func TestQueryRequiresSessionID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Query(context.Background(), "anything?", QueryOptions{UseSessionDirs: true})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Empty(t, f.llm.Calls())
	assert.Zero(t, f.embedder.Embedded())
}

func TestQueryMissingIndex(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Query(context.Background(), "anything?", QueryOptions{SessionID: "session_missing", UseSessionDirs: true})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, os.MkdirAll(filepath.Join(f.indexBase, "session_empty"), 0o755))
	_, err = f.svc.Query(context.Background(), "anything?", QueryOptions{SessionID: "session_empty", UseSessionDirs: true})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestChainFormatsPassagesAndHistory(t *testing.T) {
	client := llmtest.RAG("answer")
	retriever := &staticRetriever{matches: []index.Match{
		match("a.pdf", "1", "first passage", 0.9),
		match("b.pdf", "2", "second passage", 0.8),
		match("a.pdf", "3", "third passage", 0.7),
	}}
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "tell me about a"},
		{Role: llm.RoleAssistant, Content: "a is a document"},
	}

	resp, err := NewChain(client, retriever).Invoke(context.Background(), "  and its pages?  ", history)
	require.NoError(t, err)

	assert.Equal(t, "answer", resp.Answer)
	assert.Equal(t, []string{"and its pages?"}, retriever.queries)

	calls := client.Calls()
	require.Len(t, calls, 2)
	for _, call := range calls {
		require.Len(t, call, 4)
		assert.Equal(t, history, call[1:3])
		assert.Equal(t, "and its pages?", call[3].Content)
	}
	assert.Contains(t, calls[1][0].Content, "first passage\n\nsecond passage\n\nthird passage")

	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "a.pdf", resp.Sources[0].FileName)
	assert.Equal(t, []string{"1", "3"}, resp.Sources[0].Pages)
	assert.InDelta(t, 0.9, resp.Sources[0].Score, 1e-9)
	assert.Contains(t, resp.Sources[0].Snippet, "first passage\n---\nthird passage")
}

func TestChainEmptyAnswerFallsBack(t *testing.T) {
	resp, err := NewChain(llmtest.RAG("   "), &staticRetriever{}).Invoke(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, FallbackAnswer, resp.Answer)
	assert.Empty(t, resp.Sources)
}

func TestChainUsesRewrittenQuestion(t *testing.T) {
	client := &llmtest.Stub{Reply: func(messages []llm.Message) (string, error) {
		if strings.Contains(messages[0].Content, "standalone question") {
			return "What does report.pdf say about apples?", nil
		}
		return "It says they are red.", nil
	}}
	retriever := &staticRetriever{}

	resp, err := NewChain(client, retriever).Invoke(context.Background(), "and apples?", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"What does report.pdf say about apples?"}, retriever.queries)
	assert.Equal(t, "What does report.pdf say about apples?", resp.Question)
}

func TestChainFailuresAreRAGChainErrors(t *testing.T) {
	boom := errors.New("boom")

	_, err := NewChain(llmtest.RAG("a"), &staticRetriever{err: boom}).Invoke(context.Background(), "q", nil)
	assert.ErrorIs(t, err, errs.ErrRAGChain)
	assert.ErrorIs(t, err, boom)

	failing := &llmtest.Stub{Reply: func([]llm.Message) (string, error) { return "", boom }}
	_, err = NewChain(failing, &staticRetriever{}).Invoke(context.Background(), "q", nil)
	assert.ErrorIs(t, err, errs.ErrRAGChain)

	_, err = NewChain(llmtest.RAG("a"), nil).Invoke(context.Background(), "q", nil)
	assert.ErrorIs(t, err, errs.ErrRAGChain)

	_, err = NewChain(llmtest.RAG("a"), &staticRetriever{}).Invoke(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, errs.ErrRAGChain)
}

func TestChainIgnoresGraphErrors(t *testing.T) {
	graph := &fakeGraph{countErr: errors.New("neo4j down")}
	retriever := &staticRetriever{matches: []index.Match{match("a.pdf", "1", "text", 0.5)}}

	resp, err := NewChain(llmtest.RAG("ok"), retriever, WithGraph(graph, "s")).Invoke(context.Background(), "q", nil)
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1)
	assert.Zero(t, resp.Sources[0].ChunkCount)
}
