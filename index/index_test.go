package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/ingestion"
)

// letterEmbedder maps text to its a-z letter histogram.
type letterEmbedder struct {
	mu    sync.Mutex
	calls int
	texts int
	err   error
}

func (e *letterEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	e.texts += len(texts)

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 26)
		for _, r := range strings.ToLower(text) {
			if r >= 'a' && r <= 'z' && unicode.IsLetter(r) {
				vec[r-'a']++
			}
		}
		out[i] = vec
	}
	return out, nil
}

func (e *letterEmbedder) embeddedTexts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.texts
}

func chunk(source, row, text string) ingestion.Chunk {
	md := map[string]string{}
	if source != "" {
		md[ingestion.MetaSource] = source
	}
	if row != "" {
		md[ingestion.MetaRowID] = row
	}
	return ingestion.Chunk{Text: text, Metadata: md}
}

func sampleChunks() []ingestion.Chunk {
	return []ingestion.Chunk{
		chunk("a.pdf", "1#0", "aaaa apples and avocados"),
		chunk("a.pdf", "1#1", "bbbb bananas and blueberries"),
		chunk("b.txt", "#0", "zzzz zebras"),
	}
}

func newFileManager(embedder *letterEmbedder) *Manager {
	return NewManager(embedder, FileStores(nil), WithBatchSize(2))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "doc.pdf::3#1", Fingerprint("x", map[string]string{"source": "doc.pdf", "row_id": "3#1"}))
	assert.Equal(t, "doc.pdf::", Fingerprint("x", map[string]string{"source": "doc.pdf"}))
	assert.Equal(t, "alt.txt::", Fingerprint("x", map[string]string{"file_path": "alt.txt"}))

	a := Fingerprint("hello", nil)
	b := Fingerprint("hello!", map[string]string{"page": "1"})
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Fingerprint("hello", map[string]string{}))
}

func TestLoadOrCreateRequiresSeedForNewIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	embedder := &letterEmbedder{}

	_, _, err := newFileManager(embedder).LoadOrCreate(context.Background(), dir, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.NoFileExists(t, filepath.Join(dir, IndexFileName))
	assert.Zero(t, embedder.calls)
}

func TestLoadOrCreatePersistsIndexAndLedger(t *testing.T) {
	dir := t.TempDir()
	embedder := &letterEmbedder{}
	chunks := sampleChunks()

	ix, created, err := newFileManager(embedder).LoadOrCreate(context.Background(), dir, chunks)
	require.NoError(t, err)
	assert.Equal(t, 3, created)
	assert.Equal(t, 3, ix.Len())
	assert.Equal(t, 2, embedder.calls, "batch size 2 over 3 chunks")

	data, err := os.ReadFile(filepath.Join(dir, LedgerFileName))
	require.NoError(t, err)
	var ledger Ledger
	require.NoError(t, json.Unmarshal(data, &ledger))
	assert.Equal(t, map[string]bool{"a.pdf::1#0": true, "a.pdf::1#1": true, "b.txt::#0": true}, ledger.Rows)

	added, err := ix.Add(context.Background(), chunks)
	require.NoError(t, err)
	assert.Zero(t, added, "seed chunks are already recorded")
	assert.Equal(t, 3, embedder.embeddedTexts())
}

func TestAddIsIdempotent(t *testing.T) {
	embedder := &letterEmbedder{}
	ix, _, err := newFileManager(embedder).LoadOrCreate(context.Background(), t.TempDir(), sampleChunks()[:1])
	require.NoError(t, err)

	more := append(sampleChunks(), chunk("a.pdf", "1#1", "duplicate within the batch"))
	added, err := ix.Add(context.Background(), more)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = ix.Add(context.Background(), more)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, 3, ix.Len())
	assert.True(t, ix.Seen("anything", map[string]string{"source": "b.txt", "row_id": "#0"}))
}

func TestHashFallbackDistinguishesContent(t *testing.T) {
	ix, _, err := newFileManager(&letterEmbedder{}).LoadOrCreate(context.Background(), t.TempDir(),
		[]ingestion.Chunk{{Text: "first text"}})
	require.NoError(t, err)

	added, err := ix.Add(context.Background(), []ingestion.Chunk{{Text: "first text"}, {Text: "second text"}})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	chunks := sampleChunks()

	_, _, err := newFileManager(&letterEmbedder{}).LoadOrCreate(context.Background(), dir, chunks)
	require.NoError(t, err)

	embedder := &letterEmbedder{}
	reopened, err := newFileManager(embedder).Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Len())

	added, err := reopened.Add(context.Background(), chunks)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, embedder.embeddedTexts())

	retriever, err := reopened.AsRetriever(1, SearchSimilarity)
	require.NoError(t, err)
	matches, err := retriever.Retrieve(context.Background(), "zzz zebra")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "zzzz zebras", matches[0].Text)
	assert.Equal(t, "b.txt", matches[0].Metadata[ingestion.MetaSource])
}

func TestLoadMissingIndexIsNotFound(t *testing.T) {
	_, err := newFileManager(&letterEmbedder{}).Load(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCorruptIndexIsIndexLoadError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte("{not json"), 0o644))

	_, _, err := newFileManager(&letterEmbedder{}).LoadOrCreate(context.Background(), dir, sampleChunks())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIndexLoad)
}

func TestInconsistentDimensionIsIndexLoadError(t *testing.T) {
	dir := t.TempDir()
	file := indexFile{Version: indexFormatVersion, Dimension: 3, Entries: []Entry{{ID: "1", Fingerprint: "x", Vector: []float32{1}}}}
	data, err := json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), data, 0o644))

	_, err = newFileManager(&letterEmbedder{}).Load(context.Background(), dir)
	assert.ErrorIs(t, err, errs.ErrIndexLoad)
}

func TestLoadReconcilesLedgerWithIndex(t *testing.T) {
	dir := t.TempDir()
	_, _, err := newFileManager(&letterEmbedder{}).LoadOrCreate(context.Background(), dir, sampleChunks())
	require.NoError(t, err)

	// Simulate a crash after the index write: the ledger lost one row and
	// carries one that never reached the index.
	stale := Ledger{Rows: map[string]bool{"a.pdf::1#0": true, "ghost::": true}}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LedgerFileName), data, 0o644))

	_, err = newFileManager(&letterEmbedder{}).Load(context.Background(), dir)
	require.NoError(t, err)

	ledger, err := readLedger(filepath.Join(dir, LedgerFileName))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a.pdf::1#0": true, "a.pdf::1#1": true, "b.txt::#0": true}, ledger.Rows)
}

func TestCorruptLedgerIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	_, _, err := newFileManager(&letterEmbedder{}).LoadOrCreate(context.Background(), dir, sampleChunks())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LedgerFileName), []byte("garbage"), 0o644))

	ix, err := newFileManager(&letterEmbedder{}).Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Len())

	ledger, err := readLedger(filepath.Join(dir, LedgerFileName))
	require.NoError(t, err)
	assert.Len(t, ledger.Rows, 3)
}

func TestEmbeddingFailureLeavesIndexUntouched(t *testing.T) {
	dir := t.TempDir()
	embedder := &letterEmbedder{}
	ix, _, err := newFileManager(embedder).LoadOrCreate(context.Background(), dir, sampleChunks()[:1])
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	require.NoError(t, err)

	embedder.err = errors.New("provider unavailable")
	_, err = ix.Add(context.Background(), sampleChunks())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrEmbedding)

	after, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, ix.Len())

	embedder.err = nil
	added, err := ix.Add(context.Background(), sampleChunks())
	require.NoError(t, err)
	assert.Equal(t, 2, added, "failed chunks are retried")
}

func TestFailedSeedCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	embedder := &letterEmbedder{err: errors.New("boom")}

	_, _, err := newFileManager(embedder).LoadOrCreate(context.Background(), dir, sampleChunks())
	assert.ErrorIs(t, err, errs.ErrEmbedding)
	assert.NoFileExists(t, filepath.Join(dir, IndexFileName))
	assert.NoFileExists(t, filepath.Join(dir, LedgerFileName))
}

func TestLedgerWriteFailureIsFatalButIndexStaysConsistent(t *testing.T) {
	dir := t.TempDir()
	embedder := &letterEmbedder{}
	manager := newFileManager(embedder)
	ix, _, err := manager.LoadOrCreate(context.Background(), dir, sampleChunks()[:1])
	require.NoError(t, err)

	// A directory in the ledger's place makes the rename fail.
	require.NoError(t, os.Remove(filepath.Join(dir, LedgerFileName)))
	require.NoError(t, os.Mkdir(filepath.Join(dir, LedgerFileName), 0o755))

	_, err = ix.Add(context.Background(), sampleChunks())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIngestion)

	added, err := ix.Add(context.Background(), sampleChunks())
	require.NoError(t, err)
	assert.Zero(t, added, "entries already in the index file are not re-added")
	assert.Equal(t, 3, ix.Len())
}

func TestConcurrentAddsAreSerialized(t *testing.T) {
	dir := t.TempDir()
	embedder := &letterEmbedder{}
	manager := newFileManager(embedder)
	_, _, err := manager.LoadOrCreate(context.Background(), dir, sampleChunks()[:1])
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ix, err := manager.Load(context.Background(), dir)
			if !assert.NoError(t, err) {
				return
			}
			batch := make([]ingestion.Chunk, 0, 10)
			for i := 0; i < 10; i++ {
				batch = append(batch, chunk("shared.txt", fmt.Sprintf("#%d", i), fmt.Sprintf("text %d", i)))
			}
			_, err = ix.Add(context.Background(), batch)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ix, err := manager.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 11, ix.Len())
	assert.Equal(t, 11, embedder.embeddedTexts())

	reloaded, err := newFileManager(&letterEmbedder{}).Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 11, reloaded.Len())
}
