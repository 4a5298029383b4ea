package index

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/document-portal/embeddings"
	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/ingestion"
	"github.com/fabfab/document-portal/logging"
)

const defaultBatchSize = 64

// Manager opens indexes by location and serializes writes per location. An
// index opened once is cached for the life of the Manager.
type Manager struct {
	embedder  embeddings.Embedder
	open      StoreOpener
	logger    *zap.Logger
	batchSize int

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	indexes map[string]*Index
}

type Option func(*Manager)

// WithBatchSize sets how many chunks are embedded per provider call.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.OrNop(logger)
	}
}

func NewManager(embedder embeddings.Embedder, open StoreOpener, opts ...Option) *Manager {
	m := &Manager{
		embedder:  embedder,
		open:      open,
		logger:    zap.NewNop(),
		batchSize: defaultBatchSize,
		locks:     make(map[string]*sync.Mutex),
		indexes:   make(map[string]*Index),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadOrCreate returns the index persisted at location. When nothing is
// persisted there, it builds one from seed, which must then be non-empty,
// and reports how many seed chunks were written. Seed fingerprints are
// recorded, so adding the same chunks afterwards adds nothing.
func (m *Manager) LoadOrCreate(ctx context.Context, location string, seed []ingestion.Chunk) (*Index, int, error) {
	lock := m.lockFor(location)
	lock.Lock()
	defer lock.Unlock()

	ix, found, err := m.openLocked(ctx, location, lock)
	if err != nil {
		return nil, 0, err
	}
	if found {
		return ix, 0, nil
	}

	if len(seed) == 0 {
		return nil, 0, errs.Configuration("no text provided for index creation", nil)
	}

	added, err := ix.add(ctx, seed)
	if err != nil {
		return nil, 0, err
	}
	if added == 0 {
		return nil, 0, errs.Configuration("seed chunks produced no index entries", nil)
	}

	m.remember(location, ix)
	m.logger.Info("index created", zap.String("location", ix.store.Location()), zap.Int("entries", added))
	return ix, added, nil
}

// Load returns the index persisted at location, or a not-found error.
func (m *Manager) Load(ctx context.Context, location string) (*Index, error) {
	lock := m.lockFor(location)
	lock.Lock()
	defer lock.Unlock()

	ix, found, err := m.openLocked(ctx, location, lock)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("load index", location)
	}
	return ix, nil
}

// openLocked returns a cached or freshly loaded index. The caller holds lock.
func (m *Manager) openLocked(ctx context.Context, location string, lock *sync.Mutex) (*Index, bool, error) {
	m.mu.Lock()
	cached, ok := m.indexes[location]
	m.mu.Unlock()
	if ok {
		return cached, true, nil
	}

	store := m.open(location)
	found, err := store.Load(ctx)
	if err != nil {
		return nil, false, err
	}

	ix := &Index{
		store:     store,
		embedder:  m.embedder,
		batchSize: m.batchSize,
		logger:    m.logger,
		mu:        lock,
	}
	if found {
		m.remember(location, ix)
		m.logger.Info("index loaded", zap.String("location", store.Location()), zap.Int("entries", store.Len()))
	}
	return ix, found, nil
}

func (m *Manager) lockFor(location string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[location]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[location] = lock
	}
	return lock
}

func (m *Manager) remember(location string, ix *Index) {
	m.mu.Lock()
	m.indexes[location] = ix
	m.mu.Unlock()
}

// Index is an append-only, deduplicated vector index.
type Index struct {
	store     Store
	embedder  embeddings.Embedder
	batchSize int
	logger    *zap.Logger
	// mu is shared by every holder of this location's index.
	mu *sync.Mutex
}

// Len returns the number of persisted entries.
func (ix *Index) Len() int { return ix.store.Len() }

// Location names the backing store.
func (ix *Index) Location() string { return ix.store.Location() }

// Seen reports whether a chunk with this text and metadata is already indexed.
func (ix *Index) Seen(text string, metadata map[string]string) bool {
	return ix.store.Seen(Fingerprint(text, metadata))
}

// Add embeds and persists the chunks whose fingerprints are not yet indexed
// and returns how many were added. Nothing is marked seen unless the write
// succeeds.
func (ix *Index) Add(ctx context.Context, chunks []ingestion.Chunk) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.add(ctx, chunks)
}

func (ix *Index) add(ctx context.Context, chunks []ingestion.Chunk) (int, error) {
	fresh, fingerprints := ix.filterNew(chunks)
	if len(fresh) == 0 {
		ix.logger.Info("no new chunks to index", zap.String("location", ix.store.Location()), zap.Int("offered", len(chunks)))
		return 0, nil
	}

	texts := make([]string, len(fresh))
	for i, c := range fresh {
		texts[i] = c.Text
	}
	vectors, err := embeddings.EmbedInBatches(ctx, ix.embedder, texts, ix.batchSize)
	if err != nil {
		return 0, err
	}

	entries := make([]Entry, len(fresh))
	for i, c := range fresh {
		entries[i] = Entry{
			ID:          uuid.New().String(),
			Fingerprint: fingerprints[i],
			Text:        c.Text,
			Metadata:    c.Metadata,
			Vector:      vectors[i],
		}
	}

	if err := ix.store.Append(ctx, entries); err != nil {
		return 0, errs.Ingestion("persist index", ix.store.Location(), err)
	}

	ix.logger.Info("chunks indexed",
		zap.String("location", ix.store.Location()),
		zap.Int("added", len(entries)),
		zap.Int("skipped", len(chunks)-len(entries)),
	)
	return len(entries), nil
}

// filterNew returns the chunks not yet persisted, first occurrence wins
// within the batch, with their fingerprints.
func (ix *Index) filterNew(chunks []ingestion.Chunk) ([]ingestion.Chunk, []string) {
	batch := make(map[string]bool, len(chunks))
	fresh := make([]ingestion.Chunk, 0, len(chunks))
	fingerprints := make([]string, 0, len(chunks))

	for _, c := range chunks {
		fp := Fingerprint(c.Text, c.Metadata)
		if batch[fp] || ix.store.Seen(fp) {
			continue
		}
		batch[fp] = true
		fresh = append(fresh, c)
		fingerprints = append(fingerprints, fp)
	}
	return fresh, fingerprints
}
