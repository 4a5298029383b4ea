package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/logging"
)

const (
	IndexFileName  = "index.json"
	LedgerFileName = "ingested_meta.json"

	indexFormatVersion = 1
)

type indexFile struct {
	Version   int     `json:"version"`
	Dimension int     `json:"dimension"`
	Entries   []Entry `json:"entries"`
}

// Ledger is the on-disk fingerprint set, {"rows": {fingerprint: true}}.
type Ledger struct {
	Rows map[string]bool `json:"rows"`
}

// FileStore keeps an index as two JSON files in one directory: the entries
// in index.json and the fingerprint ledger in ingested_meta.json. The index
// file is written first; the ledger is derived from it and reconciled on load.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu        sync.RWMutex
	entries   []Entry
	seen      map[string]bool
	dimension int
}

func NewFileStore(dir string, logger *zap.Logger) *FileStore {
	return &FileStore{
		dir:    dir,
		logger: logging.OrNop(logger),
		seen:   make(map[string]bool),
	}
}

// FileStores opens a FileStore per directory.
func FileStores(logger *zap.Logger) StoreOpener {
	return func(location string) Store {
		return NewFileStore(location, logger)
	}
}

func (s *FileStore) Location() string { return s.dir }

func (s *FileStore) indexPath() string  { return filepath.Join(s.dir, IndexFileName) }
func (s *FileStore) ledgerPath() string { return filepath.Join(s.dir, LedgerFileName) }

func (s *FileStore) Load(_ context.Context) (bool, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errs.IndexLoad("read index", s.indexPath(), err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return false, errs.IndexLoad("decode index", s.indexPath(), err)
	}
	if file.Version != indexFormatVersion {
		return false, errs.IndexLoad("decode index", s.indexPath(), fmt.Errorf("unsupported index version %d", file.Version))
	}

	seen := make(map[string]bool, len(file.Entries))
	for i, e := range file.Entries {
		if e.Fingerprint == "" {
			return false, errs.IndexLoad("decode index", s.indexPath(), fmt.Errorf("entry %d has no fingerprint", i))
		}
		if len(e.Vector) != file.Dimension {
			return false, errs.IndexLoad("decode index", s.indexPath(), fmt.Errorf("entry %d has dimension %d, index has %d", i, len(e.Vector), file.Dimension))
		}
		seen[e.Fingerprint] = true
	}

	s.mu.Lock()
	s.entries = file.Entries
	s.seen = seen
	s.dimension = file.Dimension
	s.mu.Unlock()

	s.reconcileLedger(seen)
	return true, nil
}

// reconcileLedger rewrites the ledger when it disagrees with the index, as
// after a crash between the two writes.
func (s *FileStore) reconcileLedger(seen map[string]bool) {
	ledger, err := readLedger(s.ledgerPath())
	if err != nil {
		s.logger.Warn("ledger unreadable, rebuilding from index", zap.String("path", s.ledgerPath()), zap.Error(err))
		ledger = Ledger{}
	}

	missing, stale := 0, 0
	for fp := range seen {
		if !ledger.Rows[fp] {
			missing++
		}
	}
	for fp := range ledger.Rows {
		if !seen[fp] {
			stale++
		}
	}
	if missing == 0 && stale == 0 && err == nil {
		return
	}

	if werr := writeJSONAtomic(s.ledgerPath(), Ledger{Rows: seen}); werr != nil {
		s.logger.Warn("ledger reconcile failed", zap.String("path", s.ledgerPath()), zap.Error(werr))
		return
	}
	s.logger.Warn("ledger reconciled with index",
		zap.String("dir", s.dir),
		zap.Int("restored", missing),
		zap.Int("dropped", stale),
	)
}

func (s *FileStore) Seen(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seen[fingerprint]
}

func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Append writes the extended index file, then the ledger. Once the index file
// is durable the entries count as persisted even if the ledger write fails;
// that failure is still returned.
func (s *FileStore) Append(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dimension := s.dimension
	if len(s.entries) == 0 {
		dimension = len(entries[0].Vector)
	}
	for _, e := range entries {
		if len(e.Vector) != dimension {
			return fmt.Errorf("vector dimension %d does not match index dimension %d", len(e.Vector), dimension)
		}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	next := make([]Entry, 0, len(s.entries)+len(entries))
	next = append(next, s.entries...)
	next = append(next, entries...)

	if err := writeJSONAtomic(s.indexPath(), indexFile{Version: indexFormatVersion, Dimension: dimension, Entries: next}); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	seen := make(map[string]bool, len(next))
	for _, e := range next {
		seen[e.Fingerprint] = true
	}
	s.entries = next
	s.seen = seen
	s.dimension = dimension

	if err := writeJSONAtomic(s.ledgerPath(), Ledger{Rows: seen}); err != nil {
		return fmt.Errorf("index written but ledger update failed: %w", err)
	}
	return nil
}

func (s *FileStore) Search(_ context.Context, query []float32, limit int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) > 0 && len(query) != s.dimension {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), s.dimension)
	}
	return rankEntries(s.entries, query, limit), nil
}

func readLedger(path string) (Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Ledger{}, err
	}

	var ledger Ledger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return Ledger{}, err
	}
	if ledger.Rows == nil {
		ledger.Rows = map[string]bool{}
	}
	return ledger, nil
}

// writeJSONAtomic replaces path with the JSON encoding of v via a temp file
// and rename in the same directory.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

var _ Store = (*FileStore)(nil)
