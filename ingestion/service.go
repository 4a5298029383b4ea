package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/logging"
)

// Metadata keys attached to every Document and inherited by its chunks.
const (
	MetaSource     = "source"
	MetaFileName   = "file_name"
	MetaFileType   = "file_type"
	MetaTitle      = "title"
	MetaPage       = "page"
	MetaTotalPages = "total_pages"
	MetaRowID      = "row_id"
)

// Document is one immutable extracted record: a PDF page or a whole text file.
type Document struct {
	Text     string
	Metadata map[string]string
}

// Source returns the record's source path, or "" when unknown.
func (d Document) Source() string {
	return d.Metadata[MetaSource]
}

// Loader extracts documents from files on disk.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{logger: logging.OrNop(logger)}
}

// Load extracts every supported file in paths, in order. Unsupported files are
// skipped with a warning; the first extraction failure aborts the whole batch.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Document, error) {
	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		format := DetectFormat(path)
		extract, ok := extractors[format]
		if !ok {
			l.logger.Warn("unsupported extension skipped", zap.String("path", path))
			continue
		}

		pages, err := extract(path)
		if err != nil {
			l.logger.Error("failed to load document", zap.String("path", path), zap.Error(err))
			return nil, errs.Ingestion("load document", path, err)
		}

		docs = append(docs, toDocuments(path, format, pages)...)
	}

	l.logger.Info("documents loaded", zap.Int("count", len(docs)), zap.Int("files", len(paths)))
	return docs, nil
}

func toDocuments(path string, format DocumentFormat, pages []Page) []Document {
	docs := make([]Document, 0, len(pages))
	name := filepath.Base(path)

	for _, page := range pages {
		md := map[string]string{
			MetaSource:   path,
			MetaFileName: name,
			MetaFileType: string(format),
		}
		if format == FormatPDF {
			md[MetaPage] = strconv.Itoa(page.Number)
			md[MetaTotalPages] = strconv.Itoa(len(pages))
		}
		if format == FormatMarkdown {
			md[MetaTitle] = ExtractTitle(page.Text, name)
		} else if title := firstNonEmptyLine(page.Text); title != "" && format != FormatPDF {
			md[MetaTitle] = title
		}
		docs = append(docs, Document{Text: page.Text, Metadata: md})
	}
	return docs
}

// CollectFiles walks dir and returns every supported file path, sorted.
func CollectFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if Supported(d.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk data directory: %w", err)
	}

	sort.Strings(paths)
	return paths, nil
}

func errUnsupported(path string) error {
	return errs.Ingestion("detect format", path, errors.New("unsupported file extension"))
}
