package ingestion

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/logging"
)

// ReadPDFPages returns every page of the PDF at path as
// "\n---Page N---\n<text>", empty pages included.
func ReadPDFPages(path string) (string, error) {
	pages, err := extractPDF(path)
	if err != nil {
		return "", errs.Ingestion("read pdf", path, err)
	}

	var b strings.Builder
	for _, page := range pages {
		fmt.Fprintf(&b, "\n---Page %d---\n%s", page.Number, page.Text)
	}
	return b.String(), nil
}

// readNonEmptyPages is ReadPDFPages without blank pages, pages joined by a
// newline. Encrypted files are rejected.
func readNonEmptyPages(path string) (string, int, error) {
	pages, err := extractPDF(path)
	if err != nil {
		return "", 0, errs.Ingestion("read pdf", path, err)
	}

	parts := make([]string, 0, len(pages))
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("\n---Page %d---\n%s", page.Number, page.Text))
	}
	return strings.Join(parts, "\n"), len(parts), nil
}

// CombinePDFs concatenates every PDF directly inside dir, sorted by file name,
// as "Document: <name>\n<pages>" blocks separated by blank lines.
func CombinePDFs(dir string, logger *zap.Logger) (string, error) {
	logger = logging.OrNop(logger)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errs.Ingestion("combine documents", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && DetectFormat(entry.Name()) == FormatPDF {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		content, pages, err := readNonEmptyPages(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		logger.Info("pdf read", zap.String("file", name), zap.Int("pages", pages))
		parts = append(parts, fmt.Sprintf("Document: %s\n%s", name, content))
	}

	logger.Info("files combined", zap.Int("count", len(parts)), zap.String("dir", dir))
	return strings.Join(parts, "\n\n"), nil
}

// ConcatForAnalysis labels each document with its source.
func ConcatForAnalysis(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		src := doc.Source()
		if src == "" {
			src = "Unknown"
		}
		parts = append(parts, fmt.Sprintf("\n --SOURCE: %s-- \n%s", src, doc.Text))
	}
	return strings.Join(parts, "\n")
}

// ConcatForComparison renders two labelled document sets for a diff prompt.
func ConcatForComparison(reference, actual []Document) string {
	return fmt.Sprintf("Reference Documents:\n%s\n\nActual Documents:\n%s",
		ConcatForAnalysis(reference), ConcatForAnalysis(actual))
}
