// Package ingestion turns uploaded files into text records and overlapping
// chunks ready for embedding.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatPDF represents PDF documents, loaded one record per page.
	FormatPDF DocumentFormat = "pdf"
	// FormatDOCX represents Word documents.
	FormatDOCX DocumentFormat = "docx"
	// FormatText represents UTF-8 plain text.
	FormatText DocumentFormat = "txt"
	// FormatMarkdown represents Markdown documents.
	FormatMarkdown DocumentFormat = "md"
)

// Page is one unit of extracted text. Number is 1-based for paginated formats
// and 0 otherwise.
type Page struct {
	Text   string
	Number int
}

type extractFunc func(path string) ([]Page, error)

// extractors is the closed dispatch table for supported formats.
var extractors = map[DocumentFormat]extractFunc{
	FormatPDF:      extractPDF,
	FormatDOCX:     extractDOCX,
	FormatText:     extractText,
	FormatMarkdown: extractText,
}

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".txt":
		return FormatText
	case ".md", ".markdown":
		return FormatMarkdown
	default:
		return FormatUnknown
	}
}

// Supported reports whether name has an extension the loader can extract.
func Supported(name string) bool {
	_, ok := extractors[DetectFormat(name)]
	return ok
}

// Extract returns the pages of a supported file.
func Extract(path string) ([]Page, error) {
	extract, ok := extractors[DetectFormat(path)]
	if !ok {
		return nil, errUnsupported(path)
	}
	return extract(path)
}
