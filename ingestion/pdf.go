package ingestion

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrEncrypted is returned for password-protected PDFs.
var ErrEncrypted = errors.New("encrypted PDFs are not supported")

func extractPDF(path string) (pages []Page, err error) {
	file, reader, err := openPDF(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("read pdf: %v", r)
		}
	}()

	total := reader.NumPage()
	pages = make([]Page, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		// Page text starts with the line break that precedes the first text run.
		text = strings.TrimLeft(text, "\r\n")
		pages = append(pages, Page{Text: normalizePlainText(text), Number: i})
	}
	return pages, nil
}

func openPDF(path string) (file *os.File, reader *pdf.Reader, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			if file != nil {
				file.Close()
			}
			file, reader, err = nil, nil, fmt.Errorf("open pdf: %v", r)
		}
	}()

	file, reader, err = pdf.Open(path)
	if err != nil {
		if isEncryptionError(err) {
			return nil, nil, ErrEncrypted
		}
		return nil, nil, fmt.Errorf("open pdf: %w", err)
	}
	if !reader.Trailer().Key("Encrypt").IsNull() {
		file.Close()
		return nil, nil, ErrEncrypted
	}
	return file, reader, nil
}

// The reader reports unsupported encryption schemes as plain errors.
func isEncryptionError(err error) bool {
	if errors.Is(err, pdf.ErrInvalidPassword) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "encrypt")
}
