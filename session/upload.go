package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/logging"
)

// Upload is any named byte source: an HTTP multipart part, a local file or an
// in-memory buffer.
type Upload interface {
	Name() string
	Bytes() ([]byte, error)
}

// BytesUpload is an in-memory Upload.
type BytesUpload struct {
	FileName string
	Data     []byte
}

func (u BytesUpload) Name() string { return u.FileName }

func (u BytesUpload) Bytes() ([]byte, error) { return u.Data, nil }

// FileUpload reads a local file lazily.
type FileUpload string

func (u FileUpload) Name() string { return filepath.Base(string(u)) }

func (u FileUpload) Bytes() ([]byte, error) { return os.ReadFile(string(u)) }

// SaveUploads writes every upload accepted by allow into dir and returns the
// saved paths in input order. Rejected names are skipped with a warning.
func SaveUploads(dir string, uploads []Upload, allow func(name string) bool, logger *zap.Logger) ([]string, error) {
	logger = logging.OrNop(logger)

	paths := make([]string, 0, len(uploads))
	for _, upload := range uploads {
		name, err := cleanName(upload.Name())
		if err != nil {
			return nil, err
		}
		if allow != nil && !allow(name) {
			logger.Warn("unsupported file skipped", zap.String("filename", name))
			continue
		}

		path, err := save(dir, name, upload)
		if err != nil {
			return nil, err
		}
		logger.Info("file saved", zap.String("filename", name), zap.String("path", path))
		paths = append(paths, path)
	}
	return paths, nil
}

// SavePDF writes a single upload into dir, rejecting anything that is not a PDF.
func SavePDF(dir string, upload Upload) (string, error) {
	name, err := cleanName(upload.Name())
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return "", errs.InvalidInput("save upload", fmt.Errorf("only PDF files are allowed, got %q", name))
	}
	return save(dir, name, upload)
}

// SameName reports whether a and b would be saved to the same file.
// Names are compared case-insensitively for case-folding filesystems.
func SameName(a, b Upload) bool {
	nameA, errA := cleanName(a.Name())
	nameB, errB := cleanName(b.Name())
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(nameA, nameB)
}

func save(dir, name string, upload Upload) (string, error) {
	data, err := upload.Bytes()
	if err != nil {
		return "", fmt.Errorf("read upload %s: %w", name, err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload %s: %w", name, err)
	}
	return path, nil
}

func cleanName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", errs.InvalidInput("save upload", fmt.Errorf("invalid file name %q", name))
	}
	return base, nil
}
