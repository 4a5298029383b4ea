package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/fabfab/document-portal/session"
)

const maxUploadMemory = 32 << 20

// multipartUpload adapts an uploaded form file to session.Upload.
type multipartUpload struct {
	header *multipart.FileHeader
}

func (u multipartUpload) Name() string { return u.header.Filename }

func (u multipartUpload) Bytes() ([]byte, error) {
	f, err := u.header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", u.header.Filename, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func parseMultipart(r *http.Request) error {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return fmt.Errorf("parse multipart form: %w", err)
	}
	return nil
}

// parseForm accepts both url-encoded and multipart bodies.
func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		return parseMultipart(r)
	}
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	return nil
}

func formFile(r *http.Request, field string) (session.Upload, error) {
	if r.MultipartForm != nil {
		if headers := r.MultipartForm.File[field]; len(headers) > 0 {
			return multipartUpload{header: headers[0]}, nil
		}
	}
	return nil, errors.New(field + " file is required")
}

// formFiles collects uploads from every named field, in order.
func formFiles(r *http.Request, fields ...string) []session.Upload {
	if r.MultipartForm == nil {
		return nil
	}
	var uploads []session.Upload
	for _, field := range fields {
		for _, header := range r.MultipartForm.File[field] {
			uploads = append(uploads, multipartUpload{header: header})
		}
	}
	return uploads
}

var _ session.Upload = multipartUpload{}
