// Package errs defines the error taxonomy shared by the ingestion, index, chat
// and analysis packages.
package errs

import (
	"errors"
	"fmt"
)

// Kind sentinels. Match them with errors.Is.
var (
	// ErrConfiguration covers missing credentials, unknown providers, invalid
	// splitting parameters and empty seed sets. Fatal for the request.
	ErrConfiguration = errors.New("configuration error")

	// ErrIngestion covers extraction and splitting failures. Aborts the batch.
	ErrIngestion = errors.New("ingestion error")

	// ErrIndexLoad indicates unreadable or corrupt index files. Requires a rebuild.
	ErrIndexLoad = errors.New("index load error")

	// ErrEmbedding indicates the embedding provider failed. Callers may retry.
	ErrEmbedding = errors.New("embedding error")

	// ErrRAGChain aborts the current query. The index is never mutated by a query.
	ErrRAGChain = errors.New("rag chain error")

	// ErrParse indicates a structured LLM response could not be decoded, even
	// after the repair attempt.
	ErrParse = errors.New("parse error")

	// ErrInvalidInput indicates a rejected upload or request parameter.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound indicates a session or index directory does not exist.
	ErrNotFound = errors.New("not found")
)

// Error carries a kind, the failed operation, an optional offending path and
// the underlying cause.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Configuration returns an ErrConfiguration error.
func Configuration(op string, err error) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: err}
}

// Ingestion returns an ErrIngestion error naming the offending path.
func Ingestion(op, path string, err error) error {
	return &Error{Kind: ErrIngestion, Op: op, Path: path, Err: err}
}

// IndexLoad returns an ErrIndexLoad error for the index at path.
func IndexLoad(op, path string, err error) error {
	return &Error{Kind: ErrIndexLoad, Op: op, Path: path, Err: err}
}

// Embedding returns an ErrEmbedding error.
func Embedding(op string, err error) error {
	return &Error{Kind: ErrEmbedding, Op: op, Err: err}
}

// RAGChain returns an ErrRAGChain error.
func RAGChain(op string, err error) error {
	return &Error{Kind: ErrRAGChain, Op: op, Err: err}
}

// Parse returns an ErrParse error.
func Parse(op string, err error) error {
	return &Error{Kind: ErrParse, Op: op, Err: err}
}

// InvalidInput returns an ErrInvalidInput error.
func InvalidInput(op string, err error) error {
	return &Error{Kind: ErrInvalidInput, Op: op, Err: err}
}

// NotFound returns an ErrNotFound error for path.
func NotFound(op, path string) error {
	return &Error{Kind: ErrNotFound, Op: op, Path: path}
}
