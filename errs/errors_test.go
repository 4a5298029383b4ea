package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("build retriever: %w", Ingestion("extract pdf", "/tmp/a.pdf", io.ErrUnexpectedEOF))

	assert.True(t, errors.Is(err, ErrIngestion))
	assert.False(t, errors.Is(err, ErrConfiguration))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	var typed *Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "/tmp/a.pdf", typed.Path)
}

func TestErrorMessageIncludesPathAndCause(t *testing.T) {
	err := IndexLoad("decode index", "/idx", errors.New("unexpected end of JSON input"))
	assert.Equal(t, "index load error: decode index (/idx): unexpected end of JSON input", err.Error())
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := NotFound("open index", "faiss_index/abc")
	assert.Equal(t, "not found: open index (faiss_index/abc)", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)
}
