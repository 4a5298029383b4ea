package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryTypeIsRegistered(t *testing.T) {
	for _, name := range Types() {
		_, ok := registry[name]
		assert.True(t, ok, name)
	}
}

func TestRenderDocumentAnalysis(t *testing.T) {
	out, err := Render(DocumentAnalysis, AnalysisInput{
		FormatInstructions: "SCHEMA",
		DocumentText:       "page one text",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "SCHEMA")
	assert.Contains(t, out, "Analyze this document:\npage one text")
}

func TestRenderContextQA(t *testing.T) {
	out, err := Render(ContextQA, QAInput{Context: "passage a\n\npassage b"})
	require.NoError(t, err)
	assert.Contains(t, out, "I don't know.")
	assert.Contains(t, out, "passage a\n\npassage b")
}

func TestRenderOutputFixing(t *testing.T) {
	out, err := Render(OutputFixing, FixingInput{
		FormatInstructions: "return JSON",
		Completion:         "not json",
		Error:              "invalid character",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "not json")
	assert.Contains(t, out, "invalid character")
}

func TestRenderContextualizeQuestionTakesNoData(t *testing.T) {
	out, err := Render(ContextualizeQuestion, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "standalone question")
}

func TestRenderErrors(t *testing.T) {
	_, err := Render("summarize", nil)
	assert.Error(t, err)

	_, err = Render(DocumentComparison, QAInput{Context: "wrong shape"})
	assert.Error(t, err)
}
