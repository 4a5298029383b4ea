// Package prompts holds the fixed prompt templates used by the analysis and
// chat pipelines.
package prompts

import (
	"fmt"
	"strings"
	"text/template"
)

// Type names a registered prompt.
type Type string

const (
	DocumentAnalysis      Type = "document_analysis"
	DocumentComparison    Type = "document_comparison"
	ContextualizeQuestion Type = "contextualize_question"
	ContextQA             Type = "context_qa"
	OutputFixing          Type = "output_fixing"
)

// AnalysisInput fills DocumentAnalysis.
type AnalysisInput struct {
	FormatInstructions string
	DocumentText       string
}

// ComparisonInput fills DocumentComparison.
type ComparisonInput struct {
	FormatInstructions string
	CombinedDocs       string
}

// QAInput fills ContextQA.
type QAInput struct {
	Context string
}

// FixingInput fills OutputFixing.
type FixingInput struct {
	FormatInstructions string
	Completion         string
	Error              string
}

const documentAnalysis = `You are a highly capable assistant trained to analyze and summarize documents.
Return ONLY valid JSON matching the exact schema below.

{{.FormatInstructions}}

Analyze this document:
{{.DocumentText}}`

const documentComparison = `You will be provided with content from two PDFs. Your tasks are as follows:

1. Compare the content in the two PDFs.
2. Identify the differences in the PDFs and note down the page number.
3. The output you provide must be a page wise comparison.
4. If a page has no change, write 'NO CHANGE' for it.

Input documents:

{{.CombinedDocs}}

Your response should follow this format:

{{.FormatInstructions}}`

const contextualizeQuestion = `Given a conversation history and the most recent user query, rewrite the query as a standalone question that makes sense without relying on the previous context. Do not provide an answer. Only reformulate the question if necessary, otherwise return it unchanged.`

const contextQA = `You are an assistant designed to answer questions using the provided context. Rely only on the retrieved information to form your answer.
If the answer is not found in the context, respond with "I don't know."
Keep your answer concise and no longer than three sentences.

{{.Context}}`

const outputFixing = `Instructions:
--------------
{{.FormatInstructions}}
--------------
Completion:
--------------
{{.Completion}}
--------------

Above, the Completion did not satisfy the constraints given in the Instructions.
Error:
--------------
{{.Error}}
--------------

Please try again. Please only respond with an answer that satisfies the constraints laid out in the Instructions:`

var registry = map[Type]*template.Template{
	DocumentAnalysis:      mustParse(DocumentAnalysis, documentAnalysis),
	DocumentComparison:    mustParse(DocumentComparison, documentComparison),
	ContextualizeQuestion: mustParse(ContextualizeQuestion, contextualizeQuestion),
	ContextQA:             mustParse(ContextQA, contextQA),
	OutputFixing:          mustParse(OutputFixing, outputFixing),
}

func mustParse(name Type, text string) *template.Template {
	return template.Must(template.New(string(name)).Option("missingkey=error").Parse(text))
}

// Render executes the named prompt with data.
func Render(name Type, data any) (string, error) {
	tmpl, ok := registry[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return b.String(), nil
}

// Types lists the registered prompts.
func Types() []Type {
	return []Type{DocumentAnalysis, DocumentComparison, ContextualizeQuestion, ContextQA, OutputFixing}
}
