package analysis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/ingestion"
	"github.com/fabfab/document-portal/llm"
	"github.com/fabfab/document-portal/logging"
	"github.com/fabfab/document-portal/prompts"
	"github.com/fabfab/document-portal/session"
)

// Metadata is the fixed-shape record extracted from a single document.
type Metadata struct {
	Summary          []string       `json:"summary,omitempty" jsonschema:"summary of the document"`
	Title            string         `json:"Title"`
	Author           string         `json:"Author"`
	DateCreated      string         `json:"DateCreated"`
	LastModifiedDate string         `json:"LastModifiedDate"`
	Publisher        string         `json:"Publisher"`
	Language         string         `json:"Language"`
	PageCount        NumberOrString `json:"PageCount"`
	SentimentTone    string         `json:"SentimentTone"`
}

// Analyzer extracts Metadata from document text.
type Analyzer struct {
	client llm.Client
	parser *Parser[Metadata]
	logger *zap.Logger
}

func NewAnalyzer(client llm.Client, logger *zap.Logger) (*Analyzer, error) {
	logger = logging.OrNop(logger)
	parser, err := NewParser[Metadata](client, logger)
	if err != nil {
		return nil, err
	}
	return &Analyzer{client: client, parser: parser, logger: logger}, nil
}

// Analyze asks the model for the metadata of documentText.
func (a *Analyzer) Analyze(ctx context.Context, documentText string) (Metadata, error) {
	prompt, err := prompts.Render(prompts.DocumentAnalysis, prompts.AnalysisInput{
		FormatInstructions: a.parser.FormatInstructions(),
		DocumentText:       documentText,
	})
	if err != nil {
		return Metadata{}, err
	}

	completion, err := a.client.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		return Metadata{}, fmt.Errorf("generate metadata: %w", err)
	}

	md, err := a.parser.Parse(ctx, completion)
	if err != nil {
		a.logger.Error("metadata analysis failed", zap.Error(err))
		return Metadata{}, err
	}
	a.logger.Info("metadata extraction successful", zap.String("title", md.Title))
	return md, nil
}

// AnalysisResult is the outcome of AnalyzeUpload.
type AnalysisResult struct {
	SessionID string   `json:"session_id"`
	Path      string   `json:"path"`
	Metadata  Metadata `json:"metadata"`
}

// AnalyzeUpload saves a PDF into a fresh session under base, reads every page
// and extracts its metadata. Non-PDF uploads are rejected.
func (a *Analyzer) AnalyzeUpload(ctx context.Context, base string, upload session.Upload) (AnalysisResult, error) {
	sess, err := session.Allocate(base, "")
	if err != nil {
		return AnalysisResult{}, err
	}
	path, err := session.SavePDF(sess.Dir, upload)
	if err != nil {
		return AnalysisResult{}, err
	}
	a.logger.Info("pdf saved", zap.String("path", path), zap.String("session_id", sess.ID))

	text, err := ingestion.ReadPDFPages(path)
	if err != nil {
		return AnalysisResult{}, err
	}

	md, err := a.Analyze(ctx, text)
	if err != nil {
		return AnalysisResult{}, err
	}
	return AnalysisResult{SessionID: sess.ID, Path: path, Metadata: md}, nil
}
