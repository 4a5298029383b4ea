package analysis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/ingestion"
	"github.com/fabfab/document-portal/llm"
	"github.com/fabfab/document-portal/logging"
	"github.com/fabfab/document-portal/prompts"
	"github.com/fabfab/document-portal/session"
)

// ChangeRow is one page of a comparison table.
type ChangeRow struct {
	Page    NumberOrString `json:"page"`
	Changes string         `json:"changes"`
}

// Comparator produces page-wise change tables for a pair of documents.
type Comparator struct {
	client llm.Client
	parser *Parser[[]ChangeRow]
	logger *zap.Logger
}

func NewComparator(client llm.Client, logger *zap.Logger) (*Comparator, error) {
	logger = logging.OrNop(logger)
	parser, err := NewParser[[]ChangeRow](client, logger)
	if err != nil {
		return nil, err
	}
	return &Comparator{client: client, parser: parser, logger: logger}, nil
}

// Compare asks the model to diff combinedDocs. A model reporting no rows
// yields an empty, non-nil table.
func (c *Comparator) Compare(ctx context.Context, combinedDocs string) ([]ChangeRow, error) {
	prompt, err := prompts.Render(prompts.DocumentComparison, prompts.ComparisonInput{
		FormatInstructions: c.parser.FormatInstructions(),
		CombinedDocs:       combinedDocs,
	})
	if err != nil {
		return nil, err
	}

	completion, err := c.client.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("generate comparison: %w", err)
	}

	rows, err := c.parser.Parse(ctx, completion)
	if err != nil {
		c.logger.Error("error in comparing documents", zap.Error(err))
		return nil, err
	}
	if rows == nil {
		rows = []ChangeRow{}
	}
	c.logger.Info("documents compared successfully", zap.Int("rows", len(rows)))
	return rows, nil
}

// ComparisonResult is the outcome of CompareUploads.
type ComparisonResult struct {
	SessionID string      `json:"session_id"`
	Rows      []ChangeRow `json:"rows"`
}

// CompareUploads saves both PDFs into a fresh comparison session under base,
// combines every PDF in that session and diffs them. Identical content under
// different names is compared as two documents.
func (c *Comparator) CompareUploads(ctx context.Context, base string, reference, actual session.Upload) (ComparisonResult, error) {
	if reference == nil || actual == nil {
		return ComparisonResult{}, errs.InvalidInput("compare documents", fmt.Errorf("reference and actual files are required"))
	}
	if session.SameName(reference, actual) {
		return ComparisonResult{}, errs.InvalidInput("compare documents",
			fmt.Errorf("reference and actual share the file name %q; rename one of them", actual.Name()))
	}

	sess, err := session.Allocate(base, "")
	if err != nil {
		return ComparisonResult{}, err
	}
	for _, upload := range []session.Upload{reference, actual} {
		path, err := session.SavePDF(sess.Dir, upload)
		if err != nil {
			return ComparisonResult{}, err
		}
		c.logger.Info("pdf saved", zap.String("path", path), zap.String("session_id", sess.ID))
	}

	combined, err := ingestion.CombinePDFs(sess.Dir, c.logger)
	if err != nil {
		return ComparisonResult{}, err
	}

	rows, err := c.Compare(ctx, combined)
	if err != nil {
		return ComparisonResult{}, err
	}
	return ComparisonResult{SessionID: sess.ID, Rows: rows}, nil
}
