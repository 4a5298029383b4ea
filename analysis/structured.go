// Package analysis extracts structured metadata from a document and page-wise
// change tables from a pair of documents.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/llm"
	"github.com/fabfab/document-portal/logging"
	"github.com/fabfab/document-portal/prompts"
)

// NumberOrString holds a JSON value the model may emit either as an integer or
// as text, such as a page count of 12 or "Not Available".
type NumberOrString string

func (v *NumberOrString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = NumberOrString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("want number or string, got %s", data)
	}
	*v = NumberOrString(n.String())
	return nil
}

func (v NumberOrString) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(v), 10, 64); err == nil {
		return []byte(v), nil
	}
	return json.Marshal(string(v))
}

var schemaOverrides = map[reflect.Type]*jsonschema.Schema{
	reflect.TypeFor[NumberOrString](): {Types: []string{"integer", "string"}},
}

// Parser decodes model completions into T. A completion that fails to decode
// or validate gets exactly one repair round trip through the model.
type Parser[T any] struct {
	client       llm.Client
	schema       *jsonschema.Resolved
	instructions string
	logger       *zap.Logger
}

// NewParser derives T's JSON schema. client may be nil, which disables repair.
func NewParser[T any](client llm.Client, logger *zap.Logger) (*Parser[T], error) {
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{TypeSchemas: schemaOverrides})
	if err != nil {
		return nil, fmt.Errorf("infer schema: %w", err)
	}
	allowExtraProperties(schema)

	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}

	return &Parser[T]{
		client:       client,
		schema:       resolved,
		instructions: formatInstructions(raw),
		logger:       logging.OrNop(logger),
	}, nil
}

func formatInstructions(schema []byte) string {
	return "The output should be formatted as a JSON instance that conforms to the JSON schema below.\n\n" +
		"Here is the output schema:\n```json\n" + string(schema) + "\n```"
}

// FormatInstructions describes the expected output for inclusion in a prompt.
func (p *Parser[T]) FormatInstructions() string {
	return p.instructions
}

// Parse decodes completion. On failure it asks the model once to fix its
// output and returns an ErrParse error if the fixed output fails too.
func (p *Parser[T]) Parse(ctx context.Context, completion string) (T, error) {
	value, err := p.decode(completion)
	if err == nil {
		return value, nil
	}
	if p.client == nil {
		return value, errs.Parse("parse completion", err)
	}

	p.logger.Warn("completion did not match schema, repairing", zap.Error(err))
	prompt, renderErr := prompts.Render(prompts.OutputFixing, prompts.FixingInput{
		FormatInstructions: p.instructions,
		Completion:         completion,
		Error:              err.Error(),
	})
	if renderErr != nil {
		return value, renderErr
	}

	fixed, genErr := p.client.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if genErr != nil {
		return value, errs.Parse("repair completion", genErr)
	}

	value, err = p.decode(fixed)
	if err != nil {
		return value, errs.Parse("parse repaired completion", err)
	}
	return value, nil
}

func (p *Parser[T]) decode(completion string) (T, error) {
	var value T
	payload := stripCodeFence(completion)
	if payload == "" {
		return value, fmt.Errorf("empty completion")
	}

	var instance any
	if err := json.Unmarshal([]byte(payload), &instance); err != nil {
		return value, fmt.Errorf("decode json: %w", err)
	}
	if err := p.schema.Validate(instance); err != nil {
		return value, err
	}
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return value, fmt.Errorf("decode %T: %w", value, err)
	}
	return value, nil
}

// stripCodeFence returns the body of the first ``` block in s, or s trimmed
// when it has none.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the language tag, if any.
		if tag := strings.TrimSpace(body[:nl]); !strings.ContainsAny(tag, "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// allowExtraProperties drops the closed-object constraint so extra keys in a
// completion are ignored rather than rejected.
func allowExtraProperties(s *jsonschema.Schema) {
	if s == nil {
		return
	}
	if s.Type == "object" && s.Properties != nil {
		s.AdditionalProperties = nil
	}
	for _, prop := range s.Properties {
		allowExtraProperties(prop)
	}
	allowExtraProperties(s.Items)
}
