package executors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Doctor0Evil/Cybulous/pkg/orchestrator"
)

var ErrInvalidParameters = errors.New("invalid tool parameters")

// Schema validates call parameters against a JSON Schema before delegating.
type Schema struct {
	next   orchestrator.ToolExecutor
	schema *jsonschema.Schema
}

// WithSchema wraps next with a compiled Draft 2020-12 schema.
func WithSchema(next orchestrator.ToolExecutor, schema string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://cybulous.schemas.local/tools/%s.schema.json", next.Name())
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("tool schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("tool schema compile failed: %w", err)
	}
	return &Schema{next: next, schema: compiled}, nil
}

func (s *Schema) Execute(ctx context.Context, call *orchestrator.ToolCall) (any, error) {
	params, err := DecodeParameters(call)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	if params == nil {
		return nil, fmt.Errorf("%w: missing parameters for %s", ErrInvalidParameters, call.ToolName)
	}
	if err := s.schema.Validate(params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	return s.next.Execute(ctx, call)
}

func (s *Schema) Name() string {
	return s.next.Name()
}

func (s *Schema) SupportsCapability(capability string) bool {
	return s.next.SupportsCapability(capability)
}
