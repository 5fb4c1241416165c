package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ggoodman/health-research-mcp/mcp"
	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolHandler handles a tool invocation with raw JSON arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler

	// err records a schema that could not be compiled; NewToolset surfaces it.
	err error
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title       string
	description string
}

// WithToolTitle sets the human-friendly title used in listings.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// NewTool constructs a StaticTool from a typed args struct A. It:
//   - reflects a JSON Schema from A using invopop/jsonschema
//   - down-converts it to the ToolInputSchema advertised in tools/list
//   - compiles the full schema once for argument validation
//   - wraps fn so that every call fills schema defaults, validates, and
//     strictly decodes the arguments before fn runs
//
// Argument problems are reported as *ToolError so that callers see them as
// tool-level failures.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (any, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: false,
		Anonymous:                 true, // no $id; schemas never reference each other
	}
	s := r.Reflect(new(A))

	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: toMCPInputSchema(s),
	}

	compiled, err := compileSchema(name, s)
	if err != nil {
		return StaticTool{Descriptor: desc, err: err}
	}
	defaults := topLevelDefaults(s)

	handler := func(ctx context.Context, raw json.RawMessage) (any, error) {
		doc, err := prepareArguments(raw, defaults)
		if err != nil {
			return nil, NewToolError(nil, "invalid arguments: %v", err)
		}
		if err := compiled.Validate(doc); err != nil {
			return nil, validationError(err)
		}

		normalized, err := json.Marshal(doc)
		if err != nil {
			return nil, NewToolError(nil, "invalid arguments: %v", err)
		}
		var a A
		dec := json.NewDecoder(bytes.NewReader(normalized))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&a); err != nil {
			return nil, NewToolError(nil, "invalid arguments: %v", err)
		}
		return fn(ctx, a)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

func compileSchema(name string, s *jsonschema.Schema) (*validator.Schema, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}
	c := validator.NewCompiler()
	c.AssertFormat = true
	url := name + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("tool %s: add schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return compiled, nil
}

func topLevelDefaults(s *jsonschema.Schema) map[string]any {
	out := map[string]any{}
	if s == nil || s.Properties == nil {
		return out
	}
	for el := s.Properties.Oldest(); el != nil; el = el.Next() {
		if el.Value != nil && el.Value.Default != nil {
			out[el.Key] = el.Value.Default
		}
	}
	return out
}

// prepareArguments decodes raw into a generic JSON object, fills missing
// top-level properties from defaults and round-trips the result so that
// every number is a float64, as the validator expects.
func prepareArguments(raw json.RawMessage, defaults map[string]any) (any, error) {
	obj := map[string]any{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, errors.New("arguments must be a JSON object")
		}
		if obj == nil {
			obj = map[string]any{}
		}
	}
	for k, v := range defaults {
		if _, ok := obj[k]; !ok {
			obj[k] = v
		}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func validationError(err error) *ToolError {
	var ve *validator.ValidationError
	if !errors.As(err, &ve) {
		return NewToolError(nil, "invalid arguments: %v", err)
	}
	var issues []map[string]any
	var msgs []string
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		issues = append(issues, map[string]any{"path": loc, "message": e.Error})
		msgs = append(msgs, loc+": "+e.Error)
	}
	if len(msgs) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return NewToolError(map[string]any{"validation": issues}, "invalid arguments: %s", strings.Join(msgs, "; "))
}

// toMCPInputSchema converts a reflected schema to the simplified
// ToolInputSchema advertised in tools/list.
func toMCPInputSchema(s *jsonschema.Schema) mcp.ToolInputSchema {
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   slices.Clone(s.Required),
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Format:      s.Format,
		Default:     s.Default,
		Minimum:     numberPtr(s.Minimum),
		Maximum:     numberPtr(s.Maximum),
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

func numberPtr(n json.Number) *float64 {
	if n == "" {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil
	}
	return &f
}

// Toolset is an immutable catalog of tools. It implements ToolInvoker.
type Toolset struct {
	tools    []mcp.Tool
	handlers map[string]ToolHandler
}

var _ ToolInvoker = (*Toolset)(nil)

// NewToolset builds a catalog from tool definitions. Duplicate names and
// schemas that failed to compile are reported as errors.
func NewToolset(defs ...StaticTool) (*Toolset, error) {
	ts := &Toolset{handlers: make(map[string]ToolHandler, len(defs))}
	for _, d := range defs {
		if d.err != nil {
			return nil, d.err
		}
		name := d.Descriptor.Name
		if name == "" {
			return nil, errors.New("tool with empty name")
		}
		if _, dup := ts.handlers[name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", name)
		}
		ts.tools = append(ts.tools, d.Descriptor)
		ts.handlers[name] = d.Handler
	}
	return ts, nil
}

// ListTools implements ToolInvoker.
func (ts *Toolset) ListTools() []mcp.Tool {
	return slices.Clone(ts.tools)
}

// InvokeTool implements ToolInvoker.
func (ts *Toolset) InvokeTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	h, ok := ts.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return h(ctx, args)
}
