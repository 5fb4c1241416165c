package mcpservice

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/health-research-mcp/mcp"
)

// OKResult wraps a successful payload: a pretty-printed text block plus
// structuredContent {"data": payload}.
func OKResult(payload any) (*mcp.CallToolResult, error) {
	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool payload: %w", err)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{{Type: "text", Text: string(text)}},
		StructuredContent: map[string]any{"data": payload},
	}, nil
}

// ErrorResult renders a ToolError as a result flagged with isError.
func ErrorResult(te *ToolError) *mcp.CallToolResult {
	body := struct {
		Error string         `json:"error"`
		Meta  map[string]any `json:"meta,omitempty"`
	}{Error: te.Message, Meta: te.Meta}

	text, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		// meta is not encodable; keep the message
		body.Meta = nil
		text, _ = json.MarshalIndent(body, "", "  ")
	}

	sc := map[string]any{"error": te.Message}
	if body.Meta != nil {
		sc["meta"] = body.Meta
	}
	return &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{{Type: "text", Text: string(text)}},
		StructuredContent: sc,
		IsError:           true,
	}
}
