package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/health-research-mcp/mcp"
)

// ErrToolNotFound is returned by InvokeTool for names that are not in the
// catalog.
var ErrToolNotFound = errors.New("tool not found")

// ToolInvoker is the uniform entry point to the tool catalog.
type ToolInvoker interface {
	// ListTools returns the descriptors of every available tool in a stable
	// order.
	ListTools() []mcp.Tool
	// InvokeTool validates args against the named tool's schema and performs
	// the call. Recoverable failures are reported as *ToolError.
	InvokeTool(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// ToolError is a tool-level failure: bad arguments, an unreachable or
// failing provider, or a timeout. It never terminates the session.
type ToolError struct {
	Message string
	Meta    map[string]any
}

func (e *ToolError) Error() string { return e.Message }

// NewToolError builds a ToolError with an optional metadata map.
func NewToolError(meta map[string]any, format string, a ...any) *ToolError {
	return &ToolError{Message: fmt.Sprintf(format, a...), Meta: meta}
}

// AsToolError folds any error into a ToolError. Errors that already are
// tool errors are returned unchanged.
func AsToolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error()}
}
