// Package mcpservice holds the server-side capability surface of the
// gateway: static server information and the tool catalog.
//
// Tools are declared with NewTool from a typed argument struct. The struct's
// json and jsonschema tags drive the advertised input schema, argument
// validation and default values:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo"`
//	    Times   int    `json:"times,omitempty" jsonschema:"minimum=1,maximum=5,default=1"`
//	}
//
//	tools, err := mcpservice.NewToolset(
//	    mcpservice.NewTool("echo", func(ctx context.Context, args EchoArgs) (any, error) {
//	        return strings.Repeat(args.Message, args.Times), nil
//	    }, mcpservice.WithToolDescription("Echo a message back")),
//	)
//
// A Toolset implements ToolInvoker, the single interface through which the
// protocol engine reaches tools. Handlers report recoverable failures by
// returning a *ToolError; the engine turns those into tool results flagged
// with isError rather than protocol errors.
package mcpservice
