// Package streaminghttp implements the MCP streamable HTTP endpoint in JSON
// response mode. It is the request dispatcher of the server: every POST is
// classified by a handshake.Enforcer, bound to a session in the
// sessions.Registry and handed to that session's engine.Transport.
//
// Construction
//
//	reg := sessions.NewRegistry[*engine.Transport]()
//	h, err := streaminghttp.New("/mcp", server, reg,
//	    streaminghttp.WithLogger(log),
//	)
//
// # Sessions
//
// A POST without an Mcp-Session-Id header must carry an initialize request.
// The session is created, answers the handshake and is published before the
// response (which carries the new id in Mcp-Session-Id) is written. Failed
// handshakes discard the session. A POST with an id is routed to that session
// or answered with 404 and JSON-RPC code -32001; sessions are never recreated
// implicitly. DELETE closes the session and answers 204 even when the id is
// already gone.
//
// # Error Handling
//
// Dispatcher-level errors are JSON-RPC error responses with a null id:
// 400/-32600 when a handshake is required, 404/-32001 for unknown sessions and
// 500/-32603 for internal faults. Tool failures are not errors at this layer;
// they arrive as CallToolResult values with isError set. Responses are encoded
// in full before anything is written, and a panic inside a session's
// transport closes that session. Panics in tool handlers are recovered by the
// engine and come back as isError results.
//
// GET answers 405 since no standalone SSE stream is offered.
package streaminghttp
