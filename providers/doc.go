// Package providers implements the research tools exposed by the server.
// Each tool validates its arguments, calls one upstream data provider
// through a shared Client and returns a Payload describing the call.
//
// Provider failures (missing API keys, non-2xx responses, timeouts) are
// returned as *mcpservice.ToolError and never affect the calling session.
package providers
