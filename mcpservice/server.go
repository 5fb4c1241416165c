package mcpservice

import (
	"github.com/ggoodman/health-research-mcp/mcp"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is the static description of the gateway that every session's
// engine negotiates against: identity, instructions, protocol preference
// and the tool catalog.
type Server struct {
	info                     mcp.ImplementationInfo
	instructions             string
	preferredProtocolVersion string
	tools                    ToolInvoker
}

// NewServer builds a Server using functional options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{preferredProtocolVersion: mcp.LatestProtocolVersion}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets the server info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithPreferredProtocolVersion sets the version offered when the client asks
// for one the server does not support.
func WithPreferredProtocolVersion(version string) ServerOption {
	return func(s *Server) { s.preferredProtocolVersion = version }
}

// WithTools wires the tool catalog.
func WithTools(tools ToolInvoker) ServerOption {
	return func(s *Server) { s.tools = tools }
}

func (s *Server) Info() mcp.ImplementationInfo { return s.info }

func (s *Server) Instructions() string { return s.instructions }

// Tools returns the configured catalog, or nil when the server exposes no
// tools.
func (s *Server) Tools() ToolInvoker { return s.tools }

// NegotiateProtocolVersion picks the version for a session: the client's
// when supported, otherwise the server's preference.
func (s *Server) NegotiateProtocolVersion(requested string) string {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return s.preferredProtocolVersion
}

// Capabilities describes what the server advertises in InitializeResult.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if s.tools != nil {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: false}
	}
	return caps
}
