// Package mcp contains the Model Context Protocol wire types used by the
// gateway: method names, the initialize handshake, tool listing and tool
// call envelopes. It carries no transport logic; streaminghttp and the
// session engine marshal these types into JSON-RPC frames.
package mcp
