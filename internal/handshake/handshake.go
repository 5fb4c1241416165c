// Package handshake classifies inbound MCP messages as a new-session
// bootstrap or a continuation of an existing session.
package handshake

import (
	"errors"

	"github.com/ggoodman/health-research-mcp/internal/jsonrpc"
	"github.com/ggoodman/health-research-mcp/mcp"
)

var (
	// ErrHandshakeRequired is returned when a message without a session id
	// is anything other than an initialize request.
	ErrHandshakeRequired = errors.New("expected initialize request to start a new MCP session")
	// ErrUnknownSession is returned when the carried session id does not
	// resolve to a live session.
	ErrUnknownSession = errors.New("unknown MCP session")
)

// Kind is the outcome of classification.
type Kind int

const (
	// Bootstrap means the message is a handshake that must create a session.
	Bootstrap Kind = iota + 1
	// Route means the message belongs to an existing session.
	Route
)

func (k Kind) String() string {
	switch k {
	case Bootstrap:
		return "bootstrap"
	case Route:
		return "route"
	default:
		return "invalid"
	}
}

// Lookup resolves a session id. It must not mutate anything.
type Lookup[S any] func(id string) (S, bool)

// Decision is a successful classification. Session is set only for Route.
type Decision[S any] struct {
	Kind    Kind
	Session S
}

// Enforcer applies the session handshake rules.
type Enforcer[S any] struct {
	lookup Lookup[S]
}

// NewEnforcer returns an Enforcer backed by lookup.
func NewEnforcer[S any](lookup Lookup[S]) *Enforcer[S] {
	return &Enforcer[S]{lookup: lookup}
}

// Classify decides what to do with msg given the session id it carried
// (empty when absent). It has no side effects and yields the same answer for
// repeated or retried messages as long as the registry is unchanged.
//
// With a session id the message is always routed, whatever its kind;
// sessions are never recreated implicitly. Without one, only an initialize
// request is acceptable.
func (e *Enforcer[S]) Classify(sessionID string, msg *jsonrpc.AnyMessage) (Decision[S], error) {
	if sessionID != "" {
		s, ok := e.lookup(sessionID)
		if !ok {
			return Decision[S]{}, ErrUnknownSession
		}
		return Decision[S]{Kind: Route, Session: s}, nil
	}
	if !IsInitializeRequest(msg) {
		return Decision[S]{}, ErrHandshakeRequired
	}
	return Decision[S]{Kind: Bootstrap}, nil
}

// IsInitializeRequest reports whether msg is an initialize request (not a
// notification) that carries params.
func IsInitializeRequest(msg *jsonrpc.AnyMessage) bool {
	return msg != nil &&
		msg.Method == string(mcp.InitializeMethod) &&
		msg.IsRequest() &&
		len(msg.Params) > 0
}
