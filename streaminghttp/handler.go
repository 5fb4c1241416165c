package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/health-research-mcp/internal/engine"
	"github.com/ggoodman/health-research-mcp/internal/handshake"
	"github.com/ggoodman/health-research-mcp/internal/jsonrpc"
	"github.com/ggoodman/health-research-mcp/internal/logctx"
	"github.com/ggoodman/health-research-mcp/mcpservice"
	"github.com/ggoodman/health-research-mcp/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	// DefaultMaxBodyBytes bounds the size of a POSTed JSON-RPC message.
	DefaultMaxBodyBytes int64 = 2 << 20
)

// Client-visible messages for dispatcher-level failures.
const (
	msgUnknownSession    = "Unknown MCP session. Reinitialize required."
	msgHandshakeRequired = "Expected initialize request to start a new MCP session."
	msgInternalError     = "Internal server error"
)

// Rejection reasons reported to a RejectionRecorder.
const (
	RejectUnsupportedMediaType = "unsupported_media_type"
	RejectPayloadTooLarge      = "payload_too_large"
	RejectParseError           = "parse_error"
	RejectHandshakeRequired    = "handshake_required"
	RejectHandshakeInvalid     = "handshake_invalid"
	RejectUnknownSession       = "unknown_session"
	RejectTooManySessions      = "too_many_sessions"
	RejectInternalError        = "internal_error"
)

// errTransportPanic marks a panic recovered from a session's transport.
var errTransportPanic = errors.New("transport panic")

// Session is the registry entry type the handler works with.
type Session = sessions.Session[*engine.Transport]

// RejectionRecorder counts requests turned away before reaching a session.
type RejectionRecorder interface {
	Rejected(reason string)
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger       *slog.Logger
	engineOpts   []engine.Option
	rejections   RejectionRecorder
	maxBodyBytes int64
}

// WithLogger sets the slog logger used by the handler and by every session
// transport it creates. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithEngineOptions passes extra options to every session transport.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, opts...) }
}

// WithRejectionRecorder registers a recorder for dispatcher rejections.
func WithRejectionRecorder(r RejectionRecorder) Option {
	return func(c *config) { c.rejections = r }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

// Handler is the request dispatcher for the MCP endpoint. It classifies each
// POST with a handshake.Enforcer, creates or resolves the session in the
// registry and hands the message to that session's transport.
type Handler struct {
	mux        *http.ServeMux
	log        *slog.Logger
	srv        *mcpservice.Server
	reg        *sessions.Registry[*engine.Transport]
	enforcer   *handshake.Enforcer[*Session]
	engineOpts []engine.Option
	rejections RejectionRecorder
	maxBody    int64
}

// New mounts the MCP endpoint at path.
func New(path string, srv *mcpservice.Server, reg *sessions.Registry[*engine.Transport], opts ...Option) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("endpoint path must start with '/', got %q", path)
	}

	cfg := &config{logger: slog.Default(), maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}

	log := cfg.logger
	if _, ok := log.Handler().(logctx.Handler); !ok {
		log = slog.New(logctx.Handler{Handler: log.Handler()})
	}
	h := &Handler{
		log:        log,
		srv:        srv,
		reg:        reg,
		enforcer:   handshake.NewEnforcer(handshake.Lookup[*Session](reg.Lookup)),
		engineOpts: append([]engine.Option{engine.WithLogger(log)}, cfg.engineOpts...),
		rejections: cfg.rejections,
		maxBody:    cfg.maxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.reject(RejectUnsupportedMediaType)
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(RejectPayloadTooLarge)
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.log.WarnContext(ctx, "http.body.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		h.reject(RejectParseError)
		code, text := jsonrpc.ErrorCodeParseError, "Parse error"
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			code, text = jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are not supported"
		}
		h.writeRPCError(ctx, w, http.StatusBadRequest, code, text)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	sessionID := r.Header.Get(mcpSessionIDHeader)
	decision, err := h.enforcer.Classify(sessionID, msg)
	switch {
	case errors.Is(err, handshake.ErrUnknownSession):
		h.reject(RejectUnknownSession)
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessionID))
		h.writeRPCError(ctx, w, http.StatusNotFound, jsonrpc.ErrorCodeUnknownSession, msgUnknownSession)
		return
	case errors.Is(err, handshake.ErrHandshakeRequired):
		h.reject(RejectHandshakeRequired)
		h.log.InfoContext(ctx, "session.handshake.required")
		h.writeRPCError(ctx, w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, msgHandshakeRequired)
		return
	case err != nil:
		h.reject(RejectInternalError)
		h.log.ErrorContext(ctx, "session.classify.fail", slog.String("err", err.Error()))
		h.writeRPCError(ctx, w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	}

	if decision.Kind == handshake.Bootstrap {
		h.bootstrap(ctx, w, msg, start)
		return
	}
	h.route(ctx, w, r, decision.Session, msg, start)
}

// bootstrap runs the two-phase session creation: the transport is built
// under a reserved id, answers the handshake, and only then is the session
// published. Every failure path discards the session.
func (h *Handler) bootstrap(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage, start time.Time) {
	s, err := h.reg.Create(func(id string) (*engine.Transport, error) {
		return engine.New(id, h.srv, h.engineOpts...), nil
	})
	if errors.Is(err, sessions.ErrTooManySessions) {
		h.reject(RejectTooManySessions)
		h.log.WarnContext(ctx, "session.create.limit")
		h.writeRPCError(ctx, w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeInternalError, "Too many active MCP sessions")
		return
	}
	if err != nil {
		h.reject(RejectInternalError)
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		h.writeRPCError(ctx, w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	}

	t := s.Transport()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), State: string(s.State())})

	resp, err := guard(func() (*jsonrpc.Response, error) { return t.Handshake(ctx, msg) })
	if err != nil {
		h.reg.Discard(s)
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			h.reject(RejectHandshakeInvalid)
			h.log.InfoContext(ctx, "session.initialize.invalid", slog.String("err", rpcErr.Message))
			h.writeJSON(ctx, w, http.StatusBadRequest, jsonrpc.NewErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data))
			return
		}
		h.reject(RejectInternalError)
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		h.writeRPCError(ctx, w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		h.reg.Discard(s)
		h.reject(RejectInternalError)
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		h.writeRPCError(ctx, w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	}

	// Publish before the id leaves the process so a fast follow-up request
	// cannot race ahead of the registry.
	if err := h.reg.Publish(s); err != nil {
		h.reg.Discard(s)
		h.reject(RejectInternalError)
		h.log.ErrorContext(ctx, "session.publish.fail", slog.String("err", err.Error()))
		h.writeRPCError(ctx, w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	}

	w.Header().Set(mcpSessionIDHeader, s.ID())
	w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
	writeBody(w, http.StatusOK, body)
	h.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("session_id", s.ID()),
		slog.String("protocol_version", t.ProtocolVersion()),
		slog.Duration("dur", time.Since(start)),
	)
}

func (h *Handler) route(ctx context.Context, w http.ResponseWriter, r *http.Request, s *Session, msg *jsonrpc.AnyMessage, start time.Time) {
	t := s.Transport()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       s.ID(),
		ProtocolVersion: t.ProtocolVersion(),
		State:           string(s.State()),
	})
	h.log.InfoContext(ctx, "session.load.ok")

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != t.ProtocolVersion() {
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
	}

	resp, err := guard(func() (*jsonrpc.Response, error) { return t.Handle(ctx, msg) })
	switch {
	case errors.Is(err, errTransportPanic):
		// The transport may be left inconsistent; do not serve from it again.
		h.reg.Close(s.ID())
		h.reject(RejectInternalError)
		h.log.ErrorContext(ctx, "rpc.inbound.panic", slog.String("err", err.Error()))
		h.writeRPCError(ctx, w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	case errors.Is(err, engine.ErrTransportClosed):
		h.reject(RejectUnknownSession)
		h.log.InfoContext(ctx, "session.closed.inflight")
		h.writeRPCError(ctx, w, http.StatusNotFound, jsonrpc.ErrorCodeUnknownSession, msgUnknownSession)
		return
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		h.log.InfoContext(ctx, "rpc.inbound.abandoned", slog.Duration("dur", time.Since(start)))
		return
	case err != nil:
		h.reject(RejectInternalError)
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		h.writeRPCError(ctx, w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	}

	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, resp)
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP rejects standalone SSE streams; every response is delivered
// on the POST that caused it.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	h.log.InfoContext(r.Context(), "http.get.unsupported")
	w.Header().Set("Allow", "POST, DELETE")
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// handleDeleteMCP is the explicit client close of a session.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		h.writeRPCError(ctx, w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Missing Mcp-Session-Id header")
		return
	}

	// Closing an unknown or already closed id succeeds.
	if _, ok := h.reg.Lookup(sessionID); !ok {
		h.log.InfoContext(ctx, "session.delete.miss", slog.String("session_id", sessionID))
	}

	h.reg.Close(sessionID)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.String("session_id", sessionID), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) reject(reason string) {
	if h.rejections != nil {
		h.rejections.Rejected(reason)
	}
}

// guard converts a panic in fn into an error wrapping errTransportPanic.
func guard(fn func() (*jsonrpc.Response, error)) (resp *jsonrpc.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp = nil
			err = fmt.Errorf("%w: %v\n%s", errTransportPanic, p, debug.Stack())
		}
	}()
	return fn()
}

func (h *Handler) writeRPCError(ctx context.Context, w http.ResponseWriter, status int, code jsonrpc.ErrorCode, message string) {
	h.writeJSON(ctx, w, status, jsonrpc.NewErrorResponse(nil, code, message, nil))
}

// writeJSON encodes v in full before touching w, so a client sees either
// the whole response or the generic internal error.
func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		writeBody(w, http.StatusInternalServerError, internalErrorBody)
		return
	}
	writeBody(w, status, body)
}

var internalErrorBody = []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal server error"},"id":null}`)

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before any JSON-RPC message exists. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
