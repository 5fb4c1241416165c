// Package engine implements the per-session MCP protocol engine. A Transport
// decodes the JSON-RPC messages of exactly one session, answers the
// initialize handshake and routes tool calls to the server's ToolInvoker.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/health-research-mcp/internal/jsonrpc"
	"github.com/ggoodman/health-research-mcp/internal/logctx"
	"github.com/ggoodman/health-research-mcp/mcp"
	"github.com/ggoodman/health-research-mcp/mcpservice"
)

var (
	// ErrTransportClosed is returned for messages that reach a released
	// transport, including results of tool calls that outlived their session.
	ErrTransportClosed = errors.New("transport closed")

	errRequestCancelled = errors.New("request cancelled by client")
)

// ToolObserver receives one event per completed tool call.
type ToolObserver interface {
	ObserveToolCall(tool, outcome string, dur time.Duration)
}

// Tool call outcomes reported to a ToolObserver.
const (
	OutcomeOK        = "ok"
	OutcomeToolError = "tool_error"
	OutcomeNotFound  = "not_found"
	OutcomeCancelled = "cancelled"
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithToolObserver registers a tool call observer.
func WithToolObserver(o ToolObserver) Option {
	return func(t *Transport) { t.obs = o }
}

// WithPageSize sets the tools/list page size.
func WithPageSize(n int) Option {
	return func(t *Transport) { t.pageSize = n }
}

// Transport is the protocol engine of one session.
type Transport struct {
	sessionID string
	srv       *mcpservice.Server
	log       *slog.Logger
	obs       ToolObserver
	pageSize  int

	mu              sync.Mutex
	tail            chan struct{} // closed when the most recently admitted message finishes
	initialized     bool
	clientReady     bool
	protocolVersion string
	client          mcp.ImplementationInfo
	inflight        map[string]context.CancelCauseFunc

	closed atomic.Bool
}

// New builds an uninitialized transport for sessionID.
func New(sessionID string, srv *mcpservice.Server, opts ...Option) *Transport {
	done := make(chan struct{})
	close(done)
	t := &Transport{
		sessionID: sessionID,
		srv:       srv,
		pageSize:  mcpservice.DefaultPageSize,
		tail:      done,
		inflight:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return t
}

// ProtocolVersion returns the negotiated protocol version, empty before the
// handshake.
func (t *Transport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

// ClientInfo returns what the client reported about itself during initialize.
func (t *Transport) ClientInfo() mcp.ImplementationInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// ClientReady reports whether notifications/initialized has been received.
func (t *Transport) ClientReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientReady
}

// Closed reports whether the transport has been released.
func (t *Transport) Closed() bool { return t.closed.Load() }

// Release implements sessions.Transport. In-flight tool calls are left to
// finish; their results are discarded.
func (t *Transport) Release() {
	if t.closed.Swap(true) {
		return
	}
	t.mu.Lock()
	n := len(t.inflight)
	t.mu.Unlock()
	t.log.Info("engine.transport.release", slog.String("session_id", t.sessionID), slog.Int("inflight", n))
}

// Handshake answers the initialize request that creates the session. A
// *jsonrpc.Error return means the client sent an unacceptable handshake and
// the session must be discarded.
func (t *Transport) Handshake(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	start := time.Now()
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if !msg.IsRequest() || msg.Method != string(mcp.InitializeMethod) {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "expected initialize request"}
	}

	var params mcp.InitializeRequest
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", err.Error()))
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid initialize params"}
	}
	if params.ProtocolVersion == "" {
		t.log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", "missing protocolVersion"))
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "missing protocolVersion"}
	}

	version := t.srv.NegotiateProtocolVersion(params.ProtocolVersion)
	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    t.srv.Capabilities(),
		ServerInfo:      t.srv.Info(),
		Instructions:    t.srv.Instructions(),
	}
	resp, err := jsonrpc.NewResultResponse(msg.ID, res)
	if err != nil {
		return nil, fmt.Errorf("encode initialize result: %w", err)
	}

	t.mu.Lock()
	if t.initialized {
		t.mu.Unlock()
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "session already initialized"}
	}
	t.initialized = true
	t.protocolVersion = version
	t.client = params.ClientInfo
	t.mu.Unlock()

	t.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("protocol_version", version),
		slog.Duration("dur", time.Since(start)),
	)
	return resp, nil
}

// Handle processes one message for an initialized session. Requests get a
// response; notifications and client responses return (nil, nil).
// Messages are handled in the order they are admitted.
func (t *Transport) Handle(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	// Cancellation must not queue behind the call it cancels.
	if msg.Method == string(mcp.CancelledNotificationMethod) {
		t.handleCancelled(ctx, msg)
		return nil, nil
	}

	done, err := t.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	resp, err := t.dispatch(ctx, msg)
	if err != nil {
		return nil, err
	}
	if t.closed.Load() {
		t.log.InfoContext(ctx, "engine.response.discarded")
		return nil, ErrTransportClosed
	}
	return resp, nil
}

// admit waits for every previously admitted message to finish.
func (t *Transport) admit(ctx context.Context) (func(), error) {
	t.mu.Lock()
	prev := t.tail
	next := make(chan struct{})
	t.tail = next
	t.mu.Unlock()

	select {
	case <-prev:
		return func() { close(next) }, nil
	case <-ctx.Done():
		// Hand our turn on once it arrives so later messages are not stuck.
		go func() {
			<-prev
			close(next)
		}()
		return nil, ctx.Err()
	}
}

func (t *Transport) dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	switch msg.Type() {
	case "response":
		// The server never issues requests, so there is nothing to correlate.
		t.log.DebugContext(ctx, "engine.client_response.ignored")
		return nil, nil
	case "notification":
		t.handleNotification(ctx, msg)
		return nil, nil
	}

	req := msg.AsRequest()

	t.mu.Lock()
	initialized := t.initialized
	t.mu.Unlock()
	if !initialized {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil), nil
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return t.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return t.handleToolCall(ctx, req)
	}

	t.log.InfoContext(ctx, "engine.handle_request.unknown_method", slog.String("method", req.Method))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

func (t *Transport) handleNotification(ctx context.Context, msg *jsonrpc.AnyMessage) {
	switch mcp.Method(msg.Method) {
	case mcp.InitializedNotificationMethod:
		t.mu.Lock()
		t.clientReady = true
		t.mu.Unlock()
		t.log.InfoContext(ctx, "engine.client.ready")
	default:
		t.log.DebugContext(ctx, "engine.notification.ignored", slog.String("method", msg.Method))
	}
}

func (t *Transport) handleCancelled(ctx context.Context, msg *jsonrpc.AnyMessage) {
	var params mcp.CancelledNotification
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.log.InfoContext(ctx, "engine.cancel.invalid", slog.String("err", err.Error()))
		return
	}
	var id jsonrpc.RequestID
	if err := json.Unmarshal(params.RequestID, &id); err != nil || id.IsNil() {
		t.log.InfoContext(ctx, "engine.cancel.invalid", slog.String("err", "missing requestId"))
		return
	}

	t.mu.Lock()
	cancel, ok := t.inflight[id.String()]
	t.mu.Unlock()
	if !ok {
		t.log.DebugContext(ctx, "engine.cancel.miss", slog.String("request_id", id.String()))
		return
	}
	cancel(errRequestCancelled)
	t.log.InfoContext(ctx, "engine.cancel.ok", slog.String("request_id", id.String()), slog.String("reason", params.Reason))
}

func (t *Transport) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := t.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	var all []mcp.Tool
	if tools := t.srv.Tools(); tools != nil {
		all = tools.ListTools()
	}
	page, next, err := mcpservice.Paginate(all, params.Cursor, t.pageSize)
	if err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid cursor", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int("tools", len(page)), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{
		Tools:           page,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	})
}

func (t *Transport) handleToolCall(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := t.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	tools := t.srv.Tools()
	if tools == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools not supported", nil), nil
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	reqID := req.ID.String()
	t.mu.Lock()
	t.inflight[reqID] = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.inflight, reqID)
		t.mu.Unlock()
		cancel(nil)
	}()

	out, err := t.invokeTool(callCtx, tools, params.Name, params.Arguments)
	dur := time.Since(start)

	if errors.Is(err, mcpservice.ErrToolNotFound) {
		t.observe(params.Name, OutcomeNotFound, dur)
		log.InfoContext(ctx, "tool.call.not_found")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("Tool %s not found", params.Name), nil), nil
	}

	var res *mcp.CallToolResult
	if err == nil {
		res, err = mcpservice.OKResult(out)
	}
	if err != nil {
		te := mcpservice.AsToolError(err)
		outcome := OutcomeToolError
		if errors.Is(context.Cause(callCtx), errRequestCancelled) {
			outcome = OutcomeCancelled
			te = mcpservice.NewToolError(nil, "tool call cancelled")
		}
		t.observe(params.Name, outcome, dur)
		log.InfoContext(ctx, "tool.call.fail", slog.String("err", te.Message), slog.Duration("dur", dur))
		res = mcpservice.ErrorResult(te)
	} else {
		t.observe(params.Name, OutcomeOK, dur)
		log.InfoContext(ctx, "tool.call.ok", slog.Duration("dur", dur))
	}

	return jsonrpc.NewResultResponse(req.ID, res)
}

func (t *Transport) observe(tool, outcome string, dur time.Duration) {
	if t.obs != nil {
		t.obs.ObserveToolCall(tool, outcome, dur)
	}
}

// invokeTool runs a tool handler. A panic in the handler becomes a tool
// error result and leaves the session serving.
func (t *Transport) invokeTool(ctx context.Context, tools mcpservice.ToolInvoker, name string, args json.RawMessage) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			t.log.ErrorContext(ctx, "tool.call.panic", slog.String("panic", fmt.Sprint(p)), slog.String("stack", string(debug.Stack())))
			out = nil
			err = mcpservice.NewToolError(nil, "tool %s failed: internal error", name)
		}
	}()
	return tools.InvokeTool(ctx, name, args)
}
