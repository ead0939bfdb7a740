package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"drover/internal/apperr"
	"drover/internal/observability"
	"drover/internal/session"
	"drover/internal/version"
)

// protocolVersion is the revision of the tool-call protocol this broker
// speaks. Clients echo it back during initialize.
const protocolVersion = "2025-03-26"

const sessionHeader = "X-Session-Id"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Stable wire codes per error kind. -32600..-32603 follow JSON-RPC 2.0;
// the -32000 range is broker-specific.
var rpcCodes = map[apperr.Kind]int{
	apperr.KindUnauthorized: -32001,
	apperr.KindForbidden:    -32002,
	apperr.KindBadInput:     -32602,
	apperr.KindUnknownTool:  -32601,
	apperr.KindNoTab:        -32003,
	apperr.KindRefStale:     -32004,
	apperr.KindExhausted:    -32005,
	apperr.KindTimeout:      -32006,
	apperr.KindDriver:       -32007,
	apperr.KindBlocked:      -32008,
	apperr.KindIntegrity:    -32009,
	apperr.KindConflict:     -32010,
	apperr.KindInternal:     -32603,
}

func rpcErrorFor(err error) *rpcError {
	kind := apperr.KindOf(err)
	code, ok := rpcCodes[kind]
	if !ok {
		code = -32603
	}
	data := map[string]any{"kind": string(kind)}
	if detail := apperr.DetailOf(err); len(detail) > 0 {
		data["details"] = detail
	}
	return &rpcError{Code: code, Message: err.Error(), Data: data}
}

func (s *Server) handleRPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error: " + err.Error()},
		})
		return
	}

	sess, err := s.resolveSession(c)
	if err != nil {
		c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErrorFor(err)})
		return
	}
	c.Header(sessionHeader, sess.ID)
	ctx := observability.ContextWithSessionID(c.Request.Context(), sess.ID)

	// Notifications carry no id and get no body back.
	if len(req.ID) == 0 {
		s.handleNotification(ctx, req)
		c.Status(http.StatusAccepted)
		return
	}

	result, rerr := s.dispatch(ctx, sess, req)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rerr != nil {
		resp.Error = rerr
	} else {
		resp.Result = result
	}
	c.JSON(http.StatusOK, resp)
}

// resolveSession maps the session header to a live session. An absent or
// unknown id silently allocates a fresh session so reconnecting clients
// recover without a handshake dance.
func (s *Server) resolveSession(c *gin.Context) (*session.Session, error) {
	if id := c.GetHeader(sessionHeader); id != "" {
		if sess, ok := s.sessions.Get(id); ok {
			sess.Touch()
			return sess, nil
		}
	}
	return s.sessions.Create(c.Request.Context())
}

func (s *Server) handleNotification(ctx context.Context, req rpcRequest) {
	switch req.Method {
	case "notifications/initialized", "notifications/cancelled":
		// Acknowledged by the 202 status alone.
	default:
		s.log.DebugContext(ctx, "ignoring unknown notification", "method", req.Method)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return s.rpcInitialize(ctx, sess, req.Params)
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return s.rpcToolsList(sess), nil
	case "tools/call":
		return s.rpcToolsCall(ctx, sess, req.Params)
	case "session/close":
		if err := s.sessions.Close(sess.ID); err != nil {
			return nil, rpcErrorFor(err)
		}
		return map[string]any{"closed": sess.ID}, nil
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	Capabilities map[string]any `json:"capabilities"`
}

func (s *Server) rpcInitialize(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, *rpcError) {
	var params initializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, rpcErrorFor(apperr.Wrap(apperr.KindBadInput, err, "invalid initialize params"))
		}
	}
	s.log.InfoContext(ctx, "session initialized",
		"client", params.ClientInfo.Name,
		"clientVersion", params.ClientInfo.Version)
	s.hub.Publish(sess.ID, Event{Type: "session_initialized", SessionID: sess.ID})
	return map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]any{
			"name":    "drover",
			"version": version.Version,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
	}, nil
}

func (s *Server) rpcToolsList(sess *session.Session) any {
	reg := s.dispatcher.Registry()
	list := reg.List()
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema,
		})
	}
	return map[string]any{
		"tools": out,
		"_meta": map[string]any{
			"consoleMessages": sess.Console.Len(),
			"networkRequests": sess.Network.Len(),
		},
	}
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) rpcToolsCall(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, *rpcError) {
	var params toolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcErrorFor(apperr.Wrap(apperr.KindBadInput, err, "invalid tools/call params"))
	}
	if params.Name == "" {
		return nil, rpcErrorFor(apperr.New(apperr.KindBadInput, "tool name is required"))
	}

	started := time.Now()
	s.hub.Publish(sess.ID, Event{Type: "tool_call", SessionID: sess.ID, Tool: params.Name})

	result, err := s.dispatcher.Execute(ctx, sess, params.Name, params.Arguments)
	if err != nil {
		s.hub.Publish(sess.ID, Event{
			Type:      "tool_error",
			SessionID: sess.ID,
			Tool:      params.Name,
			Error:     err.Error(),
			Kind:      string(apperr.KindOf(err)),
		})
		return nil, rpcErrorFor(err)
	}

	s.hub.Publish(sess.ID, Event{
		Type:      "tool_result",
		SessionID: sess.ID,
		Tool:      params.Name,
		LatencyMs: time.Since(started).Milliseconds(),
	})
	return map[string]any{"content": result.Content, "isError": false}, nil
}

// handleRPCStream serves server-initiated notifications over SSE for clients
// that keep a GET open alongside their POSTs.
func (s *Server) handleRPCStream(c *gin.Context) {
	id := c.GetHeader(sessionHeader)
	if id == "" {
		id = c.Query("session")
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		var err error
		sess, err = s.sessions.Create(c.Request.Context())
		if err != nil {
			c.JSON(httpStatusFor(apperr.KindOf(err)), errorBody(err))
			return
		}
	}
	c.Header(sessionHeader, sess.ID)
	s.streamSSE(c, sess.ID)
}

func newTraceID() string {
	return uuid.NewString()
}
