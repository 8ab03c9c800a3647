package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"worker_server/core/service/dispatcher"
	"worker_server/pkg/apperr"
	"worker_server/pkg/logger"
)

// Server is the MCP JSON-RPC endpoint (§6): one HTTP handler dispatching
// initialize/tools/list/tools/call/ping and swallowing notifications.
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	ServerName string
	Version    string
}

// New builds a Server bound to d.
func New(d *dispatcher.Dispatcher) *Server {
	return &Server{Dispatcher: d, ServerName: "outlook-mcp-server", Version: "1.0.0"}
}

// ServeHTTP implements the MCP streamable-HTTP transport: one JSON-RPC
// envelope per POST body, one JSON-RPC envelope (or no body, for
// notifications) in response.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 20<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, errorResponse(nil, errParseError, "Parse error"))
		return
	}

	resp := s.handleRequest(r.Context(), req)
	if isEmptyResponse(resp) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeResponse(w, resp)
}

func isEmptyResponse(resp JSONRPCResponse) bool {
	return resp.ID == nil && resp.Result == nil && resp.Error == nil
}

func writeResponse(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("[mcp] failed to encode response: %v", err)
	}
}

// handleRequest dispatches one JSON-RPC envelope. Requests without an ID
// are notifications: handled, but never answered on the wire.
func (s *Server) handleRequest(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	if req.ID == nil {
		s.handleNotification(req.Method)
		return JSONRPCResponse{}
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.ID, req.Params)
	case "ping":
		return resultResponse(req.ID, map[string]any{"status": "pong"})
	case "tools/list":
		return s.handleToolsList(req.ID)
	case "tools/call":
		return s.handleToolsCall(ctx, req.ID, req.Params)
	default:
		return errorResponse(req.ID, errMethodNotFound, "Method not found: "+req.Method)
	}
}

// handleNotification acknowledges notifications without further action;
// notifications/initialized is the only one this server's client flow ever
// sends, but any unrecognized notification is also dropped rather than
// erroring, per JSON-RPC notification semantics.
func (s *Server) handleNotification(method string) {
	switch method {
	case "notifications/initialized":
	default:
		logger.Debug("[mcp] unhandled notification: %s", method)
	}
}

func (s *Server) handleInitialize(id any, params json.RawMessage) JSONRPCResponse {
	var initParams InitializeParams
	if len(params) > 0 {
		if err := decodeParams(params, &initParams); err != nil {
			return errorResponse(id, errInvalidParams, "Invalid initialize params: "+err.Error())
		}
	}
	return resultResponse(id, InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{ListChanged: false}},
		ServerInfo:      ServerInfo{Name: s.ServerName, Version: s.Version},
	})
}

func (s *Server) handleToolsList(id any) JSONRPCResponse {
	return resultResponse(id, map[string]any{"tools": s.Dispatcher.ListTools()})
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolContent is the MCP tools/call content-block shape: one text block
// carrying the JSON-encoded result, matching how this protocol's result
// content is conventionally rendered back to the model.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *Server) handleToolsCall(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	if len(params) == 0 {
		return errorResponse(id, errInvalidParams, "Missing params")
	}
	var call toolsCallParams
	if err := decodeParams(params, &call); err != nil {
		return errorResponse(id, errInvalidParams, "Invalid tools/call params: "+err.Error())
	}

	result, err := s.Dispatcher.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		ae := apperr.AsAppError(err)
		text, marshalErr := json.Marshal(map[string]any{"error": ae.Code, "message": ae.Message, "details": ae.Details})
		if marshalErr != nil {
			text = []byte(`{"error":"internal","message":"failed to encode error"}`)
		}
		return resultResponse(id, map[string]any{
			"content": []toolContent{{Type: "text", Text: string(text)}},
			"isError": true,
		})
	}

	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, errInternalError, "Tool execution error: "+err.Error())
	}
	return resultResponse(id, map[string]any{
		"content": []toolContent{{Type: "text", Text: string(data)}},
	})
}
