package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbox/mcpbox/pkg/contextkeys"
	"github.com/mcpbox/mcpbox/pkg/log"
	"github.com/mcpbox/mcpbox/pkg/telemetry"
)

// protocolVersion is announced to HTTP clients during initialize.
const protocolVersion = "2025-11-25"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// handleJSONRPC terminates the Streamable HTTP transport: one JSON-RPC
// message per POST body, one JSON response per message. Notifications are
// acknowledged with 202 and no body.
func (g *Gateway) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, codeParseError, "Parse error")
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// Well-formed JSON of the wrong shape (an array, a bare string) is
		// an invalid request, not a parse error.
		if json.Valid(body) {
			writeRPCError(w, http.StatusOK, nil, codeInvalidRequest, "Invalid request")
			return
		}
		writeRPCError(w, http.StatusBadRequest, nil, codeParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, http.StatusOK, req.ID, codeInvalidRequest, "Invalid request")
		return
	}

	// Envelope checks come first so that a malformed message without an id
	// is rejected rather than swallowed as a notification.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	telemetry.RecordRequest(r.Context(), req.Method)
	if userID, ok := contextkeys.UserID(r.Context()); ok {
		log.Debugf("%s requested by %s", req.Method, userID)
	}

	result, rpcErr := g.dispatch(r, &req)
	if rpcErr != nil {
		writeRPCError(w, http.StatusOK, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (g *Gateway) dispatch(r *http.Request, req *rpcRequest) (any, *rpcError) {
	// A dropped HTTP client must not abort an in-flight child call.
	ctx := context.WithoutCancel(r.Context())

	switch req.Method {
	case "initialize":
		return g.initializeResult(), nil

	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		tools := g.mpx.ListTools()
		if tools == nil {
			tools = []*mcp.Tool{}
		}
		return map[string]any{"tools": tools}, nil

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil || params.Name == "" {
			return nil, &rpcError{Code: codeInvalidParams, Message: "Invalid params"}
		}
		result, err := g.mpx.CallTool(ctx, &mcp.CallToolParams{Name: params.Name, Arguments: params.Arguments})
		if err != nil {
			return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		return result, nil

	case "resources/list":
		resources := g.mpx.ListResources()
		if resources == nil {
			resources = []*mcp.Resource{}
		}
		return map[string]any{"resources": resources}, nil

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil || params.URI == "" {
			return nil, &rpcError{Code: codeInvalidParams, Message: "Invalid params"}
		}
		result, err := g.mpx.ReadResource(ctx, &mcp.ReadResourceParams{URI: params.URI})
		if err != nil {
			return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		return result, nil

	case "prompts/list":
		prompts := g.mpx.ListPrompts()
		if prompts == nil {
			prompts = []*mcp.Prompt{}
		}
		return map[string]any{"prompts": prompts}, nil

	case "prompts/get":
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil || params.Name == "" {
			return nil, &rpcError{Code: codeInvalidParams, Message: "Invalid params"}
		}
		result, err := g.mpx.GetPrompt(ctx, &mcp.GetPromptParams{Name: params.Name, Arguments: params.Arguments})
		if err != nil {
			return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		return result, nil

	case "completion/complete":
		var params mcp.CompleteParams
		if err := unmarshalParams(req.Params, &params); err != nil || params.Ref == nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "Invalid params"}
		}
		result, err := g.mpx.Complete(ctx, &params)
		if err != nil {
			return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		return result, nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "Method not found: " + req.Method}
	}
}

func (g *Gateway) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":       map[string]any{"listChanged": true},
			"resources":   map[string]any{"listChanged": true},
			"prompts":     map[string]any{"listChanged": true},
			"completions": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "mcpbox",
			"version": g.version,
		},
	}
}

func unmarshalParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(raw, into)
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	writeJSON(w, status, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
