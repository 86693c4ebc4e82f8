package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
)

// JSON-RPC 2.0 error codes. codeToolFailed is the server-defined code for a tool whose
// backend call failed; the townsim error code travels in data.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolFailed     = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports a request without an id, which gets no response.
func (r rpcRequest) notification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

var nullID = json.RawMessage("null")

func rpcErr(id json.RawMessage, code int, msg string, data any) rpcResponse {
	if len(id) == 0 {
		id = nullID
	}
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}}
}

func rpcOK(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// parseRPCRequest decodes one request. The returned *rpcError is ready to send back with
// a null id.
func parseRPCRequest(body []byte) (rpcRequest, *rpcError) {
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return rpcRequest{}, &rpcError{Code: codeParseError, Message: "parse error", Data: err.Error()}
	}
	if req.JSONRPC != "2.0" {
		return rpcRequest{}, &rpcError{Code: codeInvalidRequest, Message: `jsonrpc must be "2.0"`}
	}
	if req.Method == "" {
		return rpcRequest{}, &rpcError{Code: codeInvalidRequest, Message: "missing method"}
	}
	return req, nil
}

// toolContent is one item of a tools/call result. Tools answer with a single text item
// holding the JSON form of their value.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content           []toolContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

func newToolResult(v any) (toolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{
		Content:           []toolContent{{Type: "text", Text: string(b)}},
		StructuredContent: v,
	}, nil
}

// toolFailure turns a backend error into a JSON-RPC error. Admin API failures keep their
// townsim code and HTTP status in data.
func toolFailure(id json.RawMessage, err error) rpcResponse {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return rpcErr(id, codeToolFailed, err.Error(), map[string]any{"code": apiErr.Code, "status": apiErr.Status})
	}
	var bad *rpcError
	if errors.As(err, &bad) {
		return rpcErr(id, bad.Code, bad.Message, bad.Data)
	}
	return rpcErr(id, codeToolFailed, err.Error(), nil)
}
