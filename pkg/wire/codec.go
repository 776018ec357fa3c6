// Package wire provides JSON-RPC framing helpers for the line-oriented
// stdio backend protocol. Encoding and decoding delegate to the MCP
// SDK's jsonrpc package.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// dataPrefix is stripped from response lines emitted by servers that
// frame output as SSE-style events.
var dataPrefix = []byte("data:")

// EncodeRequest serializes a JSON-RPC request with a numeric id.
func EncodeRequest(id int64, method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	jid, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		return nil, fmt.Errorf("make id: %w", err)
	}
	return jsonrpc.EncodeMessage(&jsonrpc.Request{ID: jid, Method: method, Params: raw})
}

// EncodeNotification serializes a JSON-RPC notification (no id).
func EncodeNotification(method string, params any) ([]byte, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	return jsonrpc.EncodeMessage(&jsonrpc.Request{Method: method, Params: raw})
}

// DecodeResponse parses one line of server output. The "data:" prefix
// is stripped when present. Returns (nil, nil, nil) for lines that are
// not JSON-RPC responses (logs, notifications, server-initiated
// requests), so callers can skip them.
//
// The response id is extracted from the raw JSON because the SDK's ID
// type does not round-trip through interface{} comparisons.
func DecodeResponse(line []byte) (*jsonrpc.Response, *int64, error) {
	line = bytes.TrimSpace(line)
	line = bytes.TrimSpace(bytes.TrimPrefix(line, dataPrefix))
	if len(line) == 0 || line[0] != '{' {
		return nil, nil, nil
	}

	msg, err := jsonrpc.DecodeMessage(line)
	if err != nil {
		return nil, nil, err
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, nil, nil
	}

	var envelope struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil || envelope.ID == nil {
		return resp, nil, nil
	}
	return resp, envelope.ID, nil
}
