package wire

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestEncodeRequest(t *testing.T) {
	t.Parallel()

	data, err := EncodeRequest(7, "tools/call", map[string]interface{}{
		"name":      "fs.read_file",
		"arguments": map[string]interface{}{"path": "/sandbox/a"},
	})
	if err != nil {
		t.Fatalf("EncodeRequest() error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", decoded["jsonrpc"])
	}
	if decoded["method"] != "tools/call" {
		t.Errorf("method = %v, want tools/call", decoded["method"])
	}
	if decoded["id"] != float64(7) {
		t.Errorf("id = %v, want 7", decoded["id"])
	}
}

func TestEncodeNotification(t *testing.T) {
	t.Parallel()

	data, err := EncodeNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("EncodeNotification() error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["method"] != "notifications/initialized" {
		t.Errorf("method = %v, want notifications/initialized", decoded["method"])
	}
	if _, hasID := decoded["id"]; hasID {
		t.Errorf("notification must not carry an id, got %v", decoded["id"])
	}
}

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		wantResp bool
		wantID   *int64
	}{
		{
			name:     "plain response",
			line:     `{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`,
			wantResp: true,
			wantID:   int64Ptr(3),
		},
		{
			name:     "data prefix stripped",
			line:     `data: {"jsonrpc":"2.0","id":5,"result":"x"}`,
			wantResp: true,
			wantID:   int64Ptr(5),
		},
		{
			name:     "log line skipped",
			line:     "server starting on stdio",
			wantResp: false,
		},
		{
			name:     "notification skipped",
			line:     `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`,
			wantResp: false,
		},
		{
			name:     "empty line skipped",
			line:     "",
			wantResp: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, id, err := DecodeResponse([]byte(tt.line))
			if err != nil {
				t.Fatalf("DecodeResponse() error: %v", err)
			}
			if (resp != nil) != tt.wantResp {
				t.Fatalf("resp present = %v, want %v", resp != nil, tt.wantResp)
			}
			if tt.wantID != nil {
				if id == nil || *id != *tt.wantID {
					t.Errorf("id = %v, want %d", id, *tt.wantID)
				}
			}
		})
	}
}

func TestDecodeResponse_Error(t *testing.T) {
	t.Parallel()

	resp, id, err := DecodeResponse([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	if err != nil {
		t.Fatalf("DecodeResponse() error: %v", err)
	}
	if resp == nil || resp.Error == nil {
		t.Fatal("expected decoded error response")
	}
	wireErr, ok := resp.Error.(*jsonrpc.Error)
	if !ok {
		t.Fatalf("error type = %T, want *jsonrpc.Error", resp.Error)
	}
	if wireErr.Code != -32601 {
		t.Errorf("error code = %d, want -32601", wireErr.Code)
	}
	if id == nil || *id != 1 {
		t.Errorf("id = %v, want 1", id)
	}
}

func int64Ptr(v int64) *int64 { return &v }
