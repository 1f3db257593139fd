package rpc

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func postRPC(t *testing.T, s *Server, body string) *Response {
	t.Helper()

	req := httptest.NewRequest("POST", "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &resp
}

func TestHandleRPCParseError(t *testing.T) {
	s := NewServer(nil, nil, nil)

	resp := postRPC(t, s, "{not json")
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("error = %+v, want parse error", resp.Error)
	}
}

func TestHandleRPCInvalidVersion(t *testing.T) {
	s := NewServer(nil, nil, nil)

	resp := postRPC(t, s, `{"jsonrpc":"1.0","method":"chains_list","id":1}`)
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("error = %+v, want invalid request", resp.Error)
	}
}

func TestHandleRPCMethodNotFound(t *testing.T) {
	s := NewServer(nil, nil, nil)

	resp := postRPC(t, s, `{"jsonrpc":"2.0","method":"no_such_method","id":1}`)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("error = %+v, want method not found", resp.Error)
	}
}

func TestChainsList(t *testing.T) {
	s := NewServer(nil, nil, nil)

	resp := postRPC(t, s, `{"jsonrpc":"2.0","method":"chains_list","id":7}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result type = %T", resp.Result)
	}
	chains, ok := result["chains"].([]interface{})
	if !ok || len(chains) < 2 {
		t.Fatalf("chains = %v, want at least 2 entries", result["chains"])
	}

	first, _ := chains[0].(map[string]interface{})
	for _, field := range []string{"id", "family", "required_confirmations"} {
		if _, ok := first[field]; !ok {
			t.Errorf("chain entry missing %q", field)
		}
	}

	if id, _ := json.Marshal(resp.ID); string(id) != "7" {
		t.Errorf("response id = %s, want 7", id)
	}
}

func TestRelayerStatusWithoutReconciler(t *testing.T) {
	s := NewServer(nil, nil, nil)

	resp := postRPC(t, s, `{"jsonrpc":"2.0","method":"relayer_status","id":1}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestMonitorCheckWithoutMonitor(t *testing.T) {
	s := NewServer(nil, nil, nil)

	resp := postRPC(t, s, `{"jsonrpc":"2.0","method":"monitor_check","id":1}`)
	if resp.Error == nil {
		t.Error("monitor_check without a monitor should error")
	}
}
