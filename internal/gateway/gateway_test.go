package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcpcore/core/internal/catalog"
	"github.com/mcpcore/core/internal/config"
	"github.com/mcpcore/core/internal/fleet"
	"github.com/mcpcore/core/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	reg, err := fleet.New(cfg, db)
	if err != nil {
		t.Fatal(err)
	}
	cat := catalog.NewClient("http://127.0.0.1:0/unused", time.Minute)
	return New(cfg, db, reg, cat)
}

func doRPC(t *testing.T, s *Server, method string, params interface{}) rpcResponse {
	t.Helper()
	body := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, _ := json.Marshal(body)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(raw))
	s.mux.ServeHTTP(rec, req)

	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
	return resp
}

func TestToolsList_LeadsWithRegisterServerTool(t *testing.T) {
	s := testServer(t)
	resp := doRPC(t, s, "tools/list", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var out struct {
		Tools []fleet.ToolEntry `json:"tools"`
	}
	json.Unmarshal(data, &out)
	if len(out.Tools) != 1 || out.Tools[0].ID != "register_server" {
		t.Fatalf("tools = %+v", out.Tools)
	}
}

func TestRPCStream_ReturnsNotImplemented(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rpc/stream", nil)
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
	if resp.Error == nil {
		t.Fatalf("error = nil, want a JSON-RPC error body")
	}
}

func TestUnknownMethod_ReturnsMethodNotFound(t *testing.T) {
	s := testServer(t)
	resp := doRPC(t, s, "foo", nil)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeMethodNotFound)
	}
}

func TestToolsCall_MissingParams_ReturnsInvalidParams(t *testing.T) {
	s := testServer(t)
	resp := doRPC(t, s, "tools/call", nil)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInvalidParams)
	}
}

func TestToolsHidden_DefaultsFalse(t *testing.T) {
	s := testServer(t)
	resp := doRPC(t, s, "tools/hidden", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var out struct {
		Hidden bool `json:"hidden"`
	}
	json.Unmarshal(data, &out)
	if out.Hidden {
		t.Error("hidden = true by default")
	}
}

func TestServerStart_RequiresToolID(t *testing.T) {
	s := testServer(t)
	resp := doRPC(t, s, "server/start", map[string]interface{}{})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInvalidParams)
	}
}

func TestServerDelete_UnknownID_ReturnsOperationalError(t *testing.T) {
	s := testServer(t)
	resp := doRPC(t, s, "server/delete", map[string]interface{}{"tool_id": "nope"})
	if resp.Error == nil || resp.Error.Code != CodeOperational {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeOperational)
	}
}
