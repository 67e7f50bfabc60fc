// Package gateway exposes the fleet registry as a single JSON-RPC 2.0
// HTTP endpoint. One POST, one request, one response — no batching.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/mcpcore/core/internal/catalog"
	"github.com/mcpcore/core/internal/conduit"
	"github.com/mcpcore/core/internal/config"
	"github.com/mcpcore/core/internal/fleet"
	"github.com/mcpcore/core/internal/store"
)

// JSON-RPC error codes used throughout this gateway.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeOperational    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server is the front-end JSON-RPC dispatcher.
type Server struct {
	addr    string
	cfg     *config.Config
	store   *store.DB
	fleet   *fleet.Registry
	catalog *catalog.Client

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// New builds a gateway bound to cfg.ListenAddr, wiring the fleet registry,
// the persistence store (for the tools/hidden preference) and the catalog
// client (for registry/list and registry/install).
func New(cfg *config.Config, db *store.DB, reg *fleet.Registry, cat *catalog.Client) *Server {
	s := &Server{
		addr:    cfg.ListenAddr,
		cfg:     cfg,
		store:   db,
		fleet:   reg,
		catalog: cat,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /rpc", s.handleRPC)
	s.mux.HandleFunc("GET /rpc/stream", s.handleRPCStream)
	s.server = &http.Server{Handler: s.mux}
	return s
}

// Start opens the listener and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("gateway: serve error: %v", err)
		}
	}()
	log.Printf("gateway: listening on %s", s.addr)
	return nil
}

// Stop gracefully shuts the gateway down within the given context.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, nil, nil, &rpcError{Code: CodeInvalidParams, Message: "malformed request body"})
		return
	}

	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	writeRPC(w, req.ID, result, rpcErr)
}

// handleRPCStream is a placeholder: SSE session fan-out for streaming
// JSON-RPC is the untrusted transport layer's job, not this core's. It
// always reports 501 so a client probing for streaming support gets an
// explicit, documented answer rather than a 404.
func (s *Server) handleRPCStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotImplemented)
	json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: "2.0",
		Error: &rpcError{
			Code:    CodeOperational,
			Message: "GET /rpc/stream is not implemented: streaming transport is out of scope for this core",
		},
	})
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "tools/list":
		return s.handleToolsList(), nil
	case "tools/call":
		return s.handleToolsCall(ctx, params)
	case "tools/hidden":
		return s.handleToolsHidden()
	case "registry/list":
		return s.handleRegistryList(ctx)
	case "registry/install":
		return s.handleRegistryInstall(ctx, params)
	case "registry/import":
		return s.handleRegistryImport(ctx, params)
	case "server/config":
		return s.handleServerConfig(ctx, params)
	case "server/start":
		return s.handleServerStart(ctx, params)
	case "server/stop":
		return s.handleServerStop(params)
	case "server/delete":
		return s.handleServerDelete(params)
	default:
		return nil, &rpcError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
}

// registerServerTool is the built-in tool every tools/list response leads
// with; it is handled directly by the gateway rather than routed to a
// child, so it exists even before any server is installed.
var registerServerTool = fleet.ToolEntry{
	ProxyID:     "register_server",
	ID:          "register_server",
	Name:        "register_server",
	Description: "Install and enable a new MCP server from the catalog or an explicit record.",
}

func (s *Server) handleToolsList() map[string]interface{} {
	tools := append([]fleet.ToolEntry{registerServerTool}, s.fleet.ListAllTools()...)
	return map[string]interface{}{"tools": tools}
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.Name == "" {
		return nil, &rpcError{Code: CodeInvalidParams, Message: "params.name is required"}
	}

	if req.Name == "register_server" {
		return s.handleRegistryInstall(ctx, req.Arguments)
	}

	_, c, toolID, err := s.fleet.FindConduit(req.Name)
	if err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}

	callParams := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}{toolID, req.Arguments}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
	defer cancel()

	result, err := c.Call(callCtx, c.NextID(), "tools/call", callParams)
	if err != nil {
		if execErr, ok := err.(*conduit.ErrToolExecutionError); ok {
			return nil, &rpcError{Code: CodeOperational, Message: execErr.Message}
		}
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}

	var raw interface{}
	json.Unmarshal(result, &raw)
	return raw, nil
}

func (s *Server) handleToolsHidden() (interface{}, *rpcError) {
	hidden, err := s.store.GetHidden()
	if err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}
	return map[string]bool{"hidden": hidden}, nil
}

func (s *Server) handleRegistryList(ctx context.Context) (interface{}, *rpcError) {
	entries, err := s.catalog.Fetch(ctx)
	if err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}

	installed := make(map[string]bool)
	for _, srv := range s.fleet.ListServers() {
		installed[srv.ID] = true
	}

	type annotated struct {
		catalog.Entry
		Installed bool `json:"installed"`
	}
	out := make([]annotated, 0, len(entries))
	for _, e := range entries {
		out = append(out, annotated{Entry: e, Installed: installed[e.ID]})
	}
	return map[string]interface{}{"tools": out}, nil
}

// installRequest is the tagged variant accepted by registry/install: either
// {tool_id} to install from the catalog, or an explicit record.
type installRequest struct {
	ToolID string `json:"tool_id"`

	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Type          string               `json:"type"`
	Configuration *catalog.Config      `json:"configuration"`
	Distribution  *store.Distribution  `json:"distribution"`
}

func (s *Server) handleRegistryInstall(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var req installRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpcError{Code: CodeInvalidParams, Message: "invalid registry/install params"}
	}

	var rec *store.ServerRecord
	if req.ToolID != "" {
		entries, err := s.catalog.Fetch(ctx)
		if err != nil {
			return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
		}
		var found *catalog.Entry
		for i := range entries {
			if entries[i].ID == req.ToolID {
				found = &entries[i]
				break
			}
		}
		if found == nil {
			return nil, &rpcError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown catalog tool_id %q", req.ToolID)}
		}
		rec = &store.ServerRecord{
			ID: found.ID, Name: found.Name, Description: found.Description,
			Runtime: found.Runtime, Enabled: true,
			Command: found.Config.Command, Args: found.Config.Args,
		}
		if found.Distribution != nil {
			rec.Distribution = &store.Distribution{Type: found.Distribution.Type, Package: found.Distribution.Package}
		}
	} else {
		if req.ID == "" || req.Name == "" {
			return nil, &rpcError{Code: CodeInvalidParams, Message: "id and name are required for explicit install"}
		}
		rec = &store.ServerRecord{
			ID: req.ID, Name: req.Name, Description: req.Description,
			Runtime: req.Type, Enabled: true,
		}
		if req.Configuration != nil {
			rec.Command = req.Configuration.Command
			rec.Args = req.Configuration.Args
		}
		rec.Distribution = req.Distribution
	}

	if err := s.fleet.Register(ctx, rec); err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}
	return map[string]interface{}{"success": true, "tool_id": rec.ID}, nil
}

func (s *Server) handleRegistryImport(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.URL == "" {
		return nil, &rpcError{Code: CodeInvalidParams, Message: "params.url is required"}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}
	defer resp.Body.Close()

	var rec store.ServerRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: fmt.Sprintf("decode imported record: %v", err)}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Enabled = true

	if err := s.fleet.Register(ctx, &rec); err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}
	return map[string]interface{}{"success": true, "tool_id": rec.ID}, nil
}

func (s *Server) handleServerConfig(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var req struct {
		ToolID string `json:"tool_id"`
		Config struct {
			Env map[string]store.EnvVar `json:"env"`
		} `json:"config"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ToolID == "" {
		return nil, &rpcError{Code: CodeInvalidParams, Message: "params.tool_id is required"}
	}

	if err := s.fleet.UpdateEnv(ctx, req.ToolID, req.Config.Env); err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) handleServerStart(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	id, rErr := requireToolID(params)
	if rErr != nil {
		return nil, rErr
	}
	if err := s.fleet.SetEnabled(ctx, id, true); err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) handleServerStop(params json.RawMessage) (interface{}, *rpcError) {
	id, rErr := requireToolID(params)
	if rErr != nil {
		return nil, rErr
	}
	if err := s.fleet.SetEnabled(context.Background(), id, false); err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) handleServerDelete(params json.RawMessage) (interface{}, *rpcError) {
	id, rErr := requireToolID(params)
	if rErr != nil {
		return nil, rErr
	}
	if err := s.fleet.Uninstall(id); err != nil {
		return nil, &rpcError{Code: CodeOperational, Message: err.Error()}
	}
	return map[string]interface{}{"success": true}, nil
}

func requireToolID(params json.RawMessage) (string, *rpcError) {
	var req struct {
		ToolID string `json:"tool_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ToolID == "" {
		return "", &rpcError{Code: CodeInvalidParams, Message: "params.tool_id is required"}
	}
	return req.ToolID, nil
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result interface{}, rpcErr *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
}
