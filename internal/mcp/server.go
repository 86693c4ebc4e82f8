// Package mcp exposes a running simulation to tool-calling clients as a small MCP-style
// JSON-RPC endpoint.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"townsim.ai/internal/sim/tiles"
	"townsim.ai/internal/sim/world"
)

const (
	ToolGetState = "townsim.get_state"
	ToolGetTile  = "townsim.get_tile"
	ToolSave     = "townsim.save"
)

// Backend is what the tools read and drive; *AdminClient implements it over HTTP.
type Backend interface {
	State(ctx context.Context) (world.Status, error)
	Tile(ctx context.Context, x, y int) (tiles.Tile, error)
	Save(ctx context.Context) error
}

type Config struct {
	Backend    Backend
	HMACSecret string
	Logger     *log.Logger
}

type Server struct {
	backend    Backend
	hmacSecret []byte
	replay     *replayGuard
	log        *log.Logger
	now        func() time.Time
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("nil backend")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		backend: cfg.Backend,
		log:     logger,
		now:     time.Now,
	}
	if secret := strings.TrimSpace(cfg.HMACSecret); secret != "" {
		s.hmacSecret = []byte(secret)
		s.replay = newReplayGuard(0)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp", s.handleMCP)
	return mux
}

func (s *Server) handleMCP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "bad body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	if len(s.hmacSecret) > 0 {
		vr := verifyHMAC(r, body, s.hmacSecret, s.now())
		if vr.HTTPStatus != 0 {
			http.Error(rw, vr.Message, vr.HTTPStatus)
			return
		}
		if !s.replay.allow(vr.ClientID, vr.Signature, s.now()) {
			http.Error(rw, "replayed request", http.StatusConflict)
			return
		}
	} else if err := requireLoopback(r); err != nil {
		http.Error(rw, err.Error(), http.StatusForbidden)
		return
	}

	rw.Header().Set("content-type", "application/json")
	req, perr := parseRPCRequest(body)
	if perr != nil {
		_ = json.NewEncoder(rw).Encode(rpcErr(nil, perr.Code, perr.Message, perr.Data))
		return
	}
	resp := s.dispatch(r.Context(), req)
	if req.notification() {
		rw.WriteHeader(http.StatusAccepted)
		return
	}
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "townsim"},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		})
	case "list_tools", "tools/list":
		return rpcOK(req.ID, map[string]any{"tools": toolsList()})
	case "call_tool", "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(req.Params) == 0 {
			return rpcErr(req.ID, codeInvalidParams, "missing params", nil)
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpcErr(req.ID, codeInvalidParams, "bad params", err.Error())
		}
		out, err := s.callTool(ctx, p.Name, p.Arguments)
		if errors.Is(err, errUnknownTool) {
			return rpcErr(req.ID, codeMethodNotFound, "tool not found", map[string]any{"name": p.Name})
		}
		if err != nil {
			s.log.Printf("tool %s: %v", p.Name, err)
			return toolFailure(req.ID, err)
		}
		res, err := newToolResult(out)
		if err != nil {
			return toolFailure(req.ID, err)
		}
		return rpcOK(req.ID, res)
	case "notifications/initialized", "ping":
		return rpcOK(req.ID, map[string]any{})
	default:
		return rpcErr(req.ID, codeMethodNotFound, "method not found", map[string]any{"method": req.Method})
	}
}

var errUnknownTool = errors.New("unknown tool")

var emptyObject = map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}

func toolsList() []map[string]any {
	return []map[string]any{
		{
			"name":        ToolGetState,
			"description": "Current simulation id, step, game time and every agent's tile.",
			"inputSchema": emptyObject,
		},
		{
			"name":        ToolGetTile,
			"description": "Address and object events of one map tile.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"x": map[string]any{"type": "integer", "minimum": 0},
					"y": map[string]any{"type": "integer", "minimum": 0},
				},
				"required":             []string{"x", "y"},
				"additionalProperties": false,
			},
		},
		{
			"name":        ToolSave,
			"description": "Persist the running simulation to its snapshot.",
			"inputSchema": emptyObject,
		},
	}
}

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case ToolGetState:
		return s.backend.State(ctx)
	case ToolGetTile:
		var p struct {
			X *int `json:"x"`
			Y *int `json:"y"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, &rpcError{Code: codeInvalidParams, Message: "bad arguments", Data: err.Error()}
			}
		}
		if p.X == nil || p.Y == nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "bad arguments: x and y are required"}
		}
		return s.backend.Tile(ctx, *p.X, *p.Y)
	case ToolSave:
		if err := s.backend.Save(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	default:
		return nil, errUnknownTool
	}
}
