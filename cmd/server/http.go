package main

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/tiles"
	"townsim.ai/internal/sim/world"
)

// adminSim is the part of *world.World the admin endpoints read.
type adminSim interface {
	Status() world.Status
	Tile(c tiles.Coord) tiles.Tile
	InBounds(c tiles.Coord) bool
	Save() error
}

type muxConfig struct {
	Sim      adminSim
	Metrics  http.Handler
	Frontend http.Handler
	Admin    bool
}

func newMux(cfg muxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}
	if cfg.Frontend != nil {
		mux.Handle("/v1/frontend", cfg.Frontend)
	}
	if !cfg.Admin {
		return mux
	}

	// Local-only admin endpoints.
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(rw, http.StatusOK, cfg.Sim.Status())
	})
	mux.HandleFunc("/admin/v1/tile", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		x, errX := strconv.Atoi(r.URL.Query().Get("x"))
		y, errY := strconv.Atoi(r.URL.Query().Get("y"))
		if errX != nil || errY != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, "x and y must be integers")
			return
		}
		c := tiles.Coord{X: x, Y: y}
		if !cfg.Sim.InBounds(c) {
			writeError(rw, http.StatusNotFound, protocol.ErrNotFound, "tile "+c.String()+" out of bounds")
			return
		}
		writeJSON(rw, http.StatusOK, cfg.Sim.Tile(c))
	})
	mux.HandleFunc("/admin/v1/save", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if err := cfg.Sim.Save(); err != nil {
			writeError(rw, http.StatusServiceUnavailable, world.Code(err), err.Error())
			return
		}
		st := cfg.Sim.Status()
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "sim_id": st.SimID, "step": st.Step})
	})
	return mux
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
