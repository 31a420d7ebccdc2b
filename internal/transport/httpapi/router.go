// Package httpapi serves the HTTP side of the server: health, version,
// player state, Prometheus metrics and the Socket.io mount.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpd/internal/domain/player"
	"github.com/edumarques81/stellar-mpd/internal/version"
)

// StateSource provides the player snapshot.
type StateSource interface {
	State() player.State
}

// Listener is the MPD listener as seen by the health check.
type Listener interface {
	Addr() net.Addr
	Uptime() time.Duration
}

// Deps are the handlers' collaborators. SocketIO may be nil.
type Deps struct {
	Player   StateSource
	MPD      Listener
	SocketIO http.Handler
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	MPD     string `json:"mpd"`
	Addr    string `json:"addr,omitempty"`
	Uptime  int64  `json:"uptime"`
	Version string `json:"version"`
}

type handlers struct {
	deps Deps
}

// NewHandler builds the HTTP routes behind the CORS middleware.
func NewHandler(deps Deps) http.Handler {
	h := &handlers{deps: deps}

	r := mux.NewRouter()

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/version", h.version).Methods(http.MethodGet)
	api.HandleFunc("/state", h.state).Methods(http.MethodGet)

	if deps.SocketIO != nil {
		r.PathPrefix("/socket.io/").Handler(deps.SocketIO)
	}
	return corsMiddleware(r)
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		MPD:     "listening",
		Version: version.Version,
	}

	status := http.StatusOK
	addr := h.deps.MPD.Addr()
	if addr == nil {
		resp.Status = "error"
		resp.MPD = "stopped"
		status = http.StatusServiceUnavailable
	} else {
		resp.Addr = addr.String()
		resp.Uptime = int64(h.deps.MPD.Uptime() / time.Second)
	}
	writeJSON(w, status, resp)
}

func (h *handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

func (h *handlers) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Player.State().ToJSON())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
