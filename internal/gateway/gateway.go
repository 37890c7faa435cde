// Package gateway is the stateless front door: it parses notebook routes,
// checks the shared token, and hands requests to the coordinator registry.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/internal/coordinator"
)

// Config carries the process-wide gateway settings.
type Config struct {
	// AuthToken, when non-empty, must match the `token` query parameter on
	// websocket and snapshot requests. Empty means the endpoints are open.
	AuthToken string
}

// Gateway routes HTTP and websocket traffic onto coordinators.
type Gateway struct {
	cfg Config
	reg *coordinator.Registry
	log *zap.Logger
}

// New creates a gateway over the given registry.
func New(cfg Config, reg *coordinator.Registry, log *zap.Logger) *Gateway {
	return &Gateway{cfg: cfg, reg: reg, log: log}
}

// Router builds the HTTP surface.
func (g *Gateway) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/{notebookId}", g.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/{notebookId}/snapshot", g.handleSnapshot).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(g.handleDefault)
	return g.corsMiddleware(r)
}

// corsMiddleware answers preflights and decorates plain HTTP responses.
// Websocket upgrades are left untouched: CORS headers grafted onto a 101
// response break some clients.
func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			setCORS(w.Header())
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !isWebsocketUpgrade(r) {
			setCORS(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.cfg.AuthToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.AuthToken)) == 1
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		// Reject before any coordinator is activated on this request's
		// behalf.
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	notebookID := mux.Vars(r)["notebookId"]
	c, err := g.reg.Get(r.Context(), notebookID)
	if err != nil {
		http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
		return
	}
	c.ServeWS(w, r)
}

func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	notebookID := mux.Vars(r)["notebookId"]
	c, err := g.reg.Get(r.Context(), notebookID)
	if err != nil {
		http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
		return
	}
	snap, err := c.Snapshot(r.Context())
	if err != nil {
		g.log.Error("encoding snapshot response", zap.Error(err))
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(snap)
}

// SelfDescription is the JSON body returned for unmatched paths. Clients
// probe for this exact shape to detect a kernel URL pointed at the collab
// gateway by mistake.
type SelfDescription struct {
	OK        bool              `json:"ok"`
	Message   string            `json:"message"`
	Endpoints map[string]string `json:"endpoints"`
}

func (g *Gateway) handleDefault(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(SelfDescription{
		OK:      true,
		Message: "notebook collaboration gateway; connect clients over websocket",
		Endpoints: map[string]string{
			"health":    "/api/health",
			"websocket": "/ws/{notebookId}",
		},
	})
}
