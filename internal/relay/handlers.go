// Package relay exposes the HTTP surface: WebSocket upgrades for the
// public and private routes, the online-users query, health, and metrics.
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Handler wires the hub into an HTTP router.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	gatherer prometheus.Gatherer
}

// NewHandler builds the HTTP layer for a hub. The gatherer backs the
// /metrics endpoint and must be the registry the hub's metrics were
// registered with.
func NewHandler(hub *Hub, logger zerolog.Logger, gatherer prometheus.Gatherer) *Handler {
	policy := newOriginPolicy(hub.cfg.AllowedOrigins, logger)
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		logger:   logger.With().Str("component", "http").Logger(),
		gatherer: gatherer,
	}
}

// Routes returns the relay's route tree.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.healthHandler)
	r.Get("/online-users", h.onlineUsersHandler)
	r.Get("/ws/public", h.publicHandler)
	r.Get("/ws/private/{target}", h.privateHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	return r
}

// healthHandler reports that the relay is up.
func (h *Handler) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Driftchat relay is running!")
}

// onlineUsersHandler returns a snapshot of all currently registered
// device identities. The snapshot is advisory; it may be stale by the
// time the client reads it.
func (h *Handler) onlineUsersHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.hub.Registry().Snapshot()); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write online-users response")
	}
}

// publicHandler upgrades a public-room connection. The device identity
// comes from the device_id query parameter, or is generated when absent.
func (h *Handler) publicHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = newDeviceID()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := newSession(h.hub, conn, deviceID, kindPublic, "")
	h.hub.connectPublic(s)
	h.hub.runSession(s)
}

// privateHandler upgrades a private pairing connection toward the target
// identity in the URL. The sender identity comes from the from query
// parameter, or is generated when absent.
func (h *Handler) privateHandler(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	from := r.URL.Query().Get("from")
	if from == "" {
		from = newDeviceID()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := newSession(h.hub, conn, from, kindPrivate, target)
	h.hub.connectPrivate(s)
	h.hub.runSession(s)
}

// newDeviceID generates the 8-character identity token used when a client
// does not supply one.
func newDeviceID() string {
	return uuid.NewString()[:8]
}
