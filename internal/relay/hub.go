// Package relay coordinates session registration, message broadcast, and
// connection cleanup for the Driftchat relay via the Hub type.
package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Hub owns the four shared state tables: the connection registry, the
// public room set, the private pairing table, and the per-device rate
// gate. Sessions never talk to each other directly; every interaction goes
// through the hub, and every table access is a short, lock-serialized
// read-modify-write. No table is ever held locked across a network send.
type Hub struct {
	cfg     *Config
	logger  zerolog.Logger
	metrics *Metrics

	registry *Registry
	room     *Room
	pairing  *PairingTable
	rates    *RateGate

	wg sync.WaitGroup
}

// NewHub creates a hub with empty state tables.
func NewHub(cfg *Config, logger zerolog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger.With().Str("component", "hub").Logger(),
		metrics:  metrics,
		registry: NewRegistry(logger),
		room:     NewRoom(),
		pairing:  NewPairingTable(),
		rates:    NewRateGate(cfg.RateLimitInterval),
	}
}

// Registry exposes the connection registry for the online-users query.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Room exposes the public room membership set.
func (h *Hub) Room() *Room {
	return h.room
}

// Pairing exposes the private pairing table.
func (h *Hub) Pairing() *PairingTable {
	return h.pairing
}

// Unicast attempts best-effort delivery of a payload to one session. A
// false return means the channel is dead or saturated; the caller should
// trigger cleanup for the owning identity. Delivery failure is never
// raised into the sender's own processing loop.
func (h *Hub) Unicast(s *Session, payload []byte) bool {
	return s.trySend(payload)
}

// Broadcast delivers a payload to every session in the registry snapshot
// taken at call time. Sessions joining during the pass may or may not
// receive it. One recipient's failure never aborts delivery to the others;
// failed recipients are collected and torn down after the pass completes,
// never while the snapshot is being walked.
func (h *Hub) Broadcast(payload []byte) {
	var stale []*Session
	for _, s := range h.registry.sessions() {
		if !s.trySend(payload) {
			stale = append(stale, s)
		}
	}

	for _, s := range stale {
		h.metrics.broadcastFailures.Inc()
		h.logger.Info().Str("device_id", s.deviceID).Msg("removing unreachable session after broadcast")
		h.teardownSession(s, false)
	}
}

// connectPublic registers a new public session: install it in the
// registry (evicting any prior session for the identity), join the room,
// and announce the join with the updated online set.
func (h *Hub) connectPublic(s *Session) {
	if evicted := h.registry.Register(s.deviceID, s); evicted != nil {
		h.metrics.evictions.Inc()
	}
	h.room.Join(s.deviceID)
	h.metrics.activeConnections.Inc()

	h.Broadcast(mustEncode(PresenceFrame{
		Type:     FrameJoin,
		DeviceID: s.deviceID,
		Online:   h.room.Members(),
	}))
}

// connectPrivate registers a new private session: install it in the
// registry and the pairing table, then notify the target that a private
// session was opened toward it. The notice is best-effort; a missing or
// unreachable target is not fatal to the initiator's session.
func (h *Hub) connectPrivate(s *Session) {
	if evicted := h.registry.Register(s.deviceID, s); evicted != nil {
		h.metrics.evictions.Inc()
	}
	h.pairing.Open(s.deviceID, s.peer, s)
	h.metrics.activeConnections.Inc()

	if target, ok := h.registry.lookup(s.peer); ok {
		h.Unicast(target, mustEncode(PrivateRequestFrame{
			Type: FramePrivateRequest,
			From: s.deviceID,
		}))
	}
}

// runSession drives a connected session until its transport terminates.
// The write pump runs in its own goroutine; the read loop runs on the
// caller's goroutine and returns once the session is torn down.
func (h *Hub) runSession(s *Session) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	defer h.wg.Done()
	s.readPump()
}

// teardownSession purges every table entry a session holds. It runs at
// most once per session, regardless of which path triggered it: transport
// disconnect, protocol violation, eviction, or a failed delivery.
//
// A session that lost its registry slot to a newer registration releases
// only the state it still owns, so the replacement's entries survive the
// stale teardown. When announce is set, a public session's departure is
// broadcast with the updated online set.
func (h *Hub) teardownSession(s *Session, announce bool) {
	s.teardown.Do(func() {
		s.closeSend()

		owned := h.registry.release(s.deviceID, s)
		if s.kind == kindPrivate {
			h.pairing.release(s.deviceID, s.peer, s)
		}
		h.metrics.activeConnections.Dec()

		if s.kind == kindPublic {
			if owned {
				h.room.Leave(s.deviceID)
			} else if cur, ok := h.registry.lookup(s.deviceID); !ok || cur.kind != kindPublic {
				// Superseded by a non-public session, or the replacement is
				// already gone: room membership must not outlive the public
				// connection it belonged to.
				h.room.Leave(s.deviceID)
			}
		}

		if !owned {
			h.logger.Debug().Str("device_id", s.deviceID).Msg("superseded session torn down")
			return
		}

		h.rates.Forget(s.deviceID)
		h.logger.Info().Str("device_id", s.deviceID).Msg("session torn down")

		if announce && s.kind == kindPublic {
			h.Broadcast(mustEncode(PresenceFrame{
				Type:     FrameLeave,
				DeviceID: s.deviceID,
				Online:   h.room.Members(),
			}))
		}
	})
}

// Shutdown tears down all live sessions and waits for their pumps to
// finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	sessions := h.registry.sessions()
	h.logger.Info().Int("sessions", len(sessions)).Msg("shutting down all sessions")

	for _, s := range sessions {
		h.teardownSession(s, false)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}

// isExpectedCloseError reports whether an error is routine noise from a
// connection that is already closing.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
