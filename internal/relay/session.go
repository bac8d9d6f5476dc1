// Package relay manages individual WebSocket sessions, handling read/write
// pumps, frame classification, and lifecycle control for each connection.
package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// sessionKind distinguishes the public-room control loop from the private
// pairing one.
type sessionKind int

const (
	kindPublic sessionKind = iota
	kindPrivate
)

const (
	// evictionCloseCode is sent to a session displaced by a newer
	// registration for the same device identity.
	evictionCloseCode = 3000

	readDeadline = 60 * time.Second
	writeWait    = 10 * time.Second
	pingPeriod   = 54 * time.Second
)

// Session represents one connected WebSocket client. It owns the
// connection, the buffered outbound queue drained by the write pump, and
// the identity under which the connection was registered.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	deviceID string
	kind     sessionKind
	// peer is the target identity of a private session; empty for public.
	peer   string
	logger zerolog.Logger

	mu       sync.Mutex
	closed   bool
	teardown sync.Once
}

func newSession(hub *Hub, conn *websocket.Conn, deviceID string, kind sessionKind, peer string) *Session {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	logger := hub.logger.With().Str("device_id", deviceID).Logger()
	if kind == kindPrivate {
		logger = logger.With().Str("peer", peer).Logger()
	}

	return &Session{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBufferSize),
		deviceID: deviceID,
		kind:     kind,
		peer:     peer,
		logger:   logger,
	}
}

// DeviceID returns the identity the session registered under.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// trySend queues a payload for delivery without blocking. It reports false
// when the session is closed or its outbound buffer is full, which callers
// treat as a dead-channel signal.
func (s *Session) trySend(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend marks the session closed and closes the outbound queue so the
// write pump finishes. Safe to call more than once.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// evict forcibly closes a session displaced by a newer registration for
// the same identity. It is a notification to the victim's pumps, never a
// synchronous call into its control loop; errors are ignored because the
// old transport is presumed already dead.
func (s *Session) evict() {
	s.closeSend()
	if s.conn == nil {
		return
	}
	message := websocket.FormatCloseMessage(evictionCloseCode, "session superseded")
	_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// setupReadConnection configures the read deadline and pong handler so an
// unresponsive transport eventually fails the read loop.
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to set initial read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
}

// logReadError classifies a terminal read error for logging. Every read
// error ends the session; only unexpected ones are worth noise.
func (s *Session) logReadError(err error) {
	switch {
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		evictionCloseCode):
		s.logger.Debug().Err(err).Msg("session disconnected")
	case isExpectedCloseError(err):
		s.logger.Debug().Err(err).Msg("session connection closed")
	default:
		s.logger.Warn().Err(err).Msg("websocket read error")
	}
}

// readPump is the session's inbound control loop. It classifies each frame
// and dispatches it, and guarantees teardown on every exit path: transport
// disconnect, read error, or protocol violation.
func (s *Session) readPump() {
	defer func() {
		s.hub.teardownSession(s, true)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn().Err(err).Msg("error closing connection in readPump")
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			s.logger.Warn().Err(err).Msg("failed to refresh read deadline")
		}

		s.hub.registry.Touch(s.deviceID)

		frame, err := decodeFrame(raw)
		if err != nil {
			// Protocol violation: an unparseable frame terminates the session.
			s.logger.Warn().Err(err).Msg("malformed frame, terminating session")
			return
		}

		s.handleFrame(frame)
	}
}

// handleFrame dispatches one inbound frame by its declared type.
func (s *Session) handleFrame(frame InboundFrame) {
	switch frame.Kind() {
	case FramePing:
		// Heartbeats bypass the rate gate entirely.
		s.trySend(mustEncode(PongFrame{Type: FramePong, TS: unixNow()}))
	case FrameMessage:
		s.handleMessage(frame)
	default:
		s.logger.Debug().Str("type", frame.Type).Msg("ignoring unrecognized frame type")
	}
}

// handleMessage applies the rate gate and routes an accepted message to
// the public room or the private pairing, depending on the session kind.
func (s *Session) handleMessage(frame InboundFrame) {
	if !s.hub.rates.Allow(s.deviceID) {
		s.hub.metrics.rateLimited.Inc()
		message := errTooFastPublic
		if s.kind == kindPrivate {
			message = errTooFastPrivate
		}
		s.trySend(mustEncode(ErrorFrame{Type: FrameError, Message: message}))
		return
	}

	text := sanitizeText(frame.Text, s.hub.cfg.MaxTextLength)
	now := unixNow()

	switch s.kind {
	case kindPublic:
		s.hub.metrics.messages.WithLabelValues("public").Inc()
		s.hub.Broadcast(mustEncode(PublicMessageFrame{
			Type: FramePublicMessage,
			From: s.deviceID,
			Text: text,
			TS:   now,
		}))
	case kindPrivate:
		s.hub.metrics.messages.WithLabelValues("private").Inc()
		s.routePrivate(text, now)
	}
}

// routePrivate resolves the reverse pairing (peer, self) and unicasts the
// message to the session the peer opened toward us. An unresolved pairing
// is reported to the sender only; the peer has no session to report into.
func (s *Session) routePrivate(text string, now float64) {
	target, ok := s.hub.pairing.Resolve(s.peer, s.deviceID)
	if !ok {
		s.trySend(mustEncode(ErrorFrame{Type: FrameError, Message: errTargetNotInPrivate}))
		return
	}

	payload := mustEncode(PrivateMessageFrame{
		Type: FramePrivateMessage,
		From: s.deviceID,
		To:   s.peer,
		Text: text,
		TS:   now,
	})
	if !s.hub.Unicast(target, payload) {
		// The peer's channel is dead; clean up its state. The failure is
		// never raised into the sender's loop.
		s.hub.teardownSession(target, false)
	}
}

// writePump drains the outbound queue onto the connection and keeps the
// transport alive with periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn().Err(err).Msg("error closing connection in writePump")
		}
	}()

	for {
		select {
		case payload, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
