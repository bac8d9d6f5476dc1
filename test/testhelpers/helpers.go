// Package testhelpers provides common utilities for exercising the relay
// over real WebSocket connections in integration tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/driftchat/driftchat/internal/relay"
)

// RelayFixture bundles a running relay with the pieces tests poke at.
type RelayFixture struct {
	Server *httptest.Server
	Hub    *relay.Hub
	Config *relay.Config
}

// StartRelay boots a relay on an httptest server with default
// configuration and registers cleanup with the test.
func StartRelay(t *testing.T) *RelayFixture {
	t.Helper()
	return StartRelayWithConfig(t, relay.DefaultConfig())
}

// StartRelayWithConfig boots a relay with the given configuration.
func StartRelayWithConfig(t *testing.T, cfg *relay.Config) *RelayFixture {
	t.Helper()

	logger := zerolog.Nop()
	registry := prometheus.NewRegistry()
	hub := relay.NewHub(cfg, logger, relay.NewMetrics(registry))
	handler := relay.NewHandler(hub, logger, registry)

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(func() {
		server.Close()
		_ = hub.Shutdown(time.Second)
	})

	return &RelayFixture{Server: server, Hub: hub, Config: cfg}
}

// WSURL converts the fixture's base URL to a ws:// URL with the given
// path and query.
func (f *RelayFixture) WSURL(pathAndQuery string) string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http") + pathAndQuery
}

// Dial opens a WebSocket connection to the given relay path and registers
// cleanup with the test.
func (f *RelayFixture) Dial(t *testing.T, pathAndQuery string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(f.WSURL(pathAndQuery), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err, "websocket dial %s", pathAndQuery)

	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes a JSON frame on the connection.
func SendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// ReadFrame reads the next JSON frame, failing the test if none arrives
// within the deadline.
func ReadFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame), "reading frame")
	return frame
}

// WaitForFrame reads frames until one of the wanted type arrives,
// discarding everything else (presence churn, pongs from other tests'
// devices, and so on).
func WaitForFrame(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := ReadFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame arrived before deadline", frameType)
	return nil
}

// GetJSON fetches a relay endpoint and decodes the JSON body.
func GetJSON(t *testing.T, url string, out any) {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
