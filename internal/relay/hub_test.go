package relay

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nextFrame pops the next queued outbound frame from a connectionless
// session, decoded into a generic map.
func nextFrame(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case payload, ok := <-s.send:
		require.True(t, ok, "send channel closed")
		var frame map[string]any
		require.NoError(t, json.Unmarshal(payload, &frame))
		return frame
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

// drainFrames discards every queued outbound frame.
func drainFrames(s *Session) {
	for {
		select {
		case <-s.send:
		default:
			return
		}
	}
}

// frameTypes returns the types of all queued frames, in order.
func frameTypes(t *testing.T, s *Session) []string {
	t.Helper()
	var types []string
	for {
		select {
		case payload := <-s.send:
			var frame map[string]any
			require.NoError(t, json.Unmarshal(payload, &frame))
			types = append(types, frame["type"].(string))
		default:
			return types
		}
	}
}

// TestPublicJoinAnnouncement verifies that joining the public room
// broadcasts a join frame carrying the updated online set to everyone,
// including the joiner.
func TestPublicJoinAnnouncement(t *testing.T) {
	hub := newTestHub()

	alice := newTestSession(hub, "alice", kindPublic, "")
	hub.connectPublic(alice)

	frame := nextFrame(t, alice)
	assert.Equal(t, FrameJoin, frame["type"])
	assert.Equal(t, "alice", frame["device_id"])
	assert.Equal(t, []any{"alice"}, frame["online"])

	bob := newTestSession(hub, "bob", kindPublic, "")
	hub.connectPublic(bob)

	frame = nextFrame(t, alice)
	assert.Equal(t, FrameJoin, frame["type"])
	assert.Equal(t, "bob", frame["device_id"])
	assert.Equal(t, []any{"alice", "bob"}, frame["online"])
}

// TestPublicMessageBroadcast verifies that an accepted public message is
// sanitized and delivered to every registered session.
func TestPublicMessageBroadcast(t *testing.T) {
	hub := newTestHub()

	alice := newTestSession(hub, "alice", kindPublic, "")
	bob := newTestSession(hub, "bob", kindPublic, "")
	hub.connectPublic(alice)
	hub.connectPublic(bob)
	drainFrames(alice)
	drainFrames(bob)

	alice.handleFrame(InboundFrame{Text: "<script>alert(1)</script>"})

	for _, s := range []*Session{alice, bob} {
		frame := nextFrame(t, s)
		assert.Equal(t, FramePublicMessage, frame["type"])
		assert.Equal(t, "alice", frame["from"])
		assert.Equal(t, "&lt;script&gt;alert(1)&lt;/script&gt;", frame["text"])
		assert.NotZero(t, frame["ts"])
	}
}

// TestRateLimitedMessageRepliesErrorToSenderOnly verifies that a
// rate-limited message yields an error frame to the sender, nothing to
// anyone else, and leaves the session active.
func TestRateLimitedMessageRepliesErrorToSenderOnly(t *testing.T) {
	hub := newTestHub()

	alice := newTestSession(hub, "alice", kindPublic, "")
	bob := newTestSession(hub, "bob", kindPublic, "")
	hub.connectPublic(alice)
	hub.connectPublic(bob)
	drainFrames(alice)
	drainFrames(bob)

	alice.handleFrame(InboundFrame{Text: "first"})
	alice.handleFrame(InboundFrame{Text: "second"})

	assert.Equal(t, []string{FramePublicMessage, FrameError}, frameTypes(t, alice))
	assert.Equal(t, []string{FramePublicMessage}, frameTypes(t, bob))
}

// TestPingBypassesRateGate verifies that a ping sent immediately after a
// rate-limited rejection still receives an immediate pong.
func TestPingBypassesRateGate(t *testing.T) {
	hub := newTestHub()

	alice := newTestSession(hub, "alice", kindPublic, "")
	hub.connectPublic(alice)
	drainFrames(alice)

	alice.handleFrame(InboundFrame{Text: "first"})
	alice.handleFrame(InboundFrame{Text: "second"})
	alice.handleFrame(InboundFrame{Type: FramePing})

	types := frameTypes(t, alice)
	require.Len(t, types, 3)
	assert.Equal(t, FramePong, types[2])
}

// TestUnrecognizedFrameTypeIgnored verifies that an unknown type is a
// no-op rather than a session failure.
func TestUnrecognizedFrameTypeIgnored(t *testing.T) {
	hub := newTestHub()

	alice := newTestSession(hub, "alice", kindPublic, "")
	hub.connectPublic(alice)
	drainFrames(alice)

	alice.handleFrame(InboundFrame{Type: "bogus", Text: "hello"})

	assert.Empty(t, frameTypes(t, alice))
	_, ok := hub.registry.lookup("alice")
	assert.True(t, ok)
}

// TestPrivatePairingSymmetry verifies the full private flow: the first
// side routes into an error until the target opens its symmetric session,
// after which messages resolve through the reversed pair.
func TestPrivatePairingSymmetry(t *testing.T) {
	hub := newTestHub()

	aToB := newTestSession(hub, "A", kindPrivate, "B")
	hub.connectPrivate(aToB)

	// B has no symmetric session yet: the error goes to A only.
	aToB.handleFrame(InboundFrame{Text: "anyone there?"})
	frame := nextFrame(t, aToB)
	assert.Equal(t, FrameError, frame["type"])
	assert.Equal(t, "Target not in private chat.", frame["message"])

	bToA := newTestSession(hub, "B", kindPrivate, "A")
	hub.connectPrivate(bToA)

	// A, being online, is notified that B opened a session toward it.
	frame = nextFrame(t, aToB)
	assert.Equal(t, FramePrivateRequest, frame["type"])
	assert.Equal(t, "B", frame["from"])

	// The failed-route message above was still accepted by the rate gate;
	// clear A's window so the next send is not throttled.
	hub.rates.Forget("A")
	aToB.handleFrame(InboundFrame{Text: "hello <b>B</b>"})

	frame = nextFrame(t, bToA)
	assert.Equal(t, FramePrivateMessage, frame["type"])
	assert.Equal(t, "A", frame["from"])
	assert.Equal(t, "B", frame["to"])
	assert.Equal(t, "hello &lt;b&gt;B&lt;/b&gt;", frame["text"])

	// Nothing was echoed back to the sender.
	assert.Empty(t, frameTypes(t, aToB))
}

// TestPublicTeardownCompleteness verifies that after a session's teardown
// the device is gone from the registry, the room, and the rate gate, and
// the remaining devices observe a leave broadcast with the updated online
// set.
func TestPublicTeardownCompleteness(t *testing.T) {
	hub := newTestHub()

	alice := newTestSession(hub, "alice", kindPublic, "")
	bob := newTestSession(hub, "bob", kindPublic, "")
	hub.connectPublic(alice)
	hub.connectPublic(bob)

	// Seed rate-limiter state so teardown has something to purge.
	alice.handleFrame(InboundFrame{Text: "hi"})
	drainFrames(alice)
	drainFrames(bob)

	hub.teardownSession(alice, true)

	assert.NotContains(t, hub.registry.Snapshot(), "alice")
	assert.False(t, hub.room.Contains("alice"))
	hub.rates.mu.Lock()
	_, hasRateState := hub.rates.limiters["alice"]
	hub.rates.mu.Unlock()
	assert.False(t, hasRateState)

	frame := nextFrame(t, bob)
	assert.Equal(t, FrameLeave, frame["type"])
	assert.Equal(t, "alice", frame["device_id"])
	assert.Equal(t, []any{"bob"}, frame["online"])

	// Teardown is one-shot; a second invocation changes nothing.
	hub.teardownSession(alice, true)
	assert.Empty(t, frameTypes(t, bob))
}

// TestPrivateTeardownRemovesPairingEntry verifies that a private session's
// teardown removes its own pairing entry but not the peer's.
func TestPrivateTeardownRemovesPairingEntry(t *testing.T) {
	hub := newTestHub()

	aToB := newTestSession(hub, "A", kindPrivate, "B")
	bToA := newTestSession(hub, "B", kindPrivate, "A")
	hub.connectPrivate(aToB)
	hub.connectPrivate(bToA)

	hub.teardownSession(aToB, false)

	_, ok := hub.pairing.Resolve("A", "B")
	assert.False(t, ok)
	_, ok = hub.pairing.Resolve("B", "A")
	assert.True(t, ok)
	assert.NotContains(t, hub.registry.Snapshot(), "A")
	assert.Contains(t, hub.registry.Snapshot(), "B")
}

// TestEvictedSessionTeardownKeepsReplacement verifies that when a device
// reconnects, the displaced session's teardown leaves the replacement's
// registry record and room membership intact.
func TestEvictedSessionTeardownKeepsReplacement(t *testing.T) {
	hub := newTestHub()

	first := newTestSession(hub, "alice", kindPublic, "")
	hub.connectPublic(first)

	second := newTestSession(hub, "alice", kindPublic, "")
	hub.connectPublic(second)

	// The displaced session's read loop eventually runs teardown.
	hub.teardownSession(first, true)

	current, ok := hub.registry.lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, current)
	assert.True(t, hub.room.Contains("alice"))

	// No spurious leave was broadcast for the still-online device.
	for _, frameType := range frameTypes(t, second) {
		assert.NotEqual(t, FrameLeave, frameType)
	}
}

// TestRoomMembershipNeverOutlivesRegistryRecord verifies cleanup when a
// public session is evicted by a private one for the same device and the
// replacement tears down before the stale public teardown runs: once both
// are gone, the device must not linger in the public room.
func TestRoomMembershipNeverOutlivesRegistryRecord(t *testing.T) {
	hub := newTestHub()

	public := newTestSession(hub, "alice", kindPublic, "")
	hub.connectPublic(public)

	private := newTestSession(hub, "alice", kindPrivate, "bob")
	hub.connectPrivate(private)

	// The replacement disconnects before the displaced session's teardown
	// gets scheduled.
	hub.teardownSession(private, false)
	hub.teardownSession(public, true)

	assert.Empty(t, hub.registry.Snapshot())
	assert.False(t, hub.room.Contains("alice"))
	assert.Equal(t, 0, hub.pairing.Len())
}

// TestEvictionByPrivateSessionLeavesRoom verifies the other ordering: the
// stale public teardown runs while the private replacement is still live,
// and the room entry is removed because the device's current connection is
// no longer a public one.
func TestEvictionByPrivateSessionLeavesRoom(t *testing.T) {
	hub := newTestHub()

	public := newTestSession(hub, "alice", kindPublic, "")
	hub.connectPublic(public)

	private := newTestSession(hub, "alice", kindPrivate, "bob")
	hub.connectPrivate(private)

	hub.teardownSession(public, true)

	assert.False(t, hub.room.Contains("alice"))
	current, ok := hub.registry.lookup("alice")
	require.True(t, ok)
	assert.Same(t, private, current)
}

// TestBroadcastDropsUnreachableSessions verifies that a recipient whose
// channel is saturated is unregistered after the pass without aborting
// delivery to the others.
func TestBroadcastDropsUnreachableSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBufferSize = 1
	hub := NewHub(cfg, zerolog.Nop(), NewMetrics(prometheus.NewRegistry()))

	alice := newTestSession(hub, "alice", kindPublic, "")
	bob := newTestSession(hub, "bob", kindPublic, "")
	hub.registry.Register("alice", alice)
	hub.registry.Register("bob", bob)
	hub.room.Join("alice")
	hub.room.Join("bob")

	// Saturate bob's outbound queue.
	require.True(t, bob.trySend([]byte(`{"type":"noise"}`)))

	hub.Broadcast([]byte(`{"type":"public_message","from":"alice","text":"hi"}`))

	assert.Contains(t, hub.registry.Snapshot(), "alice")
	assert.NotContains(t, hub.registry.Snapshot(), "bob")
	assert.False(t, hub.room.Contains("bob"))

	frame := nextFrame(t, alice)
	assert.Equal(t, FramePublicMessage, frame["type"])
}

// TestUnicastToClosedSession verifies the delivered=false contract for a
// session whose channel has been closed.
func TestUnicastToClosedSession(t *testing.T) {
	hub := newTestHub()

	alice := newTestSession(hub, "alice", kindPublic, "")
	assert.True(t, hub.Unicast(alice, []byte("ok")))

	alice.closeSend()
	assert.False(t, hub.Unicast(alice, []byte("dead")))
}

// TestSanitizedLengthOnRoute verifies the 2000-rune truncation applies on
// the routing path, not just in the helper.
func TestSanitizedLengthOnRoute(t *testing.T) {
	hub := newTestHub()

	alice := newTestSession(hub, "alice", kindPublic, "")
	hub.connectPublic(alice)
	drainFrames(alice)

	alice.handleFrame(InboundFrame{Text: strings.Repeat("x", 3000)})

	frame := nextFrame(t, alice)
	require.Equal(t, FramePublicMessage, frame["type"])
	assert.Len(t, frame["text"], 2000)
}
