// Package relay implements the per-device rate gate that throttles
// outbound-message acceptance.
package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateGate enforces a minimum interval between accepted messages per
// device identity. Each identity gets its own token-bucket limiter with a
// burst of one, created lazily on first use, which yields exactly the
// minimum-interval semantics: a message is accepted when at least the
// configured interval has elapsed since the last accepted message, and a
// rejected message does not reset the window.
//
// Ping frames never pass through the gate; they are answered immediately
// by the session handler.
type RateGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewRateGate creates a rate gate with the given minimum interval between
// accepted messages.
func NewRateGate(interval time.Duration) *RateGate {
	if interval <= 0 {
		interval = defaultRateInterval
	}
	return &RateGate{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// Allow reports whether a message from the given identity is accepted now.
// On accept the identity's window is consumed; on reject the window is
// left unchanged.
func (g *RateGate) Allow(deviceID string) bool {
	return g.allowAt(deviceID, time.Now())
}

func (g *RateGate) allowAt(deviceID string, now time.Time) bool {
	g.mu.Lock()
	limiter, ok := g.limiters[deviceID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(g.interval), 1)
		g.limiters[deviceID] = limiter
	}
	g.mu.Unlock()
	return limiter.AllowN(now, 1)
}

// Forget drops the state for an identity. Called on disconnect so limiter
// state never outlives the connection registry entry.
func (g *RateGate) Forget(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, deviceID)
}
