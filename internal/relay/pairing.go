// Package relay maintains the private pairing table that lets two
// independently-initiated private sessions find each other.
package relay

import "sync"

// pairKey identifies a private session by the ordered (initiator, target)
// device pair.
type pairKey struct {
	initiator string
	target    string
}

// PairingTable maps an ordered (initiator, target) pair to the initiator's
// session. A device may hold one entry per target it initiated toward, in
// addition to any public session it has open.
type PairingTable struct {
	mu      sync.RWMutex
	entries map[pairKey]*Session
}

// NewPairingTable creates an empty pairing table.
func NewPairingTable() *PairingTable {
	return &PairingTable{entries: make(map[pairKey]*Session)}
}

// Open installs or overwrites the entry for (initiator, target).
func (p *PairingTable) Open(initiator, target string, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[pairKey{initiator, target}] = s
}

// Close removes the entry for (initiator, target). Closing an absent entry
// is a no-op.
func (p *PairingTable) Close(initiator, target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, pairKey{initiator, target})
}

// release removes the entry for (initiator, target) only if it still points
// at the given session, so a superseded session's teardown cannot drop an
// entry the replacement re-opened.
func (p *PairingTable) release(initiator, target string, s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pairKey{initiator, target}
	if p.entries[key] != s {
		return false
	}
	delete(p.entries, key)
	return true
}

// Resolve looks up the session the target itself opened toward the
// initiator, i.e. the entry keyed (target, initiator). An absent result
// means the target has no symmetric private session open and the message
// cannot be routed.
func (p *PairingTable) Resolve(target, initiator string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.entries[pairKey{target, initiator}]
	return s, ok
}

// Len reports the number of open pairing entries.
func (p *PairingTable) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
