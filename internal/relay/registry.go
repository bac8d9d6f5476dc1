// Package relay maintains the connection registry that maps each device
// identity to its single live session and enforces last-registration-wins
// eviction.
package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnectionRecord tracks the live session for one device identity.
type ConnectionRecord struct {
	session  *Session
	lastSeen time.Time
}

// Registry is the authoritative map from device identity to live session.
// At most one record exists per identity at any instant; registering a
// second session for the same identity evicts the previous one.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*ConnectionRecord
	logger  zerolog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		records: make(map[string]*ConnectionRecord),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Register installs a session for the given device identity. If a record
// already exists for the identity, its session is closed best-effort before
// the new record is installed; a close failure means the old transport was
// already dead and is ignored. Returns the evicted session, if any.
func (r *Registry) Register(deviceID string, s *Session) *Session {
	r.mu.Lock()
	old := r.records[deviceID]
	r.records[deviceID] = &ConnectionRecord{session: s, lastSeen: time.Now()}
	r.mu.Unlock()

	if old == nil {
		r.logger.Debug().Str("device_id", deviceID).Msg("device registered")
		return nil
	}

	r.logger.Info().Str("device_id", deviceID).Msg("evicting superseded session")
	old.session.evict()
	return old.session
}

// Touch refreshes the last-activity timestamp for an identity. It is a
// no-op when the identity is not registered.
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.records[deviceID]; ok {
		record.lastSeen = time.Now()
	}
}

// Unregister removes the record for an identity unconditionally. Removing
// an absent identity is a no-op.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, deviceID)
}

// release removes the record for an identity only if it still points at the
// given session. It reports whether the removal happened; a false return
// means the session was superseded by a newer registration, whose record
// must survive the old session's teardown.
func (r *Registry) release(deviceID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[deviceID]
	if !ok || record.session != s {
		return false
	}
	delete(r.records, deviceID)
	return true
}

// lookup returns the live session for an identity, if registered.
func (r *Registry) lookup(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[deviceID]
	if !ok {
		return nil, false
	}
	return record.session, true
}

// Snapshot returns the currently registered device identities, sorted for
// deterministic output. The result is a point-in-time copy; callers must
// not assume it stays current.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// sessions returns a point-in-time copy of every registered session, used
// by the broadcaster so no lock is held across network sends.
func (r *Registry) sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, record.session)
	}
	return out
}

// Len reports the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
