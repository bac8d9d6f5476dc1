// Package relay tracks which device identities currently participate in
// the public broadcast room.
package relay

import (
	"sort"
	"sync"
)

// Room is the set of device identities subscribed to public broadcast.
// Membership follows the connection registry's lifecycle: a device is added
// when its public session registers and removed during that session's
// teardown.
type Room struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

// NewRoom creates an empty public room.
func NewRoom() *Room {
	return &Room{members: make(map[string]struct{})}
}

// Join adds an identity to the room.
func (r *Room) Join(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[deviceID] = struct{}{}
}

// Leave removes an identity from the room. Removing an absent identity is
// a no-op.
func (r *Room) Leave(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, deviceID)
}

// Contains reports whether an identity is currently in the room.
func (r *Room) Contains(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[deviceID]
	return ok
}

// Members returns a sorted snapshot of the current membership, used for
// join and leave announcement payloads.
func (r *Room) Members() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
