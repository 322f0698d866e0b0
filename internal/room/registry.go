// Package room tracks which connections are viewing which document. The
// registry is the only server-side shared mutable state; it is mutated solely
// through Join, Leave and DropConn, and every mutation is followed by a single
// roster recomputation for the rooms it touched.
package room

import (
	"sort"
	"sync"
	"time"

	"github.com/Glfrancodev/semilleros-collab/internal/auth"
	"github.com/Glfrancodev/semilleros-collab/pkg/collab/wire"
)

// Key addresses one room: a document plus the entity type that owns it.
type Key struct {
	DocumentType string
	DocumentID   string
}

func (k Key) String() string {
	return k.DocumentType + "/" + k.DocumentID
}

// Session is one connection's membership in one room.
type Session struct {
	ConnID   string
	Identity auth.Identity
	JoinedAt time.Time
}

// Registry maps documents to their active sessions. Rooms are created lazily
// on first join and reclaimed on last leave so an idle server holds no rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[Key]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[Key]map[string]*Session)}
}

// Join adds a connection to a room and returns the member count. Joining a
// room the connection is already in is a no-op for membership, so a single
// later leave removes exactly one entry.
func (r *Registry) Join(key Key, connID string, id auth.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.rooms[key]
	if !ok {
		sessions = make(map[string]*Session)
		r.rooms[key] = sessions
	}
	if _, ok := sessions[connID]; !ok {
		sessions[connID] = &Session{ConnID: connID, Identity: id, JoinedAt: time.Now()}
	}
	return len(sessions)
}

// Leave removes a connection from a room. Returns the remaining member count
// and whether the connection was actually a member.
func (r *Registry) Leave(key Key, connID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.rooms[key]
	if !ok {
		return 0, false
	}
	if _, ok := sessions[connID]; !ok {
		return len(sessions), false
	}
	delete(sessions, connID)
	if len(sessions) == 0 {
		delete(r.rooms, key)
		return 0, true
	}
	return len(sessions), true
}

// DropConn removes a connection from every room it joined and returns the
// affected room keys. Called when the channel is lost so a crash performs the
// same cleanup as an explicit leave.
func (r *Registry) DropConn(connID string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []Key
	for key, sessions := range r.rooms {
		if _, ok := sessions[connID]; !ok {
			continue
		}
		delete(sessions, connID)
		affected = append(affected, key)
		if len(sessions) == 0 {
			delete(r.rooms, key)
		}
	}
	return affected
}

// Members returns the connection IDs currently in a room.
func (r *Registry) Members(key Key) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.rooms[key]
	ids := make([]string, 0, len(sessions))
	for connID := range sessions {
		ids = append(ids, connID)
	}
	return ids
}

// Roster builds the presence snapshot pushed to room members. Entries are
// per connection, not de-duplicated by user: one user with two tabs open
// appears twice. Ordered by join time so the list is stable across pushes.
func (r *Registry) Roster(key Key) []wire.User {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.rooms[key]))
	for _, s := range r.rooms[key] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].JoinedAt.Equal(sessions[j].JoinedAt) {
			return sessions[i].ConnID < sessions[j].ConnID
		}
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})

	users := make([]wire.User, 0, len(sessions))
	for _, s := range sessions {
		users = append(users, wire.User{
			ID:        s.Identity.UserID,
			Nombre:    s.Identity.Nombre,
			Iniciales: s.Identity.Iniciales,
			Avatar:    s.Identity.Avatar,
		})
	}
	return users
}

// Identity returns the identity a room stored for a member connection.
func (r *Registry) Identity(key Key, connID string) (auth.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.rooms[key][connID]; ok {
		return s.Identity, true
	}
	return auth.Identity{}, false
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SessionCount returns the number of memberships across all rooms.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, sessions := range r.rooms {
		total += len(sessions)
	}
	return total
}

// ActiveRooms returns member counts keyed by room, for the stats endpoint.
func (r *Registry) ActiveRooms() map[Key]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Key]int, len(r.rooms))
	for key, sessions := range r.rooms {
		counts[key] = len(sessions)
	}
	return counts
}
