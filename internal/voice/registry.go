// Package voice holds the per-room voice rosters and the signaling relay
// that wires handshake traffic between participants. The server never touches
// media; audio flows peer to peer in a full mesh.
package voice

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/domain"
)

// Registry tracks which (user, connection) pairs are in which voice room.
// Membership here is separate from global presence: being in a call and being
// online are independent facts, cross-referenced by user id only.
type Registry struct {
	mu     sync.Mutex
	rooms  map[domain.RoomID][]*domain.VoiceMember
	byConn map[domain.ConnectionID]domain.RoomID
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[domain.RoomID][]*domain.VoiceMember),
		byConn: make(map[domain.ConnectionID]domain.RoomID),
	}
}

// Join adds the member and returns the roster as it existed before the join,
// so the joiner knows who to contact. A connection already present in any
// room (this one included) is removed first; a pair lives in at most one room.
func (r *Registry) Join(room domain.RoomID, uid domain.UserID, cid domain.ConnectionID) []domain.VoiceMember {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[cid]; ok {
		r.removeLocked(prev, cid)
	}

	existing := r.snapshotLocked(room)
	r.rooms[room] = append(r.rooms[room], &domain.VoiceMember{
		User:       uid,
		Connection: cid,
		JoinedAt:   time.Now(),
	})
	r.byConn[cid] = room
	log.Info().Str("module", "voice").Str("room", string(room)).Str("user", string(uid)).Str("conn", string(cid)).Msg("member joined")
	return existing
}

// Leave removes the member and returns the remaining roster. Removing an
// absent member is a benign race and reports removed=false.
func (r *Registry) Leave(room domain.RoomID, cid domain.ConnectionID) (remaining []domain.VoiceMember, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed = r.removeLocked(room, cid)
	if removed {
		log.Info().Str("module", "voice").Str("room", string(room)).Str("conn", string(cid)).Msg("member left")
	}
	return r.snapshotLocked(room), removed
}

// RoomOf reports the room a connection is currently in, if any.
func (r *Registry) RoomOf(cid domain.ConnectionID) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.byConn[cid]
	return room, ok
}

// SetMuted updates the mute flag on every entry the user holds in the room.
func (r *Registry) SetMuted(room domain.RoomID, uid domain.UserID, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, m := range r.rooms[room] {
		if m.User == uid {
			m.Muted = muted
			changed = true
		}
	}
	return changed
}

// SetDeafened updates the deafen flag on every entry the user holds in the room.
func (r *Registry) SetDeafened(room domain.RoomID, uid domain.UserID, deafened bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, m := range r.rooms[room] {
		if m.User == uid {
			m.Deafened = deafened
			changed = true
		}
	}
	return changed
}

// Members returns a copy of the room's roster in join order.
func (r *Registry) Members(room domain.RoomID) []domain.VoiceMember {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(room)
}

func (r *Registry) removeLocked(room domain.RoomID, cid domain.ConnectionID) bool {
	members := r.rooms[room]
	for i, m := range members {
		if m.Connection == cid {
			r.rooms[room] = append(members[:i], members[i+1:]...)
			delete(r.byConn, cid)
			if len(r.rooms[room]) == 0 {
				delete(r.rooms, room)
			}
			return true
		}
	}
	return false
}

func (r *Registry) snapshotLocked(room domain.RoomID) []domain.VoiceMember {
	members := r.rooms[room]
	out := make([]domain.VoiceMember, 0, len(members))
	for _, m := range members {
		out = append(out, *m)
	}
	return out
}
