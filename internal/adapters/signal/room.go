package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/domain"
)

func (ctl *Controller) handleJoin(cid domain.ConnectionID, conn *wsSignalConn, data []byte) {
	type joinPayload struct {
		Type string `json:"type"`
		Room string `json:"room"`
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Room == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendJSON(conn, map[string]any{"type": "error", "error": "bad_payload"})
		return
	}

	user, ok := ctl.userOf(cid)
	if !ok {
		return
	}
	if ctl.limiter != nil && !ctl.limiter.Allow(user.ID) {
		ctl.sendJSON(conn, map[string]any{"type": "error", "error": "too_many_joins"})
		return
	}

	room := domain.RoomID(p.Room)
	log.Info().Str("module", "signal").Str("conn", string(cid)).Str("room", p.Room).Msg("join")

	// The returned roster is pre-join: these are the peers the joiner must
	// offer to. Pre-existing members were already told about the newcomer.
	existing := ctl.Relay.Join(room, user.ID, cid)

	ctl.sendJSON(conn, struct {
		Type    string               `json:"type"`
		Room    domain.RoomID        `json:"room"`
		Members []domain.VoiceMember `json:"members"`
	}{
		Type:    "room_state",
		Room:    room,
		Members: existing,
	})
}

// handleLeave exits the current room; the socket stays up.
func (ctl *Controller) handleLeave(cid domain.ConnectionID, conn *wsSignalConn) {
	user, ok := ctl.userOf(cid)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(cid)).Msg("leave")
	ctl.Relay.LeaveCurrent(user.ID, cid)
	ctl.sendJSON(conn, map[string]string{"type": "left"})
}

func (ctl *Controller) handleMute(cid domain.ConnectionID, data []byte) {
	type mutePayload struct {
		Type  string `json:"type"`
		Muted bool   `json:"muted"`
	}
	var p mutePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad mute payload")
		return
	}
	user, ok := ctl.userOf(cid)
	if !ok {
		return
	}
	room, ok := ctl.Rooms.RoomOf(cid)
	if !ok {
		return
	}
	ctl.Relay.SetMuted(room, user.ID, p.Muted)
}

func (ctl *Controller) handleDeafen(cid domain.ConnectionID, data []byte) {
	type deafenPayload struct {
		Type     string `json:"type"`
		Deafened bool   `json:"deafened"`
	}
	var p deafenPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad deafen payload")
		return
	}
	user, ok := ctl.userOf(cid)
	if !ok {
		return
	}
	room, ok := ctl.Rooms.RoomOf(cid)
	if !ok {
		return
	}
	ctl.Relay.SetDeafened(room, user.ID, p.Deafened)
}
