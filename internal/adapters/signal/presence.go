package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/domain"
)

func (ctl *Controller) handleHeartbeat(cid domain.ConnectionID) {
	if user, ok := ctl.userOf(cid); ok {
		ctl.Presence.RecordHeartbeat(user.ID)
	}
}

func (ctl *Controller) handleStatus(cid domain.ConnectionID, conn *wsSignalConn, data []byte) {
	type statusPayload struct {
		Type   string        `json:"type"`
		Status domain.Status `json:"status"`
	}
	var p statusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad status payload")
		return
	}
	user, ok := ctl.userOf(cid)
	if !ok {
		return
	}

	switch p.Status {
	case domain.StatusOnline:
		ctl.Presence.SetActive(user.ID)
	case domain.StatusIdle:
		ctl.Presence.SetIdle(user.ID)
	case domain.StatusDoNotDisturb:
		ctl.Presence.SetDoNotDisturb(user.ID)
	case domain.StatusOffline:
		ctl.Presence.SetOffline(user.ID)
	default:
		ctl.sendJSON(conn, map[string]any{"type": "error", "error": "bad_status"})
	}
}

func (ctl *Controller) handleWhoAmI(cid domain.ConnectionID, conn *wsSignalConn) {
	user, ok := ctl.userOf(cid)
	if !ok {
		return
	}

	resp := struct {
		Type       string              `json:"type"`
		User       domain.UserID       `json:"user_id"`
		Display    string              `json:"display_name"`
		Connection domain.ConnectionID `json:"connection_id"`
		Room       domain.RoomID       `json:"room,omitempty"`
	}{
		Type:       "whoami",
		User:       user.ID,
		Display:    user.DisplayName,
		Connection: cid,
	}
	if room, ok := ctl.Rooms.RoomOf(cid); ok {
		resp.Room = room
	}
	ctl.sendJSON(conn, resp)
}
