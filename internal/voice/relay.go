package voice

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/core"
	"github.com/harborchat/harbor/internal/domain"
)

// ICEConfig is the process-wide STUN/TURN configuration, read-only after
// startup. It is served verbatim to clients: without the TURN credential a
// client cannot authenticate to the relay. Keep it out of logs instead.
type ICEConfig struct {
	StunURLs       []string `json:"stun_urls" mapstructure:"stun_urls"`
	TurnURL        string   `json:"turn_url,omitempty" mapstructure:"turn_url"`
	TurnUsername   string   `json:"turn_username,omitempty" mapstructure:"turn_username"`
	TurnCredential string   `json:"turn_credential,omitempty" mapstructure:"turn_credential"`
}

// Servers converts the config into pion ICE server entries.
func (c ICEConfig) Servers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(c.StunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.StunURLs})
	}
	if c.TurnURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TurnURL},
			Username:   c.TurnUsername,
			Credential: c.TurnCredential,
		})
	}
	return servers
}

// Relay routes handshake envelopes between two named connections and fans
// roster changes out to a room. It is stateless: nothing is retained after
// delivery.
//
// Initiation tie-break: the joiner always offers toward each pre-existing
// member, pre-existing members only ever answer. Join order gives a total
// order, which removes the glare case of both sides offering at once.
type Relay struct {
	rooms *Registry
	dir   core.ConnectionDirectory
	ice   ICEConfig
}

func NewRelay(rooms *Registry, dir core.ConnectionDirectory, ice ICEConfig) *Relay {
	return &Relay{rooms: rooms, dir: dir, ice: ice}
}

// ICEServers exposes the static ICE configuration.
func (rl *Relay) ICEServers() ICEConfig { return rl.ice }

type memberEvent struct {
	Type string              `json:"type"`
	Room domain.RoomID       `json:"room"`
	User domain.UserID       `json:"user_id"`
	Conn domain.ConnectionID `json:"connection_id"`
}

// Join adds the member to the room, announces it to every pre-existing member
// (never to the joiner itself) and returns the pre-join roster.
func (rl *Relay) Join(room domain.RoomID, uid domain.UserID, cid domain.ConnectionID) []domain.VoiceMember {
	// A connection switching rooms leaves the old one first, with a proper
	// announcement to whoever stays behind.
	if prev, ok := rl.rooms.RoomOf(cid); ok && prev != room {
		rl.Leave(prev, uid, cid)
	}

	existing := rl.rooms.Join(room, uid, cid)
	ev := memberEvent{Type: "member_joined", Room: room, User: uid, Conn: cid}
	for _, m := range existing {
		rl.send(m.Connection, ev)
	}
	return existing
}

// Leave removes the member and announces the departure to the remaining
// roster. Duplicate leaves are benign.
func (rl *Relay) Leave(room domain.RoomID, uid domain.UserID, cid domain.ConnectionID) {
	remaining, removed := rl.rooms.Leave(room, cid)
	if !removed {
		return
	}
	ev := memberEvent{Type: "member_left", Room: room, User: uid, Conn: cid}
	for _, m := range remaining {
		rl.send(m.Connection, ev)
	}
}

// LeaveCurrent removes the connection from whatever room it is in. Used on
// transport disconnect, where the adapter does not know the room.
func (rl *Relay) LeaveCurrent(uid domain.UserID, cid domain.ConnectionID) {
	if room, ok := rl.rooms.RoomOf(cid); ok {
		rl.Leave(room, uid, cid)
	}
}

type sdpEnvelope struct {
	Type string                    `json:"type"`
	From domain.ConnectionID       `json:"from"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

// RelayOffer forwards an SDP offer to the target connection.
func (rl *Relay) RelayOffer(from, to domain.ConnectionID, sdp webrtc.SessionDescription) {
	rl.forward(to, sdpEnvelope{Type: "offer", From: from, SDP: sdp})
}

// RelayAnswer forwards an SDP answer to the target connection.
func (rl *Relay) RelayAnswer(from, to domain.ConnectionID, sdp webrtc.SessionDescription) {
	rl.forward(to, sdpEnvelope{Type: "answer", From: from, SDP: sdp})
}

type candidateEnvelope struct {
	Type      string                  `json:"type"`
	From      domain.ConnectionID     `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// RelayCandidate forwards an ICE candidate to the target connection.
func (rl *Relay) RelayCandidate(from, to domain.ConnectionID, cand webrtc.ICECandidateInit) {
	rl.forward(to, candidateEnvelope{Type: "candidate", From: from, Candidate: cand})
}

type flagEvent struct {
	Type  string        `json:"type"`
	Room  domain.RoomID `json:"room"`
	User  domain.UserID `json:"user_id"`
	State bool          `json:"state"`
}

// SetMuted updates the member's mute flag and announces it to the whole room.
func (rl *Relay) SetMuted(room domain.RoomID, uid domain.UserID, muted bool) {
	if !rl.rooms.SetMuted(room, uid, muted) {
		return
	}
	ev := flagEvent{Type: "mute_changed", Room: room, User: uid, State: muted}
	for _, m := range rl.rooms.Members(room) {
		rl.send(m.Connection, ev)
	}
}

// SetDeafened updates the member's deafen flag and announces it to the room.
func (rl *Relay) SetDeafened(room domain.RoomID, uid domain.UserID, deafened bool) {
	if !rl.rooms.SetDeafened(room, uid, deafened) {
		return
	}
	ev := flagEvent{Type: "deafen_changed", Room: room, User: uid, State: deafened}
	for _, m := range rl.rooms.Members(room) {
		rl.send(m.Connection, ev)
	}
}

// forward delivers a handshake envelope to a single connection. An unknown
// target means the remote side already disconnected; expected, not an error.
func (rl *Relay) forward(to domain.ConnectionID, v any) {
	conn, ok := rl.dir.Lookup(to)
	if !ok {
		log.Warn().Str("module", "voice.relay").Str("to", string(to)).Msg("relay target gone, dropping")
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "voice.relay").Msg("marshal envelope")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "voice.relay").Str("to", string(to)).Msg("relay send failed")
	}
}

func (rl *Relay) send(to domain.ConnectionID, v any) {
	conn, ok := rl.dir.Lookup(to)
	if !ok {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "voice.relay").Msg("marshal event")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "voice.relay").Str("to", string(to)).Msg("broadcast send failed")
	}
}
