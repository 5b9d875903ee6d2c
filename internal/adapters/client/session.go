// Package client is the participant-side signaling adapter: it speaks the
// relay's websocket envelopes and drives a mesh orchestrator with them. The
// transport is injected as a send function so the command-line client and
// tests share one dispatch path.
package client

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/domain"
	"github.com/harborchat/harbor/internal/mesh"
)

// Session binds one connection's envelope stream to its mesh orchestrator.
// The orchestrator is created lazily on the whoami reply, which carries the
// connection id the server minted for this socket.
type Session struct {
	engine  mesh.MediaEngine
	servers []webrtc.ICEServer
	send    func(v any) error

	mu   sync.Mutex
	self domain.ConnectionID
	orch *mesh.Orchestrator
}

func NewSession(engine mesh.MediaEngine, servers []webrtc.ICEServer, send func(v any) error) *Session {
	return &Session{engine: engine, servers: servers, send: send}
}

// Self returns the server-minted connection id, empty before whoami.
func (s *Session) Self() domain.ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// RequestIdentity asks the server for this connection's id. Must complete
// before any room traffic makes sense.
func (s *Session) RequestIdentity() error {
	return s.send(map[string]string{"type": "whoami"})
}

func (s *Session) JoinRoom(room domain.RoomID) error {
	return s.send(struct {
		Type string        `json:"type"`
		Room domain.RoomID `json:"room"`
	}{Type: "join", Room: room})
}

func (s *Session) LeaveRoom() error {
	if o := s.orchestrator(); o != nil {
		o.Close()
	}
	return s.send(map[string]string{"type": "leave"})
}

func (s *Session) Heartbeat() error {
	return s.send(map[string]string{"type": "heartbeat"})
}

// SetMuted silences the local outbound track and tells the room.
func (s *Session) SetMuted(muted bool) error {
	if o := s.orchestrator(); o != nil {
		o.SetMuted(muted)
	}
	return s.send(struct {
		Type  string `json:"type"`
		Muted bool   `json:"muted"`
	}{Type: "mute", Muted: muted})
}

// SetDeafened mutes inbound playback and tells the room.
func (s *Session) SetDeafened(deafened bool) error {
	if o := s.orchestrator(); o != nil {
		o.SetDeafened(deafened)
	}
	return s.send(struct {
		Type     string `json:"type"`
		Deafened bool   `json:"deafened"`
	}{Type: "deafen", Deafened: deafened})
}

type outboundSDP struct {
	Type string                    `json:"type"`
	To   domain.ConnectionID       `json:"to"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

// SendOffer implements mesh.SignalSender.
func (s *Session) SendOffer(to domain.ConnectionID, sdp webrtc.SessionDescription) error {
	return s.send(outboundSDP{Type: "offer", To: to, SDP: sdp})
}

// SendAnswer implements mesh.SignalSender.
func (s *Session) SendAnswer(to domain.ConnectionID, sdp webrtc.SessionDescription) error {
	return s.send(outboundSDP{Type: "answer", To: to, SDP: sdp})
}

// SendCandidate implements mesh.SignalSender.
func (s *Session) SendCandidate(to domain.ConnectionID, cand webrtc.ICECandidateInit) error {
	return s.send(struct {
		Type      string                  `json:"type"`
		To        domain.ConnectionID     `json:"to"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}{Type: "candidate", To: to, Candidate: cand})
}

// HandleMessage dispatches one inbound envelope. Unknown types are logged
// and skipped, matching the server's tolerance for version skew.
func (s *Session) HandleMessage(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("bad json")
		return
	}

	switch env.Type {
	case "whoami":
		s.handleWhoAmI(data)
	case "room_state":
		s.handleRoomState(data)
	case "member_joined":
		s.handleMemberJoined(data)
	case "member_left":
		s.handleMemberLeft(data)
	case "offer":
		s.handleOffer(data)
	case "answer":
		s.handleAnswer(data)
	case "candidate":
		s.handleCandidate(data)
	case "user_status", "mute_changed", "deafen_changed", "left", "pong":
		log.Debug().Str("module", "client").Str("type", env.Type).Msg("event")
	case "error":
		log.Warn().Str("module", "client").RawJSON("payload", data).Msg("server error")
	default:
		log.Warn().Str("module", "client").Str("type", env.Type).Msg("unknown envelope")
	}
}

func (s *Session) handleWhoAmI(data []byte) {
	var p struct {
		Connection domain.ConnectionID `json:"connection_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Connection == "" {
		log.Error().Err(err).Str("module", "client").Msg("bad whoami payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orch != nil {
		return
	}
	s.self = p.Connection
	s.orch = mesh.NewOrchestrator(p.Connection, s.engine, s, s.servers)
	log.Info().Str("module", "client").Str("conn", string(p.Connection)).Msg("identity established")
}

func (s *Session) handleRoomState(data []byte) {
	var p struct {
		Room    domain.RoomID        `json:"room"`
		Members []domain.VoiceMember `json:"members"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("bad room_state payload")
		return
	}
	o := s.orchestrator()
	if o == nil {
		log.Warn().Str("module", "client").Msg("room_state before identity, dropping")
		return
	}
	// Pre-join roster: this side is the newcomer and offers to everyone.
	o.HandleRoomJoined(p.Members)
}

func (s *Session) handleMemberJoined(data []byte) {
	var p struct {
		Conn domain.ConnectionID `json:"connection_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("bad member_joined payload")
		return
	}
	if o := s.orchestrator(); o != nil {
		o.HandleMemberJoined(p.Conn)
	}
}

func (s *Session) handleMemberLeft(data []byte) {
	var p struct {
		Conn domain.ConnectionID `json:"connection_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("bad member_left payload")
		return
	}
	if o := s.orchestrator(); o != nil {
		o.HandleMemberLeft(p.Conn)
	}
}

type inboundSDP struct {
	From domain.ConnectionID       `json:"from"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

func (s *Session) handleOffer(data []byte) {
	var p inboundSDP
	if err := json.Unmarshal(data, &p); err != nil || p.From == "" {
		log.Error().Err(err).Str("module", "client").Msg("bad offer payload")
		return
	}
	if o := s.orchestrator(); o != nil {
		o.HandleOffer(p.From, p.SDP)
	}
}

func (s *Session) handleAnswer(data []byte) {
	var p inboundSDP
	if err := json.Unmarshal(data, &p); err != nil || p.From == "" {
		log.Error().Err(err).Str("module", "client").Msg("bad answer payload")
		return
	}
	if o := s.orchestrator(); o != nil {
		o.HandleAnswer(p.From, p.SDP)
	}
}

func (s *Session) handleCandidate(data []byte) {
	var p struct {
		From      domain.ConnectionID     `json:"from"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.From == "" {
		log.Error().Err(err).Str("module", "client").Msg("bad candidate payload")
		return
	}
	if o := s.orchestrator(); o != nil {
		o.HandleCandidate(p.From, p.Candidate)
	}
}

func (s *Session) orchestrator() *mesh.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orch
}
