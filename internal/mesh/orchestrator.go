// Package mesh drives one participant's side of a full-mesh voice call:
// it turns relay events into peer-link lifecycle actions against a media
// engine and shuttles handshake messages back through the relay.
package mesh

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/domain"
)

// maxPendingCandidates caps the per-peer buffer of candidates waiting for a
// remote description. Candidates for a peer that never offers (already
// departed, for instance) must not grow without bound.
const maxPendingCandidates = 32

type peerLink struct {
	created   bool
	remoteSet bool
	// Candidates can legitimately arrive before the remote description;
	// they are buffered and flushed once it is set.
	pending []webrtc.ICECandidateInit
}

// Orchestrator manages the local mesh for a single participating device.
//
// Initiation follows join order: this device offers to everyone already in
// the room when it joins, and only ever answers offers from later joiners.
type Orchestrator struct {
	self    domain.ConnectionID
	engine  MediaEngine
	signals SignalSender
	servers []webrtc.ICEServer

	mu    sync.Mutex
	links map[domain.ConnectionID]*peerLink

	onLinkDown func(peer domain.ConnectionID, state webrtc.PeerConnectionState)
}

func NewOrchestrator(self domain.ConnectionID, engine MediaEngine, signals SignalSender, servers []webrtc.ICEServer) *Orchestrator {
	o := &Orchestrator{
		self:    self,
		engine:  engine,
		signals: signals,
		servers: servers,
		links:   make(map[domain.ConnectionID]*peerLink),
	}
	engine.OnLocalICECandidate(o.handleLocalCandidate)
	engine.OnRemoteTrack(func(peer domain.ConnectionID) {
		log.Debug().Str("module", "mesh").Str("peer", string(peer)).Msg("remote track arrived")
	})
	engine.OnLinkStateChanged(o.handleLinkState)
	return o
}

// OnLinkDown sets the callback surfaced to the UI layer when a peer link
// reaches a failed or disconnected transport state. No retry happens here;
// recovery is leave and rejoin. Engine callbacks may fire from their own
// goroutines, so the handler is swapped under the lock.
func (o *Orchestrator) OnLinkDown(fn func(peer domain.ConnectionID, state webrtc.PeerConnectionState)) {
	o.mu.Lock()
	o.onLinkDown = fn
	o.mu.Unlock()
}

// HandleRoomJoined processes a successful join: this device is the newcomer,
// so it offers to every member of the returned roster.
func (o *Orchestrator) HandleRoomJoined(roster []domain.VoiceMember) {
	for _, m := range roster {
		if m.Connection == o.self {
			continue
		}
		o.offerTo(m.Connection)
	}
}

// HandleMemberJoined is deliberately passive: the new member is the
// initiator and its offer will arrive through the relay.
func (o *Orchestrator) HandleMemberJoined(peer domain.ConnectionID) {
	log.Debug().Str("module", "mesh").Str("peer", string(peer)).Msg("member joined, awaiting their offer")
}

// HandleOffer answers an incoming offer from a later joiner.
func (o *Orchestrator) HandleOffer(from domain.ConnectionID, sdp webrtc.SessionDescription) {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, err := o.ensureLinkLocked(from)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("create link for offer")
		return
	}
	if err := o.engine.SetRemoteDescription(from, sdp); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("apply remote offer")
		return
	}
	l.remoteSet = true
	o.flushLocked(from, l)

	answer, err := o.engine.CreateAnswer(from)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("create answer")
		return
	}
	if err := o.signals.SendAnswer(from, answer); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("send answer")
	}
}

// HandleAnswer applies the remote description on a link this device offered
// on. An answer for an unknown link is a benign race (the peer may have left
// while answering) and is dropped.
func (o *Orchestrator) HandleAnswer(from domain.ConnectionID, sdp webrtc.SessionDescription) {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.links[from]
	if !ok || !l.created {
		log.Warn().Str("module", "mesh").Str("peer", string(from)).Msg("answer for unknown link, dropping")
		return
	}
	if err := o.engine.SetRemoteDescription(from, sdp); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("apply remote answer")
		return
	}
	l.remoteSet = true
	o.flushLocked(from, l)
}

// HandleCandidate applies or buffers a remote ICE candidate depending on
// whether the link's remote description is set yet.
func (o *Orchestrator) HandleCandidate(from domain.ConnectionID, cand webrtc.ICECandidateInit) {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.links[from]
	if !ok {
		l = &peerLink{}
		o.links[from] = l
	}
	if !l.created || !l.remoteSet {
		if len(l.pending) >= maxPendingCandidates {
			log.Warn().Str("module", "mesh").Str("peer", string(from)).Msg("pending candidate buffer full, dropping")
			return
		}
		l.pending = append(l.pending, cand)
		return
	}
	if err := o.engine.AddICECandidate(from, cand); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("add candidate")
	}
}

// HandleMemberLeft closes and discards the departed member's link.
func (o *Orchestrator) HandleMemberLeft(peer domain.ConnectionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLinkLocked(peer)
}

// SetMuted disables the local outbound audio track; the links stay up.
func (o *Orchestrator) SetMuted(muted bool) {
	if err := o.engine.SetOutboundAudio(!muted); err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("toggle outbound audio")
	}
}

// SetDeafened mutes playback of all inbound audio without touching any link.
func (o *Orchestrator) SetDeafened(deafened bool) {
	o.engine.SetInboundMuted(deafened)
}

// Close tears down every peer link, for leaving the room.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for peer := range o.links {
		o.closeLinkLocked(peer)
	}
}

func (o *Orchestrator) offerTo(peer domain.ConnectionID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.ensureLinkLocked(peer); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("create link for offer")
		return
	}
	offer, err := o.engine.CreateOffer(peer)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("create offer")
		return
	}
	if err := o.signals.SendOffer(peer, offer); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("send offer")
	}
}

// ensureLinkLocked creates the engine link, tearing down any previous one for
// the same peer first. Buffered candidates that raced ahead of the offer are
// kept.
func (o *Orchestrator) ensureLinkLocked(peer domain.ConnectionID) (*peerLink, error) {
	l, ok := o.links[peer]
	if !ok {
		l = &peerLink{}
		o.links[peer] = l
	}
	if l.created {
		o.engine.ClosePeerLink(peer)
		l.created = false
		l.remoteSet = false
	}
	if err := o.engine.CreatePeerLink(peer, o.servers); err != nil {
		delete(o.links, peer)
		return nil, err
	}
	l.created = true
	return l, nil
}

func (o *Orchestrator) flushLocked(peer domain.ConnectionID, l *peerLink) {
	for _, cand := range l.pending {
		if err := o.engine.AddICECandidate(peer, cand); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("flush buffered candidate")
		}
	}
	l.pending = nil
}

func (o *Orchestrator) closeLinkLocked(peer domain.ConnectionID) {
	l, ok := o.links[peer]
	if !ok {
		return
	}
	if l.created {
		o.engine.ClosePeerLink(peer)
	}
	delete(o.links, peer)
}

func (o *Orchestrator) handleLocalCandidate(peer domain.ConnectionID, cand webrtc.ICECandidateInit) {
	if err := o.signals.SendCandidate(peer, cand); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("send candidate")
	}
}

func (o *Orchestrator) handleLinkState(peer domain.ConnectionID, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		log.Warn().Str("module", "mesh").Str("peer", string(peer)).Str("state", state.String()).Msg("peer link down")
		o.mu.Lock()
		fn := o.onLinkDown
		o.mu.Unlock()
		if fn != nil {
			fn(peer, state)
		}
	default:
		log.Debug().Str("module", "mesh").Str("peer", string(peer)).Str("state", state.String()).Msg("peer link state")
	}
}
