package mesh

import (
	"github.com/pion/webrtc/v4"

	"github.com/harborchat/harbor/internal/domain"
)

// MediaEngine is the driver surface the orchestrator needs from a WebRTC
// implementation. Any engine satisfying it is a valid substitute; tests use
// a fake.
type MediaEngine interface {
	// CreatePeerLink allocates a peer connection toward the given remote
	// connection id.
	CreatePeerLink(peer domain.ConnectionID, servers []webrtc.ICEServer) error
	// CreateOffer produces and locally applies an SDP offer for the link.
	CreateOffer(peer domain.ConnectionID) (webrtc.SessionDescription, error)
	// CreateAnswer produces and locally applies an SDP answer for the link.
	CreateAnswer(peer domain.ConnectionID) (webrtc.SessionDescription, error)
	// SetRemoteDescription applies the remote side's offer or answer.
	SetRemoteDescription(peer domain.ConnectionID, sdp webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(peer domain.ConnectionID, cand webrtc.ICECandidateInit) error
	// ClosePeerLink stops the link and releases its media resources.
	ClosePeerLink(peer domain.ConnectionID)

	// SetOutboundAudio enables or disables the local outbound audio track
	// on every link, without renegotiation.
	SetOutboundAudio(enabled bool) error
	// SetInboundMuted mutes local playback of all inbound audio. Links and
	// tracks are untouched.
	SetInboundMuted(muted bool)

	// OnLocalICECandidate sets a callback for newly gathered local candidates.
	OnLocalICECandidate(func(peer domain.ConnectionID, cand webrtc.ICECandidateInit))
	// OnRemoteTrack sets a callback invoked when a remote track arrives.
	OnRemoteTrack(func(peer domain.ConnectionID))
	// OnLinkStateChanged sets a callback for transport state transitions.
	OnLinkStateChanged(func(peer domain.ConnectionID, state webrtc.PeerConnectionState))
}

// SignalSender carries handshake messages back to the signaling relay.
type SignalSender interface {
	SendOffer(to domain.ConnectionID, sdp webrtc.SessionDescription) error
	SendAnswer(to domain.ConnectionID, sdp webrtc.SessionDescription) error
	SendCandidate(to domain.ConnectionID, cand webrtc.ICECandidateInit) error
}
