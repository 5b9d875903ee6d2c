package mesh

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/domain"
)

var ErrNoSuchLink = errors.New("no such peer link")

type pionLink struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
}

// PionEngine implements MediaEngine on pion/webrtc: one PeerConnection per
// peer link, one shared-codec local audio track per link.
type PionEngine struct {
	mu    sync.Mutex
	links map[domain.ConnectionID]*pionLink

	outboundOn bool
	inboundOff atomic.Bool

	onCandidate func(domain.ConnectionID, webrtc.ICECandidateInit)
	onTrack     func(domain.ConnectionID)
	onState     func(domain.ConnectionID, webrtc.PeerConnectionState)
}

func NewPionEngine() *PionEngine {
	return &PionEngine{
		links:      make(map[domain.ConnectionID]*pionLink),
		outboundOn: true,
	}
}

func (e *PionEngine) OnLocalICECandidate(fn func(domain.ConnectionID, webrtc.ICECandidateInit)) {
	e.onCandidate = fn
}

func (e *PionEngine) OnRemoteTrack(fn func(domain.ConnectionID)) { e.onTrack = fn }

func (e *PionEngine) OnLinkStateChanged(fn func(domain.ConnectionID, webrtc.PeerConnectionState)) {
	e.onState = fn
}

func (e *PionEngine) CreatePeerLink(peer domain.ConnectionID, servers []webrtc.ICEServer) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "harbor",
	)
	if err != nil {
		_ = pc.Close()
		return err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && e.onCandidate != nil {
			e.onCandidate(peer, cand.ToJSON())
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "mesh.engine").Str("peer", string(peer)).Str("kind", remote.Kind().String()).Msg("remote track")
		if e.onTrack != nil {
			e.onTrack(peer)
		}
		go e.readLoop(peer, remote)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "mesh.engine").Str("peer", string(peer)).Str("state", s.String()).Msg("peer state")
		if e.onState != nil {
			e.onState(peer, s)
		}
	})

	e.mu.Lock()
	if old, ok := e.links[peer]; ok {
		_ = old.pc.Close()
	}
	l := &pionLink{pc: pc, track: track, sender: sender}
	e.links[peer] = l
	outbound := e.outboundOn
	e.mu.Unlock()

	if !outbound {
		_ = sender.ReplaceTrack(nil)
	}
	return nil
}

func (e *PionEngine) CreateOffer(peer domain.ConnectionID) (webrtc.SessionDescription, error) {
	l, ok := e.link(peer)
	if !ok {
		return webrtc.SessionDescription{}, ErrNoSuchLink
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (e *PionEngine) CreateAnswer(peer domain.ConnectionID) (webrtc.SessionDescription, error) {
	l, ok := e.link(peer)
	if !ok {
		return webrtc.SessionDescription{}, ErrNoSuchLink
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (e *PionEngine) SetRemoteDescription(peer domain.ConnectionID, sdp webrtc.SessionDescription) error {
	l, ok := e.link(peer)
	if !ok {
		return ErrNoSuchLink
	}
	return l.pc.SetRemoteDescription(sdp)
}

func (e *PionEngine) AddICECandidate(peer domain.ConnectionID, cand webrtc.ICECandidateInit) error {
	l, ok := e.link(peer)
	if !ok {
		return ErrNoSuchLink
	}
	return l.pc.AddICECandidate(cand)
}

func (e *PionEngine) ClosePeerLink(peer domain.ConnectionID) {
	e.mu.Lock()
	l, ok := e.links[peer]
	delete(e.links, peer)
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "mesh.engine").Str("peer", string(peer)).Msg("close link")
	}
}

// SetOutboundAudio swaps the sending track in or out on every link, which
// mutes without renegotiation.
func (e *PionEngine) SetOutboundAudio(enabled bool) error {
	e.mu.Lock()
	e.outboundOn = enabled
	links := make([]*pionLink, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.mu.Unlock()

	var firstErr error
	for _, l := range links {
		var err error
		if enabled {
			err = l.sender.ReplaceTrack(l.track)
		} else {
			err = l.sender.ReplaceTrack(nil)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *PionEngine) SetInboundMuted(muted bool) {
	e.inboundOff.Store(muted)
}

func (e *PionEngine) link(peer domain.ConnectionID) (*pionLink, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.links[peer]
	return l, ok
}

// readLoop drains inbound RTP so pion's buffers keep moving. While deafened,
// packets are dropped instead of handed to playback.
func (e *PionEngine) readLoop(peer domain.ConnectionID, remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "mesh.engine").Str("peer", string(peer)).Msg("read RTP stopped")
			}
			return
		}
		if e.inboundOff.Load() {
			continue
		}
		e.playback(peer, pkt.Payload)
	}
}

// playback is the seam to the host application's audio output. The engine
// itself has no speaker; embedding apps override behavior via OnRemoteTrack
// and their own readers if they need raw frames.
func (e *PionEngine) playback(domain.ConnectionID, []byte) {}
