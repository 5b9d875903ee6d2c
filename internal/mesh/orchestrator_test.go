package mesh

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborchat/harbor/internal/domain"
)

type fakeEngine struct {
	mu         sync.Mutex
	created    []domain.ConnectionID
	closed     []domain.ConnectionID
	remoteSet  map[domain.ConnectionID][]webrtc.SessionDescription
	candidates map[domain.ConnectionID][]webrtc.ICECandidateInit
	outbound   []bool
	inbound    []bool

	onCandidate func(domain.ConnectionID, webrtc.ICECandidateInit)
	onTrack     func(domain.ConnectionID)
	onState     func(domain.ConnectionID, webrtc.PeerConnectionState)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		remoteSet:  make(map[domain.ConnectionID][]webrtc.SessionDescription),
		candidates: make(map[domain.ConnectionID][]webrtc.ICECandidateInit),
	}
}

func (e *fakeEngine) CreatePeerLink(peer domain.ConnectionID, _ []webrtc.ICEServer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, peer)
	return nil
}

func (e *fakeEngine) CreateOffer(peer domain.ConnectionID) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + string(peer)}, nil
}

func (e *fakeEngine) CreateAnswer(peer domain.ConnectionID) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + string(peer)}, nil
}

func (e *fakeEngine) SetRemoteDescription(peer domain.ConnectionID, sdp webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteSet[peer] = append(e.remoteSet[peer], sdp)
	return nil
}

func (e *fakeEngine) AddICECandidate(peer domain.ConnectionID, cand webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates[peer] = append(e.candidates[peer], cand)
	return nil
}

func (e *fakeEngine) ClosePeerLink(peer domain.ConnectionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = append(e.closed, peer)
}

func (e *fakeEngine) SetOutboundAudio(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbound = append(e.outbound, enabled)
	return nil
}

func (e *fakeEngine) SetInboundMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inbound = append(e.inbound, muted)
}

func (e *fakeEngine) OnLocalICECandidate(fn func(domain.ConnectionID, webrtc.ICECandidateInit)) {
	e.onCandidate = fn
}

func (e *fakeEngine) OnRemoteTrack(fn func(domain.ConnectionID)) { e.onTrack = fn }

func (e *fakeEngine) OnLinkStateChanged(fn func(domain.ConnectionID, webrtc.PeerConnectionState)) {
	e.onState = fn
}

func (e *fakeEngine) candidatesFor(peer domain.ConnectionID) []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(e.candidates[peer]))
	copy(out, e.candidates[peer])
	return out
}

type sentSDP struct {
	to  domain.ConnectionID
	sdp webrtc.SessionDescription
}

type fakeSender struct {
	mu         sync.Mutex
	offers     []sentSDP
	answers    []sentSDP
	candidates []domain.ConnectionID
}

func (s *fakeSender) SendOffer(to domain.ConnectionID, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, sentSDP{to, sdp})
	return nil
}

func (s *fakeSender) SendAnswer(to domain.ConnectionID, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sentSDP{to, sdp})
	return nil
}

func (s *fakeSender) SendCandidate(to domain.ConnectionID, _ webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, to)
	return nil
}

func roster(conns ...domain.ConnectionID) []domain.VoiceMember {
	out := make([]domain.VoiceMember, 0, len(conns))
	for _, c := range conns {
		out = append(out, domain.VoiceMember{User: domain.UserID("u-" + c), Connection: c})
	}
	return out
}

func newTestOrchestrator() (*Orchestrator, *fakeEngine, *fakeSender) {
	engine := newFakeEngine()
	sender := &fakeSender{}
	o := NewOrchestrator("self", engine, sender, nil)
	return o, engine, sender
}

func TestOrchestrator_JoinerOffersToExistingMembers(t *testing.T) {
	o, engine, sender := newTestOrchestrator()

	o.HandleRoomJoined(roster("cA", "cB"))

	assert.ElementsMatch(t, []domain.ConnectionID{"cA", "cB"}, engine.created)
	require.Len(t, sender.offers, 2)
}

func TestOrchestrator_MemberJoinedTriggersNoOffer(t *testing.T) {
	o, engine, sender := newTestOrchestrator()
	o.HandleRoomJoined(roster("cA"))

	// Later joiner cD is the initiator; this side must wait for its offer.
	o.HandleMemberJoined("cD")

	assert.Equal(t, []domain.ConnectionID{"cA"}, engine.created)
	assert.Len(t, sender.offers, 1)
}

func TestOrchestrator_AnswersIncomingOffer(t *testing.T) {
	o, engine, sender := newTestOrchestrator()

	o.HandleOffer("cD", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"})

	assert.Equal(t, []domain.ConnectionID{"cD"}, engine.created)
	require.Len(t, engine.remoteSet["cD"], 1)
	require.Len(t, sender.answers, 1)
	assert.Equal(t, domain.ConnectionID("cD"), sender.answers[0].to)
	assert.Empty(t, sender.offers)
}

func TestOrchestrator_AnswerAppliesRemoteDescription(t *testing.T) {
	o, engine, _ := newTestOrchestrator()
	o.HandleRoomJoined(roster("cA"))

	o.HandleAnswer("cA", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "y"})

	require.Len(t, engine.remoteSet["cA"], 1)
	assert.Equal(t, webrtc.SDPTypeAnswer, engine.remoteSet["cA"][0].Type)
}

func TestOrchestrator_AnswerForUnknownLinkDropped(t *testing.T) {
	o, engine, _ := newTestOrchestrator()

	o.HandleAnswer("ghost", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "y"})

	assert.Empty(t, engine.remoteSet["ghost"])
}

func TestOrchestrator_BuffersCandidatesUntilRemoteSet(t *testing.T) {
	o, engine, _ := newTestOrchestrator()
	o.HandleRoomJoined(roster("cA"))

	// Candidates racing ahead of the answer are buffered, not dropped.
	o.HandleCandidate("cA", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	o.HandleCandidate("cA", webrtc.ICECandidateInit{Candidate: "candidate:2"})
	assert.Empty(t, engine.candidatesFor("cA"))

	o.HandleAnswer("cA", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "y"})

	flushed := engine.candidatesFor("cA")
	require.Len(t, flushed, 2)
	assert.Equal(t, "candidate:1", flushed[0].Candidate)

	// Applied exactly once: a later candidate goes straight through.
	o.HandleCandidate("cA", webrtc.ICECandidateInit{Candidate: "candidate:3"})
	assert.Len(t, engine.candidatesFor("cA"), 3)
}

func TestOrchestrator_CandidateBeforeOfferIsBuffered(t *testing.T) {
	o, engine, _ := newTestOrchestrator()

	o.HandleCandidate("cD", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	assert.Empty(t, engine.candidatesFor("cD"))

	o.HandleOffer("cD", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"})

	require.Len(t, engine.candidatesFor("cD"), 1)
}

func TestOrchestrator_MemberLeftClosesLink(t *testing.T) {
	o, engine, _ := newTestOrchestrator()
	o.HandleRoomJoined(roster("cA", "cB"))

	o.HandleMemberLeft("cA")

	assert.Equal(t, []domain.ConnectionID{"cA"}, engine.closed)

	// Candidates for a closed link are buffered on a fresh placeholder, not
	// applied to a dead engine link.
	o.HandleCandidate("cA", webrtc.ICECandidateInit{Candidate: "candidate:9"})
	assert.Empty(t, engine.candidatesFor("cA"))
}

func TestOrchestrator_DuplicateOfferRecreatesLink(t *testing.T) {
	o, engine, sender := newTestOrchestrator()

	o.HandleOffer("cD", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x1"})
	o.HandleOffer("cD", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x2"})

	// Old link torn down before the replacement is created.
	assert.Equal(t, []domain.ConnectionID{"cD", "cD"}, engine.created)
	assert.Equal(t, []domain.ConnectionID{"cD"}, engine.closed)
	assert.Len(t, sender.answers, 2)
}

func TestOrchestrator_LocalCandidatesGoThroughRelay(t *testing.T) {
	o, engine, sender := newTestOrchestrator()
	o.HandleRoomJoined(roster("cA"))

	engine.onCandidate("cA", webrtc.ICECandidateInit{Candidate: "candidate:local"})

	require.Len(t, sender.candidates, 1)
	assert.Equal(t, domain.ConnectionID("cA"), sender.candidates[0])
}

func TestOrchestrator_MuteDeafenPassThrough(t *testing.T) {
	o, engine, _ := newTestOrchestrator()

	o.SetMuted(true)
	o.SetMuted(false)
	o.SetDeafened(true)

	assert.Equal(t, []bool{false, true}, engine.outbound)
	assert.Equal(t, []bool{true}, engine.inbound)
}

func TestOrchestrator_LinkDownSurfaced(t *testing.T) {
	o, engine, _ := newTestOrchestrator()
	var downPeer domain.ConnectionID
	o.OnLinkDown(func(peer domain.ConnectionID, _ webrtc.PeerConnectionState) {
		downPeer = peer
	})
	o.HandleRoomJoined(roster("cA"))

	engine.onState("cA", webrtc.PeerConnectionStateFailed)

	assert.Equal(t, domain.ConnectionID("cA"), downPeer)
}

func TestOrchestrator_MemberLeftReclaimsPlaceholder(t *testing.T) {
	o, engine, _ := newTestOrchestrator()

	// Only a buffered candidate exists for this peer, no engine link.
	o.HandleCandidate("cX", webrtc.ICECandidateInit{Candidate: "candidate:1"})

	o.HandleMemberLeft("cX")

	o.mu.Lock()
	_, ok := o.links["cX"]
	o.mu.Unlock()
	assert.False(t, ok)
	// Nothing to close on the engine for a link that was never created.
	assert.Empty(t, engine.closed)
}

func TestOrchestrator_PendingCandidateBufferIsBounded(t *testing.T) {
	o, _, _ := newTestOrchestrator()

	for i := 0; i < maxPendingCandidates+10; i++ {
		o.HandleCandidate("cX", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	}

	o.mu.Lock()
	pending := len(o.links["cX"].pending)
	o.mu.Unlock()
	assert.Equal(t, maxPendingCandidates, pending)
}

func TestOrchestrator_OnLinkDownSetFromAnotherGoroutine(t *testing.T) {
	o, engine, _ := newTestOrchestrator()
	o.HandleRoomJoined(roster("cA"))

	down := make(chan domain.ConnectionID, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.OnLinkDown(func(peer domain.ConnectionID, _ webrtc.PeerConnectionState) {
			down <- peer
		})
	}()
	<-done

	engine.onState("cA", webrtc.PeerConnectionStateDisconnected)

	select {
	case peer := <-down:
		assert.Equal(t, domain.ConnectionID("cA"), peer)
	default:
		t.Fatal("link-down callback not invoked")
	}
}

func TestOrchestrator_CloseTearsDownAllLinks(t *testing.T) {
	o, engine, _ := newTestOrchestrator()
	o.HandleRoomJoined(roster("cA", "cB"))

	o.Close()

	assert.ElementsMatch(t, []domain.ConnectionID{"cA", "cB"}, engine.closed)
}
