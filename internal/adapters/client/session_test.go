package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborchat/harbor/internal/domain"
)

type fakeEngine struct {
	mu        sync.Mutex
	created   []domain.ConnectionID
	closed    []domain.ConnectionID
	remoteSet []domain.ConnectionID
	outbound  []bool
	inbound   []bool
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

func (e *fakeEngine) SetRemoteDescription(peer domain.ConnectionID, _ webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteSet = append(e.remoteSet, peer)
	return nil
}

func (e *fakeEngine) AddICECandidate(domain.ConnectionID, webrtc.ICECandidateInit) error {
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

func (e *fakeEngine) OnLocalICECandidate(func(domain.ConnectionID, webrtc.ICECandidateInit)) {}
func (e *fakeEngine) OnRemoteTrack(func(domain.ConnectionID))                                {}
func (e *fakeEngine) OnLinkStateChanged(func(domain.ConnectionID, webrtc.PeerConnectionState)) {
}

// sentEnvelopes records everything the session pushed toward the wire,
// already re-marshaled so tests can assert on the JSON shape the server
// would see.
type sentEnvelopes struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (s *sentEnvelopes) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, m)
	return nil
}

func (s *sentEnvelopes) ofType(typ string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func newIdentifiedSession(t *testing.T, self domain.ConnectionID) (*Session, *fakeEngine, *sentEnvelopes) {
	t.Helper()
	eng := &fakeEngine{}
	sent := &sentEnvelopes{}
	s := NewSession(eng, nil, sent.send)
	s.HandleMessage([]byte(fmt.Sprintf(`{"type":"whoami","user_id":"u1","connection_id":%q}`, self)))
	require.Equal(t, self, s.Self())
	return s, eng, sent
}

func TestSession_RoomStateOffersToEveryRosterMember(t *testing.T) {
	s, eng, sent := newIdentifiedSession(t, "c-me")

	s.HandleMessage([]byte(`{"type":"room_state","room":"lobby","members":[
		{"user_id":"u2","connection_id":"c-a"},
		{"user_id":"u3","connection_id":"c-b"}
	]}`))

	offers := sent.ofType("offer")
	require.Len(t, offers, 2)
	targets := []string{offers[0]["to"].(string), offers[1]["to"].(string)}
	assert.ElementsMatch(t, []string{"c-a", "c-b"}, targets)
	assert.Len(t, eng.created, 2)
}

func TestSession_MemberJoinedStaysPassive(t *testing.T) {
	s, eng, sent := newIdentifiedSession(t, "c-me")

	s.HandleMessage([]byte(`{"type":"member_joined","user_id":"u2","connection_id":"c-new"}`))

	assert.Empty(t, sent.ofType("offer"))
	assert.Empty(t, eng.created)
}

func TestSession_IncomingOfferProducesAnswer(t *testing.T) {
	s, eng, sent := newIdentifiedSession(t, "c-me")

	s.HandleMessage([]byte(`{"type":"offer","from":"c-new","sdp":{"type":"offer","sdp":"v=0"}}`))

	answers := sent.ofType("answer")
	require.Len(t, answers, 1)
	assert.Equal(t, "c-new", answers[0]["to"])
	assert.Equal(t, []domain.ConnectionID{"c-new"}, eng.remoteSet)
}

func TestSession_TrafficBeforeIdentityIsDropped(t *testing.T) {
	eng := &fakeEngine{}
	sent := &sentEnvelopes{}
	s := NewSession(eng, nil, sent.send)

	s.HandleMessage([]byte(`{"type":"room_state","room":"lobby","members":[{"user_id":"u2","connection_id":"c-a"}]}`))
	s.HandleMessage([]byte(`{"type":"offer","from":"c-a","sdp":{"type":"offer","sdp":"v=0"}}`))

	assert.Empty(t, sent.frames)
	assert.Empty(t, eng.created)
}

func TestSession_MemberLeftClosesLink(t *testing.T) {
	s, eng, _ := newIdentifiedSession(t, "c-me")
	s.HandleMessage([]byte(`{"type":"room_state","room":"lobby","members":[{"user_id":"u2","connection_id":"c-a"}]}`))

	s.HandleMessage([]byte(`{"type":"member_left","user_id":"u2","connection_id":"c-a"}`))

	assert.Equal(t, []domain.ConnectionID{"c-a"}, eng.closed)
}

func TestSession_MuteTogglesEngineAndNotifiesRoom(t *testing.T) {
	s, eng, sent := newIdentifiedSession(t, "c-me")

	require.NoError(t, s.SetMuted(true))

	assert.Equal(t, []bool{false}, eng.outbound)
	mutes := sent.ofType("mute")
	require.Len(t, mutes, 1)
	assert.Equal(t, true, mutes[0]["muted"])
}

func TestSession_SecondWhoAmIKeepsFirstIdentity(t *testing.T) {
	s, _, _ := newIdentifiedSession(t, "c-me")

	s.HandleMessage([]byte(`{"type":"whoami","user_id":"u1","connection_id":"c-other"}`))

	assert.Equal(t, domain.ConnectionID("c-me"), s.Self())
}
