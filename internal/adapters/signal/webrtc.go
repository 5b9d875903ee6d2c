package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/domain"
)

type sdpPayload struct {
	Type string                    `json:"type"`
	To   domain.ConnectionID       `json:"to"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

func (ctl *Controller) handleOffer(cid domain.ConnectionID, data []byte) {
	var p sdpPayload
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		return
	}
	ctl.Relay.RelayOffer(cid, p.To, p.SDP)
}

func (ctl *Controller) handleAnswer(cid domain.ConnectionID, data []byte) {
	var p sdpPayload
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer payload")
		return
	}
	ctl.Relay.RelayAnswer(cid, p.To, p.SDP)
}

func (ctl *Controller) handleCandidate(cid domain.ConnectionID, data []byte) {
	type candidatePayload struct {
		Type      string                  `json:"type"`
		To        domain.ConnectionID     `json:"to"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}
	ctl.Relay.RelayCandidate(cid, p.To, p.Candidate)
}
