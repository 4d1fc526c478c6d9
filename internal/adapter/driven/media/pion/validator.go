package pion

import (
	"encoding/json"
	"strings"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var allowedMedia = map[string]bool{
	"audio":       true,
	"video":       true,
	"application": true,
}

// Validator checks that offer and answer payloads carry a parsable session
// description and that candidates parse as ICE candidates. The engine still
// relays the payload untouched.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) Validate(t domain.SignalType, payload json.RawMessage) error {
	switch t {
	case domain.SignalOffer:
		_, err := v.description(payload, webrtc.SDPTypeOffer)
		return err
	case domain.SignalAnswer:
		_, err := v.description(payload, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer)
		return err
	case domain.SignalCandidate:
		return v.candidate(payload)
	}
	return nil
}

func (v *Validator) description(payload json.RawMessage, want ...webrtc.SDPType) (*sdp.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return nil, domain.ErrInvalidPayload.Withf("session description: %v", err).WithCause(err)
	}

	ok := false
	for _, w := range want {
		if desc.Type == w {
			ok = true
			break
		}
	}
	if !ok {
		return nil, domain.ErrInvalidPayload.Withf("unexpected sdp type %q", desc.Type)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return nil, domain.ErrInvalidPayload.Withf("empty sdp")
	}

	parsed, err := desc.Unmarshal()
	if err != nil {
		return nil, domain.ErrInvalidPayload.Withf("malformed sdp: %v", err).WithCause(err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return nil, domain.ErrInvalidPayload.Withf("sdp has no media sections")
	}
	for _, m := range parsed.MediaDescriptions {
		if !allowedMedia[m.MediaName.Media] {
			return nil, domain.ErrInvalidPayload.Withf("unsupported media kind %q", m.MediaName.Media)
		}
	}
	return parsed, nil
}

func (v *Validator) candidate(payload json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return domain.ErrInvalidPayload.Withf("candidate: %v", err).WithCause(err)
	}
	// an empty candidate marks the end of gathering
	raw := strings.TrimPrefix(strings.TrimSpace(init.Candidate), "candidate:")
	if raw == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(raw); err != nil {
		return domain.ErrInvalidPayload.Withf("malformed candidate: %v", err).WithCause(err)
	}
	return nil
}
