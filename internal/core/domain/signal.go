package domain

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalBye       SignalType = "bye"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalBye:
		return true
	}
	return false
}

// HasPayload reports whether messages of this type must carry a payload.
func (t SignalType) HasPayload() bool {
	return t != SignalBye
}
