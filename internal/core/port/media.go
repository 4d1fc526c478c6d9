package port

import (
	"encoding/json"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// PayloadValidator inspects offer, answer and candidate payloads before they
// are relayed. The engine treats payloads as opaque when none is configured.
type PayloadValidator interface {
	Validate(t domain.SignalType, payload json.RawMessage) error
}
