package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Relay is the transport boundary of the signaling channel. Deliver must
// return domain.ErrRecipientUnreachable when no endpoint for recipient is
// known, and honor ctx for deadlines.
type Relay interface {
	Deliver(ctx context.Context, recipient domain.ParticipantID, msg domain.SignalingMessage) error
}

type EventPublisher interface {
	Publish(ev domain.Event)
}
