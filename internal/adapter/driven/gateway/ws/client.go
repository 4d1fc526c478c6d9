package ws

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Client is one connected participant as seen by the hub.
type Client interface {
	ParticipantID() domain.ParticipantID
	SessionID() domain.SessionID
	SendSignal(ctx context.Context, msg domain.SignalingMessage) error
	SendEvent(ctx context.Context, ev domain.Event) error
	Close() error
}
