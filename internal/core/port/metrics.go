package port

import "github.com/Wyydra/yacall/internal/core/domain"

type Metrics interface {
	SessionOpened()
	SessionEnded(reason string)
	MessageDelivered(t domain.SignalType)
	DeliveryFailed(code domain.ErrorCode)
	EventDropped()
	CommandRejected(command string, code domain.ErrorCode)
}
