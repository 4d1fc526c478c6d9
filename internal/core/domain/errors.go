package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeSessionFull          ErrorCode = "SESSION_FULL"
	CodeSessionEnded         ErrorCode = "SESSION_ENDED"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodeInvalidState         ErrorCode = "INVALID_STATE"
	CodeNoPendingOffer       ErrorCode = "NO_PENDING_OFFER"
	CodeGlareConflict        ErrorCode = "GLARE_CONFLICT"
	CodeUnknownParticipant   ErrorCode = "UNKNOWN_PARTICIPANT"
	CodeDeliveryTimeout      ErrorCode = "DELIVERY_TIMEOUT"
	CodeRecipientUnreachable ErrorCode = "RECIPIENT_UNREACHABLE"
	CodeOutOfOrderMessage    ErrorCode = "OUT_OF_ORDER_MESSAGE"
	CodeInvalidPayload       ErrorCode = "INVALID_PAYLOAD"
	CodeInternal             ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed result of every rejected command. Two errors match
// under errors.Is when their codes are equal, so callers compare against
// the sentinels below.
type Error struct {
	Code          ErrorCode     `json:"code"`
	Message       string        `json:"message"`
	SessionID     SessionID     `json:"sessionId,omitempty"`
	ParticipantID ParticipantID `json:"participantId,omitempty"`
	Cause         error         `json:"-"`
}

var (
	ErrSessionFull          = &Error{Code: CodeSessionFull, Message: "session is full"}
	ErrSessionEnded         = &Error{Code: CodeSessionEnded, Message: "session has ended"}
	ErrSessionNotFound      = &Error{Code: CodeSessionNotFound, Message: "session not found"}
	ErrInvalidState         = &Error{Code: CodeInvalidState, Message: "operation not valid in current state"}
	ErrNoPendingOffer       = &Error{Code: CodeNoPendingOffer, Message: "no pending offer"}
	ErrGlareConflict        = &Error{Code: CodeGlareConflict, Message: "concurrent offer from a lower participant id wins"}
	ErrUnknownParticipant   = &Error{Code: CodeUnknownParticipant, Message: "unknown participant"}
	ErrDeliveryTimeout      = &Error{Code: CodeDeliveryTimeout, Message: "delivery timed out"}
	ErrRecipientUnreachable = &Error{Code: CodeRecipientUnreachable, Message: "recipient unreachable"}
	ErrOutOfOrderMessage    = &Error{Code: CodeOutOfOrderMessage, Message: "out-of-order or duplicate message"}
	ErrInvalidPayload       = &Error{Code: CodeInvalidPayload, Message: "invalid payload"}
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session=%s", e.SessionID)
		if e.ParticipantID != "" {
			msg += fmt.Sprintf(" participant=%s", e.ParticipantID)
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// For returns a copy scoped to a session and participant.
func (e *Error) For(sessionID SessionID, participantID ParticipantID) *Error {
	cp := *e
	cp.SessionID = sessionID
	cp.ParticipantID = participantID
	return &cp
}

// Withf returns a copy with a more specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// CodeOf extracts the code of a domain error, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Recoverable reports whether retrying the same command later may succeed.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case CodeGlareConflict, CodeDeliveryTimeout, CodeRecipientUnreachable:
		return true
	}
	return false
}
