package http

import (
	"encoding/json"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/hlog"
)

var statusByCode = map[domain.ErrorCode]int{
	domain.CodeSessionFull:          http.StatusConflict,
	domain.CodeInvalidState:         http.StatusConflict,
	domain.CodeNoPendingOffer:       http.StatusConflict,
	domain.CodeGlareConflict:        http.StatusConflict,
	domain.CodeOutOfOrderMessage:    http.StatusConflict,
	domain.CodeSessionEnded:         http.StatusGone,
	domain.CodeSessionNotFound:      http.StatusNotFound,
	domain.CodeUnknownParticipant:   http.StatusNotFound,
	domain.CodeDeliveryTimeout:      http.StatusGatewayTimeout,
	domain.CodeRecipientUnreachable: http.StatusBadGateway,
	domain.CodeInvalidPayload:       http.StatusBadRequest,
}

// StatusOf maps a command error to an HTTP status.
func StatusOf(err error) int {
	if status, ok := statusByCode[domain.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Code        domain.ErrorCode `json:"code"`
	Message     string           `json:"message"`
	Recoverable bool             `json:"recoverable"`
}

func errorBodyOf(err error) errorBody {
	code := domain.CodeOf(err)
	msg := "internal error"
	if code != domain.CodeInternal {
		msg = err.Error()
	}
	return errorBody{Code: code, Message: msg, Recoverable: domain.Recoverable(err)}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("Command failed")
	}
	writeJSON(w, status, errorBodyOf(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
