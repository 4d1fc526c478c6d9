package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
)

const maxBodySize = 64 << 10

type createSessionRequest struct {
	Capacity int `json:"capacity"`
}

type joinRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

func ids(r *http.Request) (domain.SessionID, domain.ParticipantID) {
	return domain.SessionID(chi.URLParam(r, "sessionID")), domain.ParticipantID(chi.URLParam(r, "participantID"))
}

// decodeBody fills v from the request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.ErrInvalidPayload.WithCause(err)
	}
	return nil
}

func readPayload(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, domain.ErrInvalidPayload.WithCause(err)
	}
	if len(data) > maxBodySize {
		return nil, domain.ErrInvalidPayload.Withf("payload larger than %d bytes", maxBodySize)
	}
	return data, nil
}

func (h *Handler) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.opts.DeliveryTimeout)
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.Calls.CreateSession(r.Context(), req.Capacity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sid, _ := ids(r)
	snap, err := h.Calls.Snapshot(r.Context(), sid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	sid, _ := ids(r)
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.Calls.Join(r.Context(), sid, req.ParticipantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	sid, pid := ids(r)
	ctx, cancel := h.commandContext(r)
	defer cancel()
	if err := h.Calls.Leave(ctx, sid, pid); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Offer(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.Calls.SendOffer)
}

func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.Calls.SendAnswer)
}

func (h *Handler) Candidate(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.Calls.AddCandidate)
}

type signalCommand func(ctx context.Context, sid domain.SessionID, from domain.ParticipantID, payload json.RawMessage) error

func (h *Handler) signal(w http.ResponseWriter, r *http.Request, cmd signalCommand) {
	sid, pid := ids(r)
	payload, err := readPayload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx, cancel := h.commandContext(r)
	defer cancel()
	if err := cmd(ctx, sid, pid, payload); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.Calls.Snapshot(r.Context(), sid)
	if err != nil {
		// the command went through; the session may have ended since
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	sid, pid := ids(r)
	var patch domain.MediaPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.checkMember(r.Context(), sid, pid); err != nil {
		writeError(w, r, err)
		return
	}
	participant, err := h.Calls.SetMediaState(r.Context(), pid, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

// checkMember makes sure the path cannot address a participant of another
// session.
func (h *Handler) checkMember(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) error {
	snap, err := h.Calls.Snapshot(ctx, sid)
	if err != nil {
		return err
	}
	for _, p := range snap.Participants {
		if p.ID == pid {
			return nil
		}
	}
	return domain.ErrUnknownParticipant.For(sid, pid)
}
